package workitem

import "context"

// Filter narrows List results. A nil Stage matches every stage.
// ActiveOnly keeps closed-but-unarchived items in scope so their
// archival still gets an evaluation pass.
type Filter struct {
	Stage           *int
	ActiveOnly      bool
	IncludeArchived bool
}

type Repository interface {
	Create(ctx context.Context, item *WorkItem) error
	Get(ctx context.Context, id string) (*WorkItem, error)
	List(ctx context.Context, f Filter) ([]*WorkItem, error)
	Update(ctx context.Context, item *WorkItem) error
}
