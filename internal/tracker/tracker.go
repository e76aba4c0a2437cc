package tracker

import (
	"context"
	"time"

	"github.com/nudgeops/nudged/internal/workitem"
)

// Item is a work item as the external tracking system sees it.
type Item struct {
	ID             string
	Title          string
	URL            string
	Assignees      []workitem.Contact
	DueDate        *time.Time
	LastActivityAt time.Time
	Closed         bool
	Urgent         bool
	UrgentReason   string
}

// Tracker is the external system that owns work items. Adapters wrap
// the provider SDK; the engine only depends on this contract.
type Tracker interface {
	ListOpenItems(ctx context.Context) ([]Item, error)
}
