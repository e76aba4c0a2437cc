package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/storage"
)

const itemsPrefix = "items"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", itemsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, item *workitem.WorkItem) error {
	exists, err := r.storage.Exists(ctx, path(item.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("work item", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "work item already exists", nil)
	}
	data, err := yaml.Marshal(item)
	if err != nil {
		return cerr.NewError(cerr.Internal, "storage error", fmt.Errorf("failed to marshal work item: %w", err))
	}
	if err := r.storage.Write(ctx, path(item.ID), data); err != nil {
		return cerr.WrapStorageWriteError("work item", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*workitem.WorkItem, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("work item", err)
	}
	var item workitem.WorkItem
	if err := yaml.Unmarshal(data, &item); err != nil {
		return nil, cerr.NewError(cerr.Internal, "storage error", fmt.Errorf("failed to unmarshal work item: %w", err))
	}
	return &item, nil
}

func (r *YAMLRepository) List(ctx context.Context, f workitem.Filter) ([]*workitem.WorkItem, error) {
	paths, err := r.storage.List(ctx, itemsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("work items", err)
	}

	sort.Strings(paths)

	var items []*workitem.WorkItem
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var item workitem.WorkItem
		if err := yaml.Unmarshal(data, &item); err != nil {
			continue
		}
		// Closed-but-unarchived items stay listed so the engine can
		// archive them on its next pass.
		if f.ActiveOnly && !item.Active {
			continue
		}
		if !f.IncludeArchived && item.Archived {
			continue
		}
		if f.Stage != nil && item.Reminder.Stage != *f.Stage {
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

func (r *YAMLRepository) Update(ctx context.Context, item *workitem.WorkItem) error {
	exists, err := r.storage.Exists(ctx, path(item.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("work item", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "work item not found", nil)
	}
	data, err := yaml.Marshal(item)
	if err != nil {
		return cerr.NewError(cerr.Internal, "storage error", fmt.Errorf("failed to marshal work item: %w", err))
	}
	if err := r.storage.Write(ctx, path(item.ID), data); err != nil {
		return cerr.WrapStorageWriteError("work item", err)
	}
	return nil
}
