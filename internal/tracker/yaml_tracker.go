package tracker

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/storage"
)

const feedPrefix = "feed/items"

// feedItem is the on-disk schema an external integration writes under
// feed/items/<id>.yaml. One document per open item; removing the
// document closes the item on the next sync.
type feedItem struct {
	ID             string             `yaml:"id"`
	Title          string             `yaml:"title"`
	URL            string             `yaml:"url,omitempty"`
	Assignees      []workitem.Contact `yaml:"assignees,omitempty"`
	DueDate        *time.Time         `yaml:"due_date,omitempty"`
	LastActivityAt time.Time          `yaml:"last_activity_at"`
	Closed         bool               `yaml:"closed,omitempty"`
	Urgent         bool               `yaml:"urgent,omitempty"`
	UrgentReason   string             `yaml:"urgent_reason,omitempty"`
}

// YAMLTracker reads the open-item feed an external integration keeps
// on the storage backend.
type YAMLTracker struct {
	storage storage.Storage
}

func NewYAMLTracker(s storage.Storage) *YAMLTracker {
	return &YAMLTracker{storage: s}
}

func (t *YAMLTracker) ListOpenItems(ctx context.Context) ([]Item, error) {
	paths, err := t.storage.List(ctx, feedPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("item feed", err)
	}

	items := make([]Item, 0, len(paths))
	for _, p := range paths {
		data, err := t.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("feed item", err)
		}
		var f feedItem
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, cerr.NewError(cerr.Internal, "feed item is not valid YAML", err)
		}
		if f.ID == "" {
			continue
		}
		items = append(items, Item{
			ID:             f.ID,
			Title:          f.Title,
			URL:            f.URL,
			Assignees:      f.Assignees,
			DueDate:        f.DueDate,
			LastActivityAt: f.LastActivityAt,
			Closed:         f.Closed,
			Urgent:         f.Urgent,
			UrgentReason:   f.UrgentReason,
		})
	}
	return items, nil
}
