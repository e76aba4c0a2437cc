package reconcile

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/storage"
)

const activityPrefix = "feed/activity"

// activityDoc is the on-disk schema an external integration writes
// under feed/activity/<itemID>/<eventID>.yaml.
type activityDoc struct {
	ID    string    `yaml:"id"`
	Kind  string    `yaml:"kind"`
	Actor string    `yaml:"actor,omitempty"`
	At    time.Time `yaml:"at"`
}

// YAMLOracle answers activity queries from the event feed an external
// integration keeps on the storage backend.
type YAMLOracle struct {
	storage storage.Storage
	now     func() time.Time
}

func NewYAMLOracle(s storage.Storage) *YAMLOracle {
	return &YAMLOracle{storage: s, now: time.Now}
}

func (o *YAMLOracle) ActivitySince(ctx context.Context, itemID string, since time.Time) ([]ActivityEvent, error) {
	paths, err := o.storage.List(ctx, fmt.Sprintf("%s/%s", activityPrefix, itemID))
	if err != nil {
		return nil, cerr.NewError(cerr.OracleUnavailable, "failed to list activity feed", err)
	}

	var events []ActivityEvent
	for _, p := range paths {
		data, err := o.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.NewError(cerr.OracleUnavailable, "failed to read activity event", err)
		}
		var doc activityDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, cerr.NewError(cerr.OracleUnavailable, "activity event is not valid YAML", err)
		}
		if !doc.At.After(since) {
			continue
		}
		events = append(events, ActivityEvent{
			ID:     doc.ID,
			ItemID: itemID,
			Kind:   doc.Kind,
			Actor:  doc.Actor,
			At:     doc.At,
		})
	}
	return events, nil
}

func (o *YAMLOracle) HasRecentActivity(ctx context.Context, itemID string, hoursThreshold int) (bool, error) {
	since := o.now().Add(-time.Duration(hoursThreshold) * time.Hour)
	events, err := o.ActivitySince(ctx, itemID, since)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}
