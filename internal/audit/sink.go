package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/storage"
)

// Sink appends entries to the durable audit trail.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

const auditPrefix = "audit"

// StorageSink writes one YAML document per entry under
// audit/<itemID>/<entryID>.yaml.
type StorageSink struct {
	storage storage.Storage
}

func NewStorageSink(s storage.Storage) *StorageSink {
	return &StorageSink{storage: s}
}

func entryPath(e *Entry) string {
	return fmt.Sprintf("%s/%s/%s.yaml", auditPrefix, e.ItemID, e.ID)
}

func (s *StorageSink) Append(ctx context.Context, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return cerr.NewError(cerr.Internal, "storage error", fmt.Errorf("failed to marshal audit entry: %w", err))
	}
	if err := s.storage.Write(ctx, entryPath(entry), data); err != nil {
		return cerr.WrapStorageWriteError("audit entry", err)
	}
	return nil
}

// ListForItem returns the trail for one item, ordered by entry ID
// (ULIDs sort chronologically).
func (s *StorageSink) ListForItem(ctx context.Context, itemID string) ([]*Entry, error) {
	paths, err := s.storage.List(ctx, auditPrefix+"/"+itemID)
	if err != nil {
		return nil, cerr.WrapStorageReadError("audit entries", err)
	}
	var entries []*Entry
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e Entry
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// BufferedSink decorates a Sink so that a sink failure never aborts
// item processing: failed entries are logged and buffered in memory,
// and a flush is retried before every subsequent append.
type BufferedSink struct {
	inner Sink

	mu      sync.Mutex
	pending []*Entry
}

func NewBufferedSink(inner Sink) *BufferedSink {
	return &BufferedSink{inner: inner}
}

func (b *BufferedSink) Append(ctx context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushLocked(ctx)
	if err := b.inner.Append(ctx, entry); err != nil {
		slog.Warn("audit sink unavailable, buffering entry", "entry_id", entry.ID, "item_id", entry.ItemID, "error", err)
		b.pending = append(b.pending, entry)
	}
	return nil
}

// Flush retries every buffered entry.
func (b *BufferedSink) Flush(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(ctx)
}

// Pending reports how many entries await a successful flush.
func (b *BufferedSink) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BufferedSink) flushLocked(ctx context.Context) {
	remaining := b.pending[:0]
	for i, e := range b.pending {
		if err := b.inner.Append(ctx, e); err != nil {
			// Keep order: once one entry fails, keep it and the rest.
			remaining = append(remaining, b.pending[i:]...)
			break
		}
	}
	b.pending = remaining
}
