package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type tags an engine event.
type Type string

const (
	TypeItemObserved     Type = "item.observed"
	TypeItemArchived     Type = "item.archived"
	TypeReminderSent     Type = "reminder.sent"
	TypeResponseDetected Type = "response.detected"
	TypeCycleReset       Type = "cycle.reset"
	TypeMaxReached       Type = "escalation.max_reached"
)

// Event is one best-effort engine notification. The durable record is
// the audit trail; events only feed in-process observers.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	ItemID    string            `json:"item_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType Type, itemID string, metadata map[string]string) {
	b.Publish(&Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		ItemID:    itemID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
}
