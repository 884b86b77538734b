package billing

import (
	"context"
	"sync"
	"time"
)

// EventLog remembers processed webhook event ids. An event is marked only
// after it was fully handled, so a crash mid-way leads to redelivery rather
// than loss.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// MemoryEventLog keeps event ids in process memory for ttl.
type MemoryEventLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryEventLog returns an event log that forgets ids after ttl.
// A non-positive ttl keeps ids forever.
func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	return &MemoryEventLog{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

// Seen implements EventLog.
func (l *MemoryEventLog) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.seen[eventID]
	if !ok {
		return false, nil
	}
	if l.ttl > 0 && l.now().Sub(at) > l.ttl {
		delete(l.seen, eventID)
		return false, nil
	}
	return true, nil
}

// Mark implements EventLog.
func (l *MemoryEventLog) Mark(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.ttl > 0 {
		for id, at := range l.seen {
			if now.Sub(at) > l.ttl {
				delete(l.seen, id)
			}
		}
	}
	l.seen[eventID] = now
	return nil
}
