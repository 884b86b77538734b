package audit

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStorage keeps entries in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStorage returns an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append implements Storage.
func (s *MemoryStorage) Append(_ context.Context, entries ...Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.Metadata = maps.Clone(e.Metadata)
		s.entries = append(s.entries, e)
	}
	return nil
}

// Query returns matching entries ordered by timestamp, oldest first.
func (s *MemoryStorage) Query(_ context.Context, c Criteria) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if c.matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Entry) int { return a.Timestamp.Compare(b.Timestamp) })
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[len(out)-c.Limit:]
	}
	return out, nil
}

func (c Criteria) matches(e Entry) bool {
	if c.AccountID != "" && e.AccountID != c.AccountID {
		return false
	}
	if len(c.EventTypes) > 0 && !slices.Contains(c.EventTypes, e.EventType) {
		return false
	}
	if !c.Since.IsZero() && e.Timestamp.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && !e.Timestamp.Before(c.Until) {
		return false
	}
	return true
}
