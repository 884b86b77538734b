package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantdrill/billing/pkg/audit"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	failures map[string]map[string]struct{}
	now      func() time.Time

	*audit.MemoryStorage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		failures: make(map[string]map[string]struct{}),
		now:      time.Now,

		MemoryStorage: audit.NewMemoryStorage(),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, accountID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// FindByCustomerRef implements Store.
func (s *MemoryStore) FindByCustomerRef(_ context.Context, customerRef string) (Record, error) {
	if customerRef == "" {
		return Record{}, ErrRecordNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.CustomerRef == customerRef {
			return rec.Clone(), nil
		}
	}
	return Record{}, ErrRecordNotFound
}

// FindBySubscriptionRef implements Store.
func (s *MemoryStore) FindBySubscriptionRef(_ context.Context, subscriptionRef string) (Record, error) {
	if subscriptionRef == "" {
		return Record{}, ErrRecordNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.SubscriptionRef == subscriptionRef {
			return rec.Clone(), nil
		}
	}
	return Record{}, ErrRecordNotFound
}

// HasFailureKey implements Store.
func (s *MemoryStore) HasFailureKey(_ context.Context, accountID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.failures[accountID][key]
	return ok, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, m Mutation) (Record, error) {
	rec := m.Record.Clone()
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[rec.AccountID]
	switch {
	case !exists && m.Expected != 0, exists && cur.Version != m.Expected:
		return Record{}, ErrVersionConflict
	}
	if rec.CustomerRef != "" {
		for id, other := range s.records {
			if id != rec.AccountID && other.CustomerRef == rec.CustomerRef {
				return Record{}, fmt.Errorf("%w: customer ref bound to another account", ErrInvariantViolation)
			}
		}
	}
	if m.FailureKey != "" {
		if _, dup := s.failures[rec.AccountID][m.FailureKey]; dup {
			return Record{}, ErrDuplicateEvent
		}
		if s.failures[rec.AccountID] == nil {
			s.failures[rec.AccountID] = make(map[string]struct{})
		}
		s.failures[rec.AccountID][m.FailureKey] = struct{}{}
	}

	now := s.now().UTC()
	rec.Version = m.Expected + 1
	rec.UpdatedAt = now
	if exists {
		rec.CreatedAt = cur.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	s.records[rec.AccountID] = rec
	if len(m.Audit) > 0 {
		// best effort: the record is already written
		_ = s.MemoryStorage.Append(context.Background(), m.Audit...)
	}
	return rec.Clone(), nil
}
