package audit

import "context"

// Reader queries audit entries.
type Reader struct {
	storage Storage
}

// NewReader returns a Reader over storage.
func NewReader(storage Storage) *Reader {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}
	return &Reader{storage: storage}
}

// Find returns entries matching the criteria, oldest first. With a limit, the
// most recent entries are kept.
func (r *Reader) Find(ctx context.Context, criteria Criteria) ([]Entry, error) {
	return r.storage.Query(ctx, criteria)
}

// Count returns the number of matching entries.
func (r *Reader) Count(ctx context.Context, criteria Criteria) (int, error) {
	criteria.Limit = 0
	entries, err := r.storage.Query(ctx, criteria)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
