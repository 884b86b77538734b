package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantdrill/billing/pkg/logger"
)

// RecorderOptions configures batching for the Recorder.
type RecorderOptions struct {
	BufferSize     int           // entries queued before new ones are dropped
	BatchSize      int           // entries per Append call
	BatchTimeout   time.Duration // max wait for a partial batch
	StorageTimeout time.Duration // per-batch Append timeout
}

// Recorder writes entries asynchronously and never fails the caller.
type Recorder struct {
	storage Storage
	log     *slog.Logger
	opts    RecorderOptions

	queue chan Entry
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger used for dropped entries.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRecorderOptions overrides buffer and batching settings.
func WithRecorderOptions(o RecorderOptions) RecorderOption {
	return func(r *Recorder) { r.opts = o }
}

// NewRecorder starts a background writer over storage.
func NewRecorder(storage Storage, opts ...RecorderOption) *Recorder {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}
	r := &Recorder{storage: storage, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.opts.BufferSize <= 0 {
		r.opts.BufferSize = 1000
	}
	if r.opts.BatchSize <= 0 {
		r.opts.BatchSize = 100
	}
	if r.opts.BatchTimeout <= 0 {
		r.opts.BatchTimeout = 100 * time.Millisecond
	}
	if r.opts.StorageTimeout <= 0 {
		r.opts.StorageTimeout = 5 * time.Second
	}
	r.log = r.log.With(logger.Component("audit"))
	r.queue = make(chan Entry, r.opts.BufferSize)
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues an entry. Invalid entries, a full buffer, or a closed
// recorder result in the entry being dropped and logged.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := e.Validate(); err != nil {
		r.log.WarnContext(ctx, "audit entry dropped", logger.Error(err), logger.EventType(e.EventType))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.WarnContext(ctx, "audit entry dropped: recorder closed",
			logger.AccountID(e.AccountID), logger.EventType(e.EventType))
		return
	}

	select {
	case r.queue <- e:
	default:
		r.log.WarnContext(ctx, "audit entry dropped: buffer full",
			logger.AccountID(e.AccountID), logger.EventType(e.EventType))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Entry, 0, r.opts.BatchSize)
	ticker := time.NewTicker(r.opts.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.StorageTimeout)
		defer cancel()
		if err := r.storage.Append(ctx, batch...); err != nil {
			r.log.Error("audit batch write failed", logger.Error(err), slog.Int("entries", len(batch)))
		}
		clear(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			for {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
					if len(batch) >= r.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops accepting entries and flushes what is queued. The context bounds
// how long Close waits for the flush.
func (r *Recorder) Close(ctx context.Context) error {
	err := ErrRecorderClosed
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		err = nil
	})
	if err != nil {
		return err
	}

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
