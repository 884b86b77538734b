package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage keeps tasks in process memory. It implements
// EnqueuerRepository and WorkerRepository. Tasks do not survive a restart.
type MemoryStorage struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*Task
	dlq      []DeadLetter
	byStatus map[TaskStatus][]uuid.UUID
	backoff  Backoff

	lockTicker *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithBackoff sets the retry delay policy. Defaults to LinearBackoff(30s).
func WithBackoff(b Backoff) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if b != nil {
			ms.backoff = b
		}
	}
}

// NewMemoryStorage starts a storage whose expired locks are released every
// lockCheck. A zero lockCheck means one second.
func NewMemoryStorage(lockCheck time.Duration, opts ...MemoryStorageOption) *MemoryStorage {
	if lockCheck <= 0 {
		lockCheck = time.Second
	}
	ms := &MemoryStorage{
		tasks:      make(map[uuid.UUID]*Task),
		byStatus:   make(map[TaskStatus][]uuid.UUID),
		backoff:    LinearBackoff(30 * time.Second),
		lockTicker: time.NewTicker(lockCheck),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}
	go ms.lockExpirationManager()
	return ms
}

// Close stops the lock expiration goroutine.
func (ms *MemoryStorage) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.done)
		ms.lockTicker.Stop()
	})
	return nil
}

// CreateTask implements EnqueuerRepository.
func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	taskCopy := *task
	ms.tasks[task.ID] = &taskCopy
	ms.byStatus[task.Status] = append(ms.byStatus[task.Status], task.ID)
	return nil
}

// ClaimTask implements WorkerRepository. The highest priority due task wins;
// ties go to the earliest scheduled.
func (ms *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	var best *Task
	for _, id := range ms.byStatus[TaskStatusPending] {
		task := ms.tasks[id]
		if !slices.Contains(queues, task.Queue) || task.ScheduledAt.After(now) {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(lockDuration)
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID
	ms.setStatus(best, TaskStatusProcessing)

	taskCopy := *best
	return &taskCopy, nil
}

// CompleteTask implements WorkerRepository.
func (ms *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	ms.setStatus(task, TaskStatusCompleted)
	return nil
}

// FailTask implements WorkerRepository. A task with retries left goes back to
// pending after the backoff delay.
func (ms *MemoryStorage) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}
	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount > task.MaxRetries {
		ms.setStatus(task, TaskStatusFailed)
		return nil
	}
	task.ScheduledAt = time.Now().Add(ms.backoff(task.RetryCount))
	ms.setStatus(task, TaskStatusPending)
	return nil
}

// MoveToDLQ implements WorkerRepository.
func (ms *MemoryStorage) MoveToDLQ(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	letter := DeadLetter{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		TaskName:   task.TaskName,
		Payload:    task.Payload,
		Priority:   task.Priority,
		RetryCount: task.RetryCount,
		FailedAt:   time.Now(),
	}
	if task.Error != nil {
		letter.Error = *task.Error
	}
	ms.dlq = append(ms.dlq, letter)

	ms.removeFromStatusIndex(taskID, task.Status)
	delete(ms.tasks, taskID)
	return nil
}

// ExtendLock implements WorkerRepository.
func (ms *MemoryStorage) ExtendLock(_ context.Context, taskID uuid.UUID, duration time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}
	lockUntil := time.Now().Add(duration)
	task.LockedUntil = &lockUntil
	return nil
}

// Task returns a copy of the task with the given id.
func (ms *MemoryStorage) Task(taskID uuid.UUID) (Task, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	task, ok := ms.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Count returns the number of tasks in status.
func (ms *MemoryStorage) Count(status TaskStatus) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.byStatus[status])
}

// DeadLetters returns the tasks that exhausted their retries, oldest first.
func (ms *MemoryStorage) DeadLetters() []DeadLetter {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return slices.Clone(ms.dlq)
}

func (ms *MemoryStorage) processing(taskID uuid.UUID) (*Task, error) {
	task, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskStatusProcessing {
		return nil, fmt.Errorf("task %s is not in processing state", taskID)
	}
	return task, nil
}

func (ms *MemoryStorage) setStatus(task *Task, status TaskStatus) {
	ms.removeFromStatusIndex(task.ID, task.Status)
	task.Status = status
	ms.byStatus[status] = append(ms.byStatus[status], task.ID)
}

func (ms *MemoryStorage) removeFromStatusIndex(taskID uuid.UUID, status TaskStatus) {
	ms.byStatus[status] = slices.DeleteFunc(ms.byStatus[status], func(id uuid.UUID) bool {
		return id == taskID
	})
}

// lockExpirationManager returns tasks held by a crashed or stuck worker to
// pending once their lock runs out. The retry count is left unchanged.
func (ms *MemoryStorage) lockExpirationManager() {
	for {
		select {
		case <-ms.lockTicker.C:
			ms.expireLocks()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) expireLocks() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for _, id := range slices.Clone(ms.byStatus[TaskStatusProcessing]) {
		task := ms.tasks[id]
		if task.LockedUntil != nil && task.LockedUntil.Before(now) {
			task.LockedUntil = nil
			task.LockedBy = nil
			ms.setStatus(task, TaskStatusPending)
		}
	}
}
