package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quantdrill/billing/pkg/logger"
	"github.com/quantdrill/billing/pkg/queue"
)

type MockWorkerRepository struct {
	mock.Mock
}

func (m *MockWorkerRepository) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*queue.Task, error) {
	args := m.Called(ctx, workerID, queues, lockDuration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Task), args.Error(1)
}

func (m *MockWorkerRepository) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *MockWorkerRepository) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	return m.Called(ctx, taskID, errorMsg).Error(0)
}

func (m *MockWorkerRepository) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *MockWorkerRepository) ExtendLock(ctx context.Context, taskID uuid.UUID, duration time.Duration) error {
	return m.Called(ctx, taskID, duration).Error(0)
}

func startWorker(t *testing.T, storage *queue.MemoryStorage, handlers ...queue.Handler) *queue.Worker {
	t.Helper()
	w, err := queue.NewWorker(storage,
		queue.WithPullInterval(2*time.Millisecond),
		queue.WithMaxConcurrentTasks(2),
		queue.WithWorkerLogger(logger.Nop()),
	)
	require.NoError(t, err)
	w.RegisterHandlers(handlers...)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWorker_Lifecycle(t *testing.T) {
	t.Parallel()

	_, err := queue.NewWorker(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)

	repo := new(MockWorkerRepository)
	w, err := queue.NewWorker(repo, queue.WithPullInterval(time.Hour), queue.WithWorkerLogger(logger.Nop()))
	require.NoError(t, err)

	assert.ErrorIs(t, w.Start(context.Background()), queue.ErrNoHandlers)
	assert.ErrorIs(t, w.Stop(), queue.ErrWorkerNotStarted)

	w.RegisterHandlers(queue.NewTaskHandler(func(context.Context, receiptPayload) error { return nil }))
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), queue.ErrWorkerStarted)
	require.NoError(t, w.Stop())
	repo.AssertExpectations(t)
}

func TestWorker_ProcessesTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := queue.NewMemoryStorage(time.Hour, queue.WithBackoff(noBackoff))
	t.Cleanup(func() { _ = storage.Close() })

	var total atomic.Int64
	startWorker(t, storage, queue.NewTaskHandler(func(_ context.Context, p receiptPayload) error {
		total.Add(p.Amount)
		return nil
	}))

	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	for _, amount := range []int64{100, 200, 300} {
		require.NoError(t, enq.Enqueue(ctx, receiptPayload{AccountID: "acct_1", Amount: amount}))
	}

	assert.Eventually(t, func() bool {
		return storage.Count(queue.TaskStatusCompleted) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 600, total.Load())
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("succeeds on a later attempt", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage(time.Hour, queue.WithBackoff(noBackoff))
		t.Cleanup(func() { _ = storage.Close() })

		var attempts atomic.Int32
		startWorker(t, storage, queue.NewTaskHandler(func(context.Context, receiptPayload) error {
			if attempts.Add(1) < 3 {
				return errors.New("smtp down")
			}
			return nil
		}))

		enq, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)
		require.NoError(t, enq.Enqueue(ctx, receiptPayload{}, queue.WithMaxRetries(3)))

		assert.Eventually(t, func() bool {
			return storage.Count(queue.TaskStatusCompleted) == 1
		}, 2*time.Second, 5*time.Millisecond)
		assert.EqualValues(t, 3, attempts.Load())
		assert.Empty(t, storage.DeadLetters())
	})

	t.Run("exhausted budget", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage(time.Hour, queue.WithBackoff(noBackoff))
		t.Cleanup(func() { _ = storage.Close() })

		var attempts atomic.Int32
		startWorker(t, storage, queue.NewTaskHandler(func(context.Context, receiptPayload) error {
			attempts.Add(1)
			return errors.New("smtp down")
		}))

		enq, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)
		require.NoError(t, enq.Enqueue(ctx, receiptPayload{}, queue.WithMaxRetries(2)))

		assert.Eventually(t, func() bool {
			return len(storage.DeadLetters()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		assert.EqualValues(t, 3, attempts.Load())
		assert.Equal(t, "smtp down", storage.DeadLetters()[0].Error)
	})

	t.Run("panics count as failures", func(t *testing.T) {
		t.Parallel()
		storage := queue.NewMemoryStorage(time.Hour, queue.WithBackoff(noBackoff))
		t.Cleanup(func() { _ = storage.Close() })

		startWorker(t, storage, queue.NewTaskHandler(func(context.Context, receiptPayload) error {
			panic("nil template")
		}))

		enq, err := queue.NewEnqueuer(storage)
		require.NoError(t, err)
		require.NoError(t, enq.Enqueue(ctx, receiptPayload{}, queue.WithMaxRetries(0)))

		assert.Eventually(t, func() bool {
			return len(storage.DeadLetters()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, storage.DeadLetters()[0].Error, "nil template")
	})
}

func TestWorker_MissingHandlerGoesStraightToDLQ(t *testing.T) {
	t.Parallel()

	task := &queue.Task{ID: uuid.New(), Queue: queue.DefaultQueueName, TaskName: "unknown", MaxRetries: 5}
	repo := new(MockWorkerRepository)
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, queue.ErrNoTaskToClaim).Maybe()
	repo.On("FailTask", mock.Anything, task.ID, mock.MatchedBy(func(msg string) bool {
		return msg == "no handler registered for task type: unknown"
	})).Return(nil).Once()
	moved := make(chan struct{})
	repo.On("MoveToDLQ", mock.Anything, task.ID).Return(nil).Once().Run(func(mock.Arguments) { close(moved) })

	w, err := queue.NewWorker(repo, queue.WithPullInterval(2*time.Millisecond), queue.WithWorkerLogger(logger.Nop()))
	require.NoError(t, err)
	w.RegisterHandlers(queue.NewTaskHandler(func(context.Context, receiptPayload) error { return nil }))
	require.NoError(t, w.Start(context.Background()))

	select {
	case <-moved:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not dead-lettered")
	}
	require.NoError(t, w.Stop())
	repo.AssertExpectations(t)
}
