// Package queue runs background tasks with retries and a dead letter queue.
//
// The package has two sides that meet only through small repository
// interfaces:
//
//   - Enqueuer serializes a payload to JSON and stores it as a pending Task
//   - Worker claims due tasks, decodes them and calls the matching Handler
//
// MemoryStorage implements both repositories in process memory. Any other
// store works once it implements EnqueuerRepository and WorkerRepository.
//
// # Retries
//
// A failed attempt increments Task.RetryCount and the storage reschedules the
// task after its Backoff delay. After MaxRetries+1 failed attempts the task is
// moved to the dead letter queue. Tasks with no registered handler go there
// at once. A claimed task whose worker dies is released when its lock
// expires and is claimed again without spending a retry.
//
// # Usage
//
//	type ReceiptPayload struct {
//		AccountID string `json:"account_id"`
//	}
//
//	storage := queue.NewMemoryStorage(time.Second,
//		queue.WithBackoff(queue.ExponentialBackoff(30*time.Second, 30*time.Minute)),
//	)
//	defer storage.Close()
//
//	enq, _ := queue.NewEnqueuer(storage, queue.WithDefaultQueue("receipts"))
//	worker, _ := queue.NewWorker(storage, queue.WithQueues("receipts"))
//	worker.RegisterHandlers(queue.NewTaskHandler(
//		func(ctx context.Context, p ReceiptPayload) error {
//			return sendReceipt(ctx, p.AccountID)
//		},
//	))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(worker.Run(ctx))
//
//	_ = enq.Enqueue(ctx, ReceiptPayload{AccountID: "acct_42"},
//		queue.WithPriority(queue.PriorityHigh),
//	)
//
// The task name defaults to the payload's qualified type name, which is also
// the name NewTaskHandler registers, so both sides agree without setup.
//
// # Error Handling
//
// Sentinel errors such as ErrInvalidPriority and ErrNoHandlers can be checked
// with errors.Is.
package queue
