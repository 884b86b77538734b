package queue

import "time"

// Config holds the worker settings read from the environment.
type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"1m"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"4"`
	MaxRetries         int8          `env:"QUEUE_MAX_RETRIES" envDefault:"5"`
	RetryBase          time.Duration `env:"QUEUE_RETRY_BASE" envDefault:"30s"`
	RetryMax           time.Duration `env:"QUEUE_RETRY_MAX" envDefault:"30m"`
}

// Backoff returns the exponential retry policy configured by c.
func (c Config) Backoff() Backoff {
	return ExponentialBackoff(c.RetryBase, c.RetryMax)
}

// WorkerOptions converts c into worker options.
func (c Config) WorkerOptions() []WorkerOption {
	return []WorkerOption{
		WithPullInterval(c.PollInterval),
		WithLockTimeout(c.LockTimeout),
		WithMaxConcurrentTasks(c.MaxConcurrentTasks),
	}
}
