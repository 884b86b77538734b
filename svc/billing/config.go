package billing

import "time"

// Config holds the billing settings read from the environment.
type Config struct {
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	PlansFile           string `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`

	IdempotencyBucket time.Duration `env:"BILLING_IDEMPOTENCY_BUCKET" envDefault:"10m"`
	ProcessorTimeout  time.Duration `env:"BILLING_PROCESSOR_TIMEOUT" envDefault:"10s"`

	NotifyAfterFailures    int `env:"BILLING_NOTIFY_AFTER_FAILURES" envDefault:"2"`
	DowngradeAfterFailures int `env:"BILLING_DOWNGRADE_AFTER_FAILURES" envDefault:"3"`

	// EventLog selects where processed webhook ids are kept: redis or postgres.
	EventLog      string        `env:"BILLING_EVENT_LOG" envDefault:"redis"`
	EventDedupTTL time.Duration `env:"BILLING_EVENT_DEDUP_TTL" envDefault:"72h"`
	LockTTL       time.Duration `env:"BILLING_LOCK_TTL" envDefault:"30s"`
}

// Policy returns the recovery ladder configured by c.
func (c Config) Policy() Policy {
	return Policy{NotifyAt: c.NotifyAfterFailures, DowngradeAt: c.DowngradeAfterFailures}
}
