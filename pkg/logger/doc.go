// Package logger builds *slog.Logger instances for the billing service.
//
// The package is a thin layer over log/slog. It adds functional options for
// handler setup, a handler decorator that copies request-scoped values from
// context into every record, and attribute helpers that keep key names
// consistent across packages.
//
// # Architecture
//
//	New(opts...) ──► slog.JSONHandler or slog.TextHandler
//	                     │
//	                     └─ LogHandlerDecorator ──► extractors(ctx) ──► attrs
//
// LogHandlerDecorator runs its ContextExtractors on every Handle call, so any
// value placed in the context (a request id, a webhook event id) shows up in
// records logged with the *Context methods without passing it around.
//
// # Usage
//
//	log := logger.New(
//		logger.WithEnvironment(os.Getenv("APP_ENV"), "billingd"),
//		logger.WithContextValue("request_id", middleware.RequestIDKey),
//	)
//	logger.SetAsDefault(log)
//
// WithEnvironment picks defaults by environment: text output at debug level
// for development, JSON at info level for staging and production. It also
// tags records with service and env. Explicit options applied after it win:
//
//	log := logger.New(
//		logger.WithEnvironment("production", "billingd"),
//		logger.WithLevel(slog.LevelDebug),
//	)
//
// Custom extractors cover values that need formatting:
//
//	logger.WithContextExtractors(func(ctx context.Context) (slog.Attr, bool) {
//		id, ok := ctx.Value(eventIDKey{}).(string)
//		return logger.EventID(id), ok
//	})
//
// # Attributes
//
// The helpers in attr.go fix key names for the billing domain:
//
//	log.InfoContext(ctx, "subscription transitioned",
//		logger.AccountID(rec.AccountID),
//		logger.SubscriptionRef(rec.SubscriptionRef),
//		logger.Status(string(rec.Status)),
//	)
//	log.ErrorContext(ctx, "processor call failed",
//		logger.Operation("cancel_at_period_end"),
//		logger.Attempt(2),
//		logger.Error(err),
//	)
//
// Component scopes a child logger to a package, for example
// log.With(logger.Component("billing.gateway")).
//
// # Testing
//
// Nop returns a logger that discards everything. WithOutput points a logger
// at a buffer when a test asserts on log content.
package logger
