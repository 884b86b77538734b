package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/quantdrill/billing/pkg/audit"
	"github.com/quantdrill/billing/pkg/config"
	"github.com/quantdrill/billing/pkg/email"
	"github.com/quantdrill/billing/pkg/httpserver"
	"github.com/quantdrill/billing/pkg/logger"
	"github.com/quantdrill/billing/pkg/pg"
	"github.com/quantdrill/billing/pkg/queue"
	"github.com/quantdrill/billing/pkg/redis"
	"github.com/quantdrill/billing/svc/billing"
)

type appConfig struct {
	Env     string `env:"APP_ENV" envDefault:"development"`
	Service string `env:"SERVICE_NAME" envDefault:"billingd"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var app appConfig
	config.MustLoad(&app)

	log := logger.New(
		logger.WithEnvironment(app.Env, app.Service),
		logger.WithContextValue("request_id", middleware.RequestIDKey),
	)
	logger.SetAsDefault(log)

	if err := run(ctx, log); err != nil {
		log.Error("billingd stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	var (
		billingCfg billing.Config
		pgCfg      pg.Config
		redisCfg   redis.Config
		emailCfg   email.Config
		httpCfg    httpserver.Config
		queueCfg   queue.Config
	)
	if err := errors.Join(
		config.Load(&billingCfg),
		config.Load(&pgCfg),
		config.Load(&redisCfg),
		config.Load(&emailCfg),
		config.Load(&httpCfg),
		config.Load(&queueCfg),
	); err != nil {
		return err
	}

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, billing.Migrations, billing.MigrationsDir, log); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	catalog, err := billing.NewCatalog(ctx, billing.NewYAMLSource(billingCfg.PlansFile))
	if err != nil {
		return err
	}

	processor := billing.NewStripeProcessor(billing.NewStripeClient(billingCfg.StripeSecretKey))
	gateway := billing.NewGateway(processor,
		billing.WithIdempotencyBucket(billingCfg.IdempotencyBucket),
		billing.WithProcessorTimeout(billingCfg.ProcessorTimeout),
		billing.WithGatewayLogger(log),
	)

	var sender email.EmailSender = email.NewLogSender(log)
	if emailCfg.Enabled() {
		if sender, err = email.NewPostmarkClient(emailCfg); err != nil {
			return err
		}
	}

	tasks := queue.NewMemoryStorage(queueCfg.LockTimeout/2, queue.WithBackoff(queueCfg.Backoff()))
	defer tasks.Close()
	enqueuer, err := queue.NewEnqueuer(tasks,
		queue.WithDefaultQueue(billing.NoticeQueue),
		queue.WithDefaultMaxRetries(queueCfg.MaxRetries),
	)
	if err != nil {
		return err
	}
	worker, err := queue.NewWorker(tasks,
		append(queueCfg.WorkerOptions(),
			queue.WithQueues(billing.NoticeQueue),
			queue.WithWorkerLogger(log),
		)...,
	)
	if err != nil {
		return err
	}
	worker.RegisterHandlers(billing.NoticeHandler(
		billing.NewEmailNotifier(sender, processor, emailCfg.SupportEmail),
	))
	notifier := billing.NewQueuedNotifier(enqueuer)

	store := billing.NewPGStore(pool, log)
	recorder := audit.NewRecorder(store, audit.WithRecorderLogger(log))

	var events billing.EventLog
	switch billingCfg.EventLog {
	case "postgres":
		events = billing.NewPGEventLog(pool, billingCfg.EventDedupTTL)
	default:
		events = billing.NewRedisEventLog(rdb, billingCfg.EventDedupTTL)
	}

	service := billing.NewService(gateway, catalog,
		billing.WithStore(store),
		billing.WithLocker(billing.NewRedisLocker(rdb, billingCfg.LockTTL)),
		billing.WithAuditRecorder(recorder),
		billing.WithNotifier(notifier),
		billing.WithPolicy(billingCfg.Policy()),
		billing.WithLogger(log),
	)
	dispatcher := billing.NewDispatcher(billing.NewStripeVerifier(billingCfg.StripeWebhookSecret), service, events, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/health", httpserver.HealthCheckHandler(log,
		httpserver.HealthCheck{Name: "postgres", Probe: pg.Healthcheck(pool)},
		httpserver.HealthCheck{Name: "redis", Probe: redis.Healthcheck(rdb)},
	))
	billing.NewHTTPHandler(service, dispatcher, log).Routes(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(worker.Run(gctx))
	g.Go(func() error { return httpserver.New(httpCfg, log).Run(gctx, r) })
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(runErr, recorder.Close(shutdownCtx))
}
