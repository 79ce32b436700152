package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/BearBump/DeliverySync/config"
	"github.com/BearBump/DeliverySync/internal/broker/kafka"
	"github.com/BearBump/DeliverySync/internal/cache/rediscache"
	"github.com/BearBump/DeliverySync/internal/deliverystatus"
	"github.com/BearBump/DeliverySync/internal/integrations/courier"
	"github.com/BearBump/DeliverySync/internal/integrations/courier/courierhttp"
	"github.com/BearBump/DeliverySync/internal/integrations/courier/fake"
	"github.com/BearBump/DeliverySync/internal/jobs"
	"github.com/BearBump/DeliverySync/internal/services/reconciler"
	"github.com/BearBump/DeliverySync/internal/services/settlement"
	"github.com/BearBump/DeliverySync/internal/services/syncer"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
	"golang.org/x/sync/errgroup"
)

type workerStorage interface {
	syncer.Repository
	reconciler.Repository
	settlement.Repository
	Ping(ctx context.Context) error
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (repo workerStorage, closeFn func(), err error)
	newProducer      func(cfg *config.Config) syncer.Producer
	newRateLimiter   func(cfg *config.Config) reconciler.RateLimiter
	newCourierClient func(cfg *config.Config) courier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			st, err := pgorders.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) syncer.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) reconciler.RateLimiter {
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newCourierClient: func(cfg *config.Config) courier.Client {
			// Без base_url работаем с локальным fake, удобно для демо.
			if cfg.Courier.Mode == "http" && cfg.Courier.BaseURL != "" {
				timeout := time.Duration(cfg.Courier.TimeoutSeconds) * time.Second
				return courierhttp.New(cfg.Courier.BaseURL, cfg.Courier.APIKey, timeout, slog.Default())
			}
			return fake.New()
		},
	}
}

func syncSettings(cfg *config.Config) syncer.Config {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	day := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
	// Нули заменяются значениями по умолчанию внутри syncer.
	return syncer.Config{
		Debounce:               sec(cfg.Sync.DebounceSeconds),
		ForceRefreshWindow:     day(cfg.Sync.ForceRefreshDays),
		BootstrapWindow:        day(cfg.Sync.BootstrapDays),
		PageSize:               cfg.Sync.InvoicePageSize,
		FullConcurrency:        cfg.Sync.FullConcurrency,
		IncrementalConcurrency: cfg.Sync.IncrementalConcurrency,
		AccountTimeout:         sec(cfg.Sync.AccountTimeoutSeconds),
	}
}

type worker struct {
	syncer  *syncer.Syncer
	jobs    *jobs.JobManager
	ready   func(ctx context.Context) error
	closers []func()
}

func (w *worker) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func buildWorker(cfg *config.Config, f workerFactories, log *slog.Logger) (*worker, error) {
	statusTopic := cfg.Kafka.OrderStatusChangedTopic
	if statusTopic == "" {
		statusTopic = "order.status_changed"
	}
	syncTopic := cfg.Kafka.SyncCompletedTopic
	if syncTopic == "" {
		syncTopic = "sync.completed"
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, err
	}
	w := &worker{ready: repo.Ping}
	if closeFn != nil {
		w.closers = append(w.closers, closeFn)
	}

	producer := f.newProducer(cfg)
	if c, ok := producer.(io.Closer); ok {
		w.closers = append(w.closers, func() { _ = c.Close() })
	}
	rl := f.newRateLimiter(cfg)
	if c, ok := rl.(io.Closer); ok {
		w.closers = append(w.closers, func() { _ = c.Close() })
	}
	courierClient := f.newCourierClient(cfg)

	resolver := deliverystatus.NewResolver(deliverystatus.MustDefault(log))

	rec := reconciler.New(repo, courierClient, resolver, producer, rl, statusTopic, log).
		WithSettings(cfg.Sync.OrdersPerCycle, int64(cfg.Courier.RateLimitPerMinute))

	w.syncer = syncer.New(repo, courierClient, rec, producer, syncTopic, log).
		WithConfig(syncSettings(cfg))

	settler := settlement.New(repo, cfg.Settlement.EmployeeSharePercent, log)

	w.jobs = jobs.NewJobManager(
		jobs.NewSmartSyncJob(w.syncer, cfg.Sync.Cron, log),
		jobs.NewSettlementRetryJob(settler, cfg.Settlement.RetryCron, cfg.Settlement.RetryBatchSize, log),
	)
	return w, nil
}

// RunSyncWorker runs the scheduled jobs, the trigger loop and the ops HTTP server
// until ctx is done.
func RunSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	log := slog.Default().With("app", "sync-worker")

	w, err := buildWorker(cfg, f, log)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.jobs.StartAll(); err != nil {
		return err
	}
	defer w.jobs.StopAll()

	httpOpts.syncer = w.syncer
	httpOpts.cfg = cfg
	httpOpts.ready = w.ready

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.syncer.Run(gctx) })
	if httpOpts.httpAddr != "" || httpOpts.swaggerPath != "" {
		g.Go(func() error { return runWorkerHTTPServer(gctx, httpOpts) })
	}
	return g.Wait()
}
