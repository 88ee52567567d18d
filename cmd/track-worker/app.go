package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/broker/kafka"
	"github.com/BearBump/TrackSync/internal/cache"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/TrackSync/internal/integrations/carrier/fake"
	"github.com/BearBump/TrackSync/internal/integrations/carrier/track24http"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/services/consistency"
	"github.com/BearBump/TrackSync/internal/services/health"
	"github.com/BearBump/TrackSync/internal/services/jobqueue"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/BearBump/TrackSync/internal/services/processor"
	"github.com/BearBump/TrackSync/internal/services/scheduler"
	"github.com/BearBump/TrackSync/internal/storage/memtracking"
	"github.com/BearBump/TrackSync/internal/storage/mysqlorders"
	"github.com/BearBump/TrackSync/internal/storage/pgtracking"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	grpchealth "google.golang.org/grpc/health"
)

const healthServiceName = "tracksync.worker"

// trackingStore is everything the worker keeps in its primary database.
// Both pgtracking.Storage and memtracking.Storage satisfy it.
type trackingStore interface {
	cachestore.Repository
	cachestore.OrderSource
	jobqueue.Repository
	processor.AuditLog
	health.LogStats
	ListUpdateLogs(ctx context.Context, cacheID int64, limit int) ([]*models.UpdateLog, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	processor.Producer
	Close() error
}

type registrationConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
	Close() error
}

type workerFactories struct {
	newStorage       func(ctx context.Context, cfg *config.Config) (st trackingStore, closeFn func(), err error)
	newOrderSource   func(ctx context.Context, cfg *config.Config, st trackingStore) (src cachestore.OrderSource, closeFn func(), err error)
	newSnapshotCache func(cfg *config.Config) cache.BytesCache
	newRateLimiter   func(cfg *config.Config) processor.RateLimiter
	newProducer      func(cfg *config.Config) publisher
	newConsumer      func(cfg *config.Config) registrationConsumer
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(ctx context.Context, cfg *config.Config) (trackingStore, func(), error) {
			if cfg.TrackSync.StorageDriver == config.StorageMemory {
				st := memtracking.New()
				return st, st.Close, nil
			}
			st, err := openPostgresWithRetry(ctx, cfg, 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newOrderSource: func(ctx context.Context, cfg *config.Config, st trackingStore) (cachestore.OrderSource, func(), error) {
			if cfg.TrackSync.OrderSource != config.OrdersMySQL {
				return st, nil, nil
			}
			src, err := mysqlorders.New(ctx, cfg.MySQL.DSN, cfg.MySQL.Table)
			if err != nil {
				return nil, nil, err
			}
			return src, func() { _ = src.Close() }, nil
		},
		newSnapshotCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(cfg.RedisAddr())
		},
		newRateLimiter: func(cfg *config.Config) processor.RateLimiter {
			return rediscache.NewRateLimiter(cfg.RedisAddr())
		},
		newProducer: func(cfg *config.Config) publisher {
			if cfg.Kafka.Disabled {
				return nil
			}
			return kafka.NewProducer(cfg.KafkaBrokers()).WithRetries(3, 200*time.Millisecond)
		},
		newConsumer: func(cfg *config.Config) registrationConsumer {
			if cfg.Kafka.Disabled {
				return nil
			}
			return kafka.NewConsumer(cfg.KafkaBrokers(), cfg.Kafka.ShipmentRegisteredTopicName, cfg.Kafka.ConsumerGroup)
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			switch cfg.Carrier.Mode {
			case config.CarrierV1:
				return emulatorv1.New(cfg.Carrier.BaseURL, cfg.Carrier.APIKey)
			case config.CarrierTrack24:
				return track24http.New(cfg.Carrier.BaseURL, cfg.Carrier.APIKey, cfg.Carrier.Domain)
			default:
				return fake.New()
			}
		},
	}
}

func openPostgresWithRetry(ctx context.Context, cfg *config.Config, wait time.Duration) (*pgtracking.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgtracking.New(ctx, cfg.PostgresDSN(), pgtracking.Options{MaxConns: cfg.Database.MaxConns})
		if err == nil {
			return st, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

// worker is the fully wired pipeline of one track-worker process.
type worker struct {
	cfg *config.Config

	store     trackingStore
	cache     *cachestore.Service
	queue     *jobqueue.Queue
	proc      *processor.Processor
	validator *consistency.Validator
	monitor   *health.Monitor
	manager   *scheduler.Manager
	metrics   *metrics.Metrics
	healthSrv *grpchealth.Server

	producer publisher
	consumer registrationConsumer
	closers  []func()
}

func buildWorker(ctx context.Context, cfg *config.Config, f workerFactories) (*worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &worker{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			w.close()
		}
	}()

	st, closeStore, err := f.newStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w.store = st
	w.addCloser(closeStore)

	orders, closeOrders, err := f.newOrderSource(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	w.addCloser(closeOrders)

	pcfg, err := plannerConfig(cfg)
	if err != nil {
		return nil, err
	}
	pl, err := planner.New(pcfg)
	if err != nil {
		return nil, err
	}

	var snapshots cache.BytesCache
	if f.newSnapshotCache != nil {
		snapshots = f.newSnapshotCache(cfg)
		if c, ok := snapshots.(interface{ Close() error }); ok {
			w.addCloser(func() { _ = c.Close() })
		}
	}

	w.metrics = metrics.New()
	w.cache = cachestore.New(st, orders, pl, snapshots, cacheConfig(cfg))
	w.queue = jobqueue.New(st, pl, queueConfig(cfg))

	w.proc = processor.New(w.queue, w.cache, st, f.newCarrierClient(cfg), processorConfig(cfg)).
		WithMetrics(w.metrics).
		WithCleaner(func(ctx context.Context) error {
			_, err := w.queue.PurgeCompleted(ctx, 0)
			return err
		})
	if f.newProducer != nil {
		if p := f.newProducer(cfg); p != nil {
			w.producer = p
			w.proc.WithProducer(p)
			w.addCloser(func() { _ = p.Close() })
		}
	}
	if f.newRateLimiter != nil {
		if rl := f.newRateLimiter(cfg); rl != nil {
			w.proc.WithBudget(processor.NewBudget(rl, budgetConfig(cfg, pcfg.Location)))
		}
	}
	if f.newConsumer != nil {
		if c := f.newConsumer(cfg); c != nil {
			w.consumer = c
			w.addCloser(func() { _ = c.Close() })
		}
	}

	w.validator = consistency.New(w.cache, orders, pl)
	w.healthSrv = grpchealth.NewServer()
	w.monitor = health.New(w.queue, w.cache, st, healthThresholds(cfg)).
		WithMetrics(w.metrics).
		WithStatusSink(w.healthSrv, healthServiceName)

	w.manager = scheduler.New(scheduler.Deps{
		Drainer:     w.proc,
		Due:         w.cache,
		Orders:      w.cache,
		Queue:       w.queue,
		Maintenance: w.queue,
		CacheStats:  w.cache,
		JobStats:    w.queue,
		Validator:   w.validator,
		Health:      w.monitor,
		Stats:       w.proc,
		Metrics:     w.metrics,
	}, schedulerConfig(cfg))

	ok = true
	return w, nil
}

func (w *worker) addCloser(fn func()) {
	if fn != nil {
		w.closers = append(w.closers, fn)
	}
}

// close releases resources in reverse order of acquisition.
func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}

type workerRunOpts struct {
	swaggerPath string
	onListen    func(httpAddr, grpcAddr string)
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerRunOpts) error {
	w, err := buildWorker(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer w.close()

	handler, err := w.router(opts.swaggerPath)
	if err != nil {
		return err
	}

	httpLis, err := net.Listen("tcp", cfg.TrackSync.WorkerHTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.TrackSync.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}
	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String(), grpcLis.Addr().String())
	}

	if _, err := w.monitor.Check(ctx); err != nil {
		slog.Warn("initial health check failed", "error", err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runWorkerHTTPServer(gctx, httpLis, handler) })
	g.Go(func() error { return runGRPCServer(gctx, grpcLis, w.healthSrv) })
	if w.consumer != nil {
		g.Go(func() error {
			runRegistrationConsumer(gctx, w.consumer, kafka.RegistrationHandler(w.cache), 5*time.Second)
			return nil
		})
	}

	w.manager.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		w.healthSrv.Shutdown()
		w.manager.Stop()
		return nil
	})

	slog.Info("track-worker started",
		"http_addr", httpLis.Addr().String(),
		"grpc_addr", grpcLis.Addr().String(),
		"storage", cfg.TrackSync.StorageDriver,
		"orders", cfg.TrackSync.OrderSource,
		"carrier", cfg.Carrier.Mode,
		"kafka", !cfg.Kafka.Disabled,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runRegistrationConsumer restarts the consumer after handler or broker
// errors until ctx is done.
func runRegistrationConsumer(ctx context.Context, c registrationConsumer, h kafka.Handler, backoff time.Duration) {
	slog.Info("kafka consumer started", "topic", "shipment.registered")
	for {
		err := c.Consume(ctx, h)
		if ctx.Err() != nil {
			return
		}
		slog.Error("kafka consumer stopped, restarting", "error", errString(err), "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
