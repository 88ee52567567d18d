package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/TrackSync/config"
	mw "github.com/BearBump/TrackSync/internal/api/middleware"
	"github.com/BearBump/TrackSync/internal/api/response"
	trackingsapi "github.com/BearBump/TrackSync/internal/api/trackings_api"
	"github.com/BearBump/TrackSync/internal/cache"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/storage/memtracking"
	"github.com/BearBump/TrackSync/internal/storage/pgtracking"
	"github.com/go-chi/chi/v5"
	pkgerrors "github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

// viewStore is the read-only slice of the tracking database the API needs.
type viewStore interface {
	cachestore.Repository
	Ping(ctx context.Context) error
}

type apiFactories struct {
	newStorage       func(ctx context.Context, cfg *config.Config) (st viewStore, closeFn func(), err error)
	newSnapshotCache func(cfg *config.Config) cache.BytesCache
	newGuestLimiter  func(cfg *config.Config) mw.Limiter
}

func defaultAPIFactories() apiFactories {
	return apiFactories{
		newStorage: func(ctx context.Context, cfg *config.Config) (viewStore, func(), error) {
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
		newSnapshotCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(cfg.RedisAddr())
		},
		newGuestLimiter: func(cfg *config.Config) mw.Limiter {
			return rediscache.NewRateLimiter(cfg.RedisAddr())
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
	return nil, pkgerrors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

type apiRunOpts struct {
	swaggerPath string
	onListen    func(httpAddr string)
}

// trackAPI holds the read side: snapshots come from the shared cache, which
// the worker invalidates on every entry update.
type trackAPI struct {
	cfg     *config.Config
	store   viewStore
	view    *cachestore.Service
	limiter mw.Limiter
	metrics *metrics.Metrics
	closers []func()
}

func buildTrackAPI(ctx context.Context, cfg *config.Config, f apiFactories) (*trackAPI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &trackAPI{cfg: cfg, metrics: metrics.New()}

	st, closeStore, err := f.newStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.addCloser(closeStore)

	var snapshots cache.BytesCache
	if f.newSnapshotCache != nil {
		snapshots = f.newSnapshotCache(cfg)
		if c, ok := snapshots.(interface{ Close() error }); ok {
			a.addCloser(func() { _ = c.Close() })
		}
	}
	if f.newGuestLimiter != nil {
		a.limiter = f.newGuestLimiter(cfg)
		if c, ok := a.limiter.(interface{ Close() error }); ok {
			a.addCloser(func() { _ = c.Close() })
		}
	}

	// планировщик здесь не нужен: API только читает
	a.view = cachestore.New(st, nil, nil, snapshots, cachestore.Config{
		CacheTTL:        time.Duration(cfg.Processor.CacheTTLMinutes) * time.Minute,
		MaxEventHistory: cfg.Processor.MaxEventHistory,
	})
	return a, nil
}

func (a *trackAPI) addCloser(fn func()) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

func (a *trackAPI) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *trackAPI) router(swaggerPath string) (http.Handler, error) {
	if swaggerPath != "" {
		if _, err := os.Stat(swaggerPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("swagger file not found: %s", swaggerPath)
		}
	}

	r := chi.NewRouter()
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "NOT_READY", "storage unavailable", nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(mw.NewRateLimit(a.limiter, a.cfg.TrackSync.GuestRateLimitPerMinute).Limit)
		trackingsapi.New(a.view).Routes(r)
	})

	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}
	return r, nil
}

func RunTrackAPI(ctx context.Context, cfg *config.Config, f apiFactories, opts apiRunOpts) error {
	a, err := buildTrackAPI(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer a.close()

	handler, err := a.router(opts.swaggerPath)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.TrackSync.HTTPAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	httpErr := make(chan error, 1)
	go func() {
		slog.Info("track-api listening", "addr", lis.Addr().String(), "storage", cfg.TrackSync.StorageDriver)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-httpErr
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}
