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

	adminapi "github.com/BearBump/TrackSync/internal/api/admin_api"
	mw "github.com/BearBump/TrackSync/internal/api/middleware"
	"github.com/BearBump/TrackSync/internal/api/response"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func (w *worker) router(swaggerPath string) (http.Handler, error) {
	if swaggerPath != "" {
		if _, err := os.Stat(swaggerPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("worker swagger file not found: %s", swaggerPath)
		}
	}

	r := chi.NewRouter()
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := w.store.Ping(ctx); err != nil {
			response.Error(rw, http.StatusServiceUnavailable, "NOT_READY", "storage unavailable", nil)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ready"}`))
	})
	r.Method(http.MethodGet, "/metrics", w.metrics.Handler())

	r.Get("/config", func(rw http.ResponseWriter, r *http.Request) {
		// Avoid dumping secrets; show only operational worker settings.
		c := w.cfg
		response.JSON(rw, map[string]any{
			"storageDriver":          c.TrackSync.StorageDriver,
			"orderSource":            c.TrackSync.OrderSource,
			"carrierMode":            c.Carrier.Mode,
			"debug":                  c.TrackSync.Debug,
			"batchSize":              c.Processor.BatchSize,
			"maxConcurrentCalls":     c.Processor.MaxConcurrentCalls,
			"callTimeoutSeconds":     c.Processor.CallTimeoutSeconds,
			"dailyApiBudget":         c.Processor.DailyAPIBudget,
			"perMinuteLimit":         c.Processor.PerMinuteLimit,
			"courierPerMinute":       c.Processor.CourierPerMinute,
			"maxAttempts":            c.Processor.MaxAttempts,
			"maxConsecutiveFailures": c.Processor.MaxConsecutiveFailures,
			"jobRetentionDays":       c.Processor.JobRetentionDays,
			"polling":                c.Polling,
			"scheduler":              c.Scheduler,
			"health":                 c.Health,
		})
	})

	adminapi.New(adminapi.Deps{
		Scheduler:   w.manager,
		Cache:       w.cache,
		Jobs:        w.queue,
		Health:      w.monitor,
		Consistency: w.validator,
		Logs:        w.store,
		Processor:   w.proc,
	}).Routes(r)

	if swaggerPath != "" {
		// Serve swagger with no-cache + cachebuster.
		r.Get("/swagger.json", func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Cache-Control", "no-store")
			http.ServeFile(rw, r, swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}
	return r, nil
}

func runWorkerHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("worker HTTP listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runGRPCServer exposes the standard grpc.health.v1 service; the health
// monitor flips the worker's status there.
func runGRPCServer(ctx context.Context, lis net.Listener, hs *grpchealth.Server) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC health listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}
