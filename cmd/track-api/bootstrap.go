package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/TrackSync/config"
)

type trackAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	opts   apiRunOpts
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("некорректный конфиг, %v", err))
	}

	level := slog.LevelInfo
	if cfg.TrackSync.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		opts:   apiRunOpts{swaggerPath: os.Getenv("swaggerPath")},
	}
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *trackAPIApp) Run() error {
	return RunTrackAPI(a.ctx, a.cfg, defaultAPIFactories(), a.opts)
}
