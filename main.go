package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tabmodel/config"
	"tabmodel/db"
	thttp "tabmodel/http"
	"tabmodel/logger"
	"tabmodel/model"
	"tabmodel/monitoring"
)

type args struct {
	Config string `arg:"-c,help:path to the YAML configuration file"`
	Port   int    `arg:"-p,help:override the HTTP port from the configuration"`
}

func (args) Description() string {
	return "Serve predictions from trained tabular model artifacts over HTTP."
}

type app struct {
	log     *zap.Logger
	cache   *model.Cache
	store   *db.Store
	hub     *monitoring.Hub
	flusher *monitoring.Flusher
	server  *thttp.Server
}

func main() {
	a := args{Config: "config.yaml"}
	arg.MustParse(&a)

	// 1. Load config
	cfg, err := config.Load(a.Config)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if a.Port != 0 {
		cfg.HTTP.Port = a.Port
	}

	// 2. Logger
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	srv, err := setup(cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}

	// 3. Start HTTP server
	errc := make(chan error, 1)
	go func() { errc <- srv.server.Start() }()

	// 4. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zl.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		if err != nil {
			zl.Error("http server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.shutdown(ctx); err != nil {
		zl.Error("shutdown", zap.Error(err))
	}
	zl.Info("exiting")
}

// setup wires the model cache, the prediction store, the monitoring
// pipeline and the HTTP server from cfg.
func setup(cfg config.Config, zl *zap.Logger) (*app, error) {
	a := &app{log: zl}

	cache, err := model.NewCache(cfg.Cache.Size, model.WithLogger(zl), model.WithWatch(cfg.Cache.Watch))
	if err != nil {
		return nil, err
	}
	a.cache = cache
	registry := thttp.NewRegistry(cache)
	for _, mc := range cfg.Models {
		id, err := registry.Register(mc.ID, mc.Path)
		if err != nil {
			return nil, multierr.Append(err, cache.Close())
		}
		zl.Info("model loaded", zap.String("model_id", id), zap.String("path", mc.Path))
	}

	store, err := db.Open(cfg.Database.Path, zl)
	if err != nil {
		return nil, multierr.Append(err, cache.Close())
	}
	a.store = store
	zl.Info("database initialized", zap.String("path", cfg.Database.Path))

	a.hub = monitoring.NewHub(zl)
	go a.hub.Start()

	if cfg.Monitoring.Enabled() {
		client := monitoring.NewClient(monitoring.ClientConfig{
			URL:        cfg.Monitoring.URL,
			Timeout:    cfg.Monitoring.Timeout,
			MaxRetries: cfg.Monitoring.MaxRetries,
		}, zl)
		a.flusher = monitoring.NewFlusher(store, client, cfg.Monitoring.BatchSize, zl)
		if err := a.flusher.Start(cfg.Monitoring.FlushSchedule); err != nil {
			a.hub.Stop()
			return nil, multierr.Combine(err, store.Close(), cache.Close())
		}
		zl.Info("monitoring enabled", zap.String("url", cfg.Monitoring.URL), zap.String("schedule", cfg.Monitoring.FlushSchedule))
	}

	a.server = thttp.NewServer(thttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, thttp.Deps{
		Models:        registry,
		Store:         store,
		ForwardEvents: cfg.Monitoring.Enabled(),
		Stats:         monitoring.NewStatsCollector(),
		Hub:           a.hub,
		Log:           zl,
	})
	return a, nil
}

// shutdown stops accepting requests before flushing pending events, then
// releases the store and the cache.
func (a *app) shutdown(ctx context.Context) error {
	err := a.server.Stop(ctx)
	if a.flusher != nil {
		err = multierr.Append(err, a.flusher.Stop(ctx))
	}
	a.hub.Stop()
	return multierr.Combine(err, a.store.Close(), a.cache.Close())
}
