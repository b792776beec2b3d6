package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/novelsync/internal/config"
	"github.com/agentworkforce/novelsync/internal/httpapi"
	"github.com/agentworkforce/novelsync/internal/hub"
	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/storage"
	"github.com/agentworkforce/novelsync/internal/watcher"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "novelsync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logOut io.Writer) error {
	fs := pflag.NewFlagSet("novelsync", pflag.ContinueOnError)
	config.RegisterServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(logOut)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

// app is the publishing server: storage on disk, a watcher feeding the hub,
// and the HTTP surface in front of both.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	store    *storage.Store
	hub      *hub.Hub
	watcher  *watcher.Watcher
	handler  http.Handler
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := storage.New(storage.Options{
		Root:             cfg.Storage.DataDir,
		Logger:           logger,
		DisableFileLocks: !cfg.Storage.FileLocks,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	h, err := hub.New(hub.Options{
		Store:          store,
		Logger:         logger,
		Metrics:        m,
		QueueSize:      cfg.Hub.QueueSize,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		OriginPatterns: cfg.Hub.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	w, err := watcher.New(watcher.Options{
		Root:           store.UsersDir(),
		Store:          store,
		Publisher:      h,
		Logger:         logger,
		Metrics:        m,
		SettleDelay:    cfg.Watcher.SettleDelay,
		CoalesceWindow: cfg.Watcher.CoalesceWindow,
		MaxDepth:       cfg.Watcher.MaxDepth,
	})
	if err != nil {
		return nil, err
	}
	handler, err := httpapi.NewServer(httpapi.Options{
		Store:    store,
		Events:   h,
		FullSync: func(ctx context.Context) error { return h.FullSync(ctx, nil) },
		Config: httpapi.ServerConfig{
			RateLimitMax:    cfg.Server.RateLimitMax,
			RateLimitWindow: cfg.Server.RateLimitWindow,
		},
		Logger:   logger,
		Metrics:  m,
		Gatherer: registry,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    store,
		hub:      h,
		watcher:  w,
		handler:  handler,
	}, nil
}

// serve runs the watcher and the HTTP server until ctx is done or either
// fails, then shuts both down.
func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.watcher.Run(ctx)
	})
	g.Go(func() error {
		a.logger.WithFields(logrus.Fields{
			"addr":    srv.Addr,
			"dataDir": a.cfg.Storage.DataDir,
		}).Info("novelsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		// Websocket connections are hijacked and not tracked by Shutdown.
		_ = a.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
