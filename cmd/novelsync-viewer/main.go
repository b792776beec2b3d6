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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/novelsync/internal/config"
	"github.com/agentworkforce/novelsync/internal/events"
	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/syncagent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "novelsync-viewer: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logOut io.Writer) error {
	fs := pflag.NewFlagSet("novelsync-viewer", pflag.ContinueOnError)
	config.RegisterViewerFlags(fs)
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
	backend, err := syncagent.BuildStateBackendFromDSN(cfg.Viewer.StateDSN)
	if err != nil {
		return errors.Wrap(err, "state backend")
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	registry := prometheus.NewRegistry()
	agent, err := newAgent(cfg.Viewer, backend, logger, metrics.New(registry))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := agent.Run(ctx)
		if errors.Is(err, syncagent.ErrGaveUp) {
			logger.WithField("novels", agent.View().Len()).Error("server unreachable, giving up")
		}
		return err
	})
	if addr := cfg.Viewer.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func newAgent(cfg config.ViewerConfig, backend syncagent.StateBackend, logger logrus.FieldLogger, m *metrics.Metrics) (*syncagent.Agent, error) {
	log := logger.WithField("server", cfg.BaseURL)
	return syncagent.New(syncagent.Options{
		BaseURL:         cfg.BaseURL,
		Backend:         backend,
		Logger:          logger,
		Metrics:         m,
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       cfg.BaseDelay,
		MaxDelay:        cfg.MaxDelay,
		ServerDownDelay: cfg.ServerDownDelay,
		OnStateChange: func(s syncagent.State) {
			log.WithField("state", s.String()).Debug("connection state changed")
		},
		OnEvent: func(ev events.Event) {
			entry := log.WithField("event", ev.Type())
			if key, ok := events.Key(ev); ok {
				entry = entry.WithFields(logrus.Fields{"username": key.Username, "title": key.Title})
			}
			entry.Info("catalogue updated")
		},
	})
}
