package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/puzzle-sync/internal/config"
	"github.com/DoyleJ11/puzzle-sync/internal/httpapi"
	"github.com/DoyleJ11/puzzle-sync/internal/hub"
	"github.com/DoyleJ11/puzzle-sync/internal/lobby"
	"github.com/DoyleJ11/puzzle-sync/internal/logging"
	"github.com/DoyleJ11/puzzle-sync/internal/metrics"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	purgeInterval   = time.Hour
)

type serverOptions struct {
	envFile string
	port    string
	backend string
	logDev  bool
}

// purger is implemented by stores whose expired rows are not dropped by the backend.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the puzzle session coordinator",
		Long: `Serve the REST bootstrap API and the websocket push channel for shared
jigsaw sessions.

Settings come from the environment (and an optional .env file); flags override them.

Example:
  server --port 9000 --storage redis`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = opts.port
			}
			if cmd.Flags().Changed("storage") {
				cfg.StorageBackend = opts.backend
			}
			if cmd.Flags().Changed("dev") {
				cfg.LogDev = opts.logDev
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load if present")
	cmd.Flags().StringVar(&opts.port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().StringVar(&opts.backend, "storage", "", "session store: memory, redis or postgres (overrides STORAGE_BACKEND)")
	cmd.Flags().BoolVar(&opts.logDev, "dev", false, "human-readable logs (overrides LOG_DEV)")
	return cmd
}

func run(ctx context.Context, cfg config.Config) (err error) {
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() {
		// Sync errors are only reported alongside a failure.
		if syncErr := log.Sync(); err != nil {
			err = multierr.Append(err, syncErr)
		}
	}()

	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	h := hub.NewHub(context.Background(), lobby.Config{
		Rules:           puzzle.Rules{SnapThreshold: cfg.SnapThreshold},
		Store:           store,
		Log:             log,
		Metrics:         m,
		PersistInterval: cfg.PersistInterval,
	})

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.SetupRoutes(h, httpapi.Options{
			Log:            log,
			AllowedOrigins: cfg.AllowedOrigins,
			Gatherer:       reg,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if p, ok := store.(purger); ok {
		g.Go(func() error {
			purgeLoop(gctx, p, log)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// stop accepting first so no new lobby starts while the hub flushes
		return multierr.Combine(srv.Shutdown(sctx), h.Shutdown(sctx))
	})
	return g.Wait()
}

func purgeLoop(ctx context.Context, p purger, log *zap.Logger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				log.Warn("purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged expired sessions", zap.Int64("rows", n))
			}
		}
	}
}
