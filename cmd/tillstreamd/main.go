// Command tillstreamd runs one delivery-engine instance: the terminal
// WebSocket endpoint, the publish ingress, and the cross-instance bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tillstream/tillstream/pkg/auth"
	"github.com/tillstream/tillstream/pkg/config"
	"github.com/tillstream/tillstream/pkg/health"
	"github.com/tillstream/tillstream/pkg/observability/logger"
	"github.com/tillstream/tillstream/pkg/observability/metrics"
	"github.com/tillstream/tillstream/pkg/realtime/bridge"
	"github.com/tillstream/tillstream/pkg/realtime/publisher"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/replay"
	"github.com/tillstream/tillstream/pkg/realtime/retry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
	"github.com/tillstream/tillstream/pkg/realtime/transport"
	"github.com/tillstream/tillstream/pkg/realtime/wire"
	"github.com/tillstream/tillstream/pkg/version"
)

const envPrefix = "TILLSTREAM"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "tillstreamd",
		Short:         "Real-time event delivery daemon for POS terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the delivery engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}

func runServe(configFile string) error {
	cfg, err := config.NewViperLoader(configFile, envPrefix).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zlog.Sync()
	log := zlog.With(
		"service", cfg.Service.Name,
		"instance_id", cfg.Service.InstanceID,
	)
	log.Info("starting tillstreamd",
		"version", version.String(),
		"environment", cfg.Service.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	br, err := bridge.New(cfg.Bridge, cfg.Service.InstanceID, log)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	if br != nil {
		defer br.Close()
	}

	validator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	mets := metrics.NewRegistry()
	reg := registry.NewRegistry(log, cfg.Realtime.MaxConnections)
	sched := retry.NewScheduler(retry.Config{
		AckTimeout: cfg.Realtime.AckTimeout,
		Jitter:     cfg.Realtime.RetryJitter,
	}, st, reg, log).WithMetrics(mets)
	defer sched.Close()

	trimmer := store.NewTrimmer(st, log, cfg.Realtime.TrimInterval, cfg.Realtime.RetentionWindow)
	go trimmer.Run(ctx)

	pub := publisher.New(publisher.Config{
		InstanceID:         cfg.Service.InstanceID,
		RetentionWindow:    cfg.Realtime.RetentionWindow,
		MaxRetriesCritical: cfg.Realtime.MaxRetriesCritical,
		MaxRetriesHigh:     cfg.Realtime.MaxRetriesHigh,
		PersistUnicast:     cfg.Realtime.PersistUnicast,
		GhostTTL:           cfg.Realtime.GhostTTL,
	}, st, reg, sched, br, log).WithMetrics(mets).WithTrimmer(trimmer)
	pub.BindPresence()
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	defer pub.Close()

	rep := replay.New(replay.Config{BatchSize: cfg.Realtime.ReplayBatchSize}, st, sched, log).WithMetrics(mets)

	checks := health.NewRegistry()
	if pinger, ok := st.(health.Pinger); ok {
		checks.Register(health.NewPingerChecker("store", pinger, cfg.Store.OperationTimeout))
	}
	if pinger, ok := br.(health.Pinger); ok {
		checks.Register(health.NewPingerChecker("bridge", pinger, cfg.Bridge.OperationTimeout))
	}

	terminal := transport.NewTerminalHandler(transport.Config{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		WS:                wire.DefaultConfig(),
	}, validator, reg, sched, rep, st, log).WithMetrics(mets)
	ingress := transport.NewIngressHandler(validator, pub, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", terminal)
	mux.Handle("/v1/events", ingress)
	mux.Handle("/healthz", checks.Handler())
	mux.Handle("/metrics", mets.Handler())

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	reg.Close()
	return nil
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			URL:              cfg.RedisURL,
			Prefix:           cfg.Prefix,
			OperationTimeout: cfg.OperationTimeout,
			MaxConns:         cfg.MaxConns,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
