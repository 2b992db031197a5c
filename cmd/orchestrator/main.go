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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/api"
	"github.com/curlcast/orchestrator/internal/broadcast"
	"github.com/curlcast/orchestrator/internal/config"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/metrics"
	"github.com/curlcast/orchestrator/internal/monitor"
	"github.com/curlcast/orchestrator/internal/orchestrator"
	"github.com/curlcast/orchestrator/internal/scheduler"
	"github.com/curlcast/orchestrator/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Curlcast orchestrator: control plane for live curling broadcasts",
		Long: `The orchestrator is the control plane of the curlcast streaming system.
It accepts job requests over HTTP, reserves YouTube broadcasts, assigns
jobs to streaming agents connected over WebSocket, monitors stream health
with bounded restarts, and fans state out to UI and public status pages.

All configuration comes from environment variables (PORT, AGENT_TOKEN,
HEARTBEAT_*_MS, YOUTUBE_CLIENT_ID/SECRET/REDIRECT_URL, ...).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.AgentToken == "" {
		return fmt.Errorf("agent token is required; set AGENT_TOKEN")
	}

	logger.Info("starting orchestrator",
		zap.String("version", version),
		zap.String("addr", cfg.Addr),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("youtube_api_disabled", cfg.DisableYouTubeAPI),
		zap.Bool("public_access_restricted", cfg.RestrictPublicAccess),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	tokens := broadcast.NewTokenManager(
		cfg.YouTubeClientID, cfg.YouTubeClientSecret,
		cfg.YouTubeRedirectURL, cfg.YouTubeTokenFile, logger)

	var client broadcast.Client
	if cfg.DisableYouTubeAPI {
		logger.Warn("YouTube API disabled, using mock broadcast client")
		client = broadcast.NewMock(logger)
	} else {
		client = broadcast.NewYouTube(tokens, logger)
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	registry := agent.NewRegistry(cfg.HeartbeatTimeout, logger)
	store := job.NewStore(logger)

	svc := orchestrator.New(cfg, registry, store, client, hub, m, logger)

	sched := scheduler.New(registry, store, cfg.AssignAckTimeout, m, logger)
	mon := monitor.New(store, client, svc, cfg.RestartBackoffs, cfg.StreamInactiveGrace, logger)
	svc.Attach(sched, mon)

	if err := sched.Start(cfg.ScheduleInterval); err != nil {
		return err
	}
	if err := mon.Start(cfg.StreamHealthInterval); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Service:              svc,
		Hub:                  hub,
		Tokens:               tokens,
		Metrics:              reg,
		Logger:               logger,
		RestrictPublicAccess: cfg.RestrictPublicAccess,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	sched.Stop()
	mon.Stop()
	svc.Shutdown()
	registry.Shutdown()
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
