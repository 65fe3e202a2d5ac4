// Relay coordination bridge server — brokers schema-typed request/response
// exchanges between cooperating agents over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/relay/pkg/api"
	"github.com/codeready-toolchain/relay/pkg/cleanup"
	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/engine"
	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/fabric"
	"github.com/codeready-toolchain/relay/pkg/metrics"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/registry"
	"github.com/codeready-toolchain/relay/pkg/security"
	"github.com/codeready-toolchain/relay/pkg/version"
)

// Process exit codes.
const (
	exitOK          = 0
	exitConfig      = 64
	exitIntegrity   = 70
	exitDivergence  = 71
	exitInterrupted = 130
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("RELAY_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before reading any configuration.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment file", "path", envPath)
	}

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Configuration failed", "error", err)
		return exitConfig
	}
	setupLogging(cfg)
	slog.Info("Starting relay", "version", version.Full(), "listen_addr", cfg.Server.ListenAddr)

	// Open the event log; a hash-chain break anywhere before the tail is a
	// storage integrity failure and the process refuses to serve.
	log, err := eventlog.Open(eventlog.Options{
		Dir:             filepath.Join(cfg.Storage.DataDir, "events"),
		SegmentMaxBytes: cfg.Storage.SegmentMaxBytes,
		Durability:      eventlog.DurabilityPolicy(cfg.Storage.Durability),
		FlushInterval:   cfg.Storage.FlushInterval.Std(),
		Compress:        !cfg.Storage.DisableSegmentCompression,
	})
	if err != nil {
		slog.Error("Event log open failed", "error", err)
		if errors.Is(err, eventlog.ErrIntegrity) {
			return exitIntegrity
		}
		return exitConfig
	}
	defer func() {
		if err := log.Close(); err != nil {
			slog.Error("Event log close failed", "error", err)
		}
	}()

	snapshotDir := filepath.Join(cfg.Storage.DataDir, "snapshots")
	store, err := projection.Rebuild(log, snapshotDir, 0)
	if err != nil {
		slog.Error("Projection rebuild failed", "error", err)
		if errors.Is(err, projection.ErrDivergence) {
			return exitDivergence
		}
		return exitIntegrity
	}
	committer := projection.NewCommitter(log, store, snapshotDir, cfg.Storage.SnapshotIntervalEvents)

	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      cfg.MasterSecret(),
		NonceRetention:    cfg.Security.NonceRetention(),
		NonceCapacity:     cfg.Security.NonceCapacity,
		CreateRatePerMin:  cfg.Security.CreateRate,
		RespondRatePerMin: cfg.Security.RespondRate,
		Burst:             cfg.Security.Burst,
	})
	if err != nil {
		slog.Error("Security envelope setup failed", "error", err)
		return exitConfig
	}

	reg := registry.NewManager(committer, env, registry.Config{
		MaxSessionsPerAgent: cfg.Sessions.MaxSessionsPerAgent,
		IdleTimeout:         cfg.Sessions.IdleSessionTimeout.Std(),
	})
	fab := fabric.New(cfg.Fabric.InboxCapacity)
	m := metrics.New(store, fab)

	eng := engine.New(committer, fab, env, reg, engine.Config{
		TimeoutCap: cfg.Security.TimeoutCap.Std(),
		MaxWait:    cfg.Fabric.MaxWait.Std(),
	})
	ctx := context.Background()
	eng.Start(ctx)
	defer eng.Stop()

	cleaner := cleanup.NewService(&cfg.Retention, store, reg, env.Nonces)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	server := api.NewServer(cfg, eng, m)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.ListenAddr)
	}()
	slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			return exitConfig
		}
		return exitOK
	case sig := <-sigCh:
		slog.Info("Signal received, shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Shutdown complete")
		return exitOK
	case <-sigCh:
		slog.Warn("Second signal, exiting immediately")
		return exitInterrupted
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timed out")
		return exitInterrupted
	}
}

// setupLogging configures the process-wide slog default from config.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
