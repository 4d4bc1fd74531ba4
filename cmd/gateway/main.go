// Command gateway is the tollgate binary. It loads a YAML configuration
// file, opens the audit event store (embedded SQLite by default, PostgreSQL
// when database_url is set), starts the HTTP front door, and drains the
// per-target queues gracefully on SIGTERM or SIGINT.
//
// Exit codes: 0 after a clean drain, 1 when the drain deadline fired or
// startup failed, 130 when a second signal forces immediate exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tollgate/gateway/internal/audit"
	"github.com/tollgate/gateway/internal/auth"
	"github.com/tollgate/gateway/internal/config"
	"github.com/tollgate/gateway/internal/dispatch"
	"github.com/tollgate/gateway/internal/eventstore"
	"github.com/tollgate/gateway/internal/queue"
	"github.com/tollgate/gateway/internal/server"
	"github.com/tollgate/gateway/internal/sse"
	"github.com/tollgate/gateway/internal/upstream"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "gateway.yaml", "Path to the YAML configuration file")
		logLevel   = flag.String("log-level", "", "Override the configured log level: debug | info | warn | error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("tollgate gateway starting",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.Int("targets", len(cfg.Targets)),
		slog.String("log_level", cfg.LogLevel),
	)

	// ── Event store ──────────────────────────────────────────────────────
	var (
		store   eventstore.Store
		backend string
	)
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = eventstore.OpenPostgres(ctx, cfg.DatabaseURL, 0, 0)
		cancel()
		backend = "postgres"
	} else {
		store, err = eventstore.OpenSQLite(cfg.EventStorePath)
		backend = "sqlite"
	}
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		return 1
	}
	logger.Info("event store ready", slog.String("backend", backend))

	// ── Credential resolver ──────────────────────────────────────────────
	var resolvers auth.Chain
	if len(cfg.Auth.StaticTokens) > 0 {
		resolvers = append(resolvers, auth.NewStaticResolver(cfg.Auth.StaticTokens))
	}
	if cfg.Auth.JWTPublicKeyPath != "" {
		jwtResolver, err := auth.NewJWTResolverFromFile(cfg.Auth.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			return 1
		}
		resolvers = append(resolvers, jwtResolver)
		logger.Info("JWT credential resolution enabled")
	}
	if len(resolvers) == 0 {
		logger.Error("no credential resolver configured: set auth.static_tokens or auth.jwt_public_key_path")
		return 1
	}

	// ── Core components ──────────────────────────────────────────────────
	hub := sse.NewHub(logger, sse.DefaultBufferSize)
	auditor := audit.New(store, hub, logger)
	queues := queue.NewManager(queue.Limits{
		MaxInflight: cfg.MaxInflightPerTarget,
		MaxQueue:    cfg.MaxQueuePerTarget,
		Timeout:     time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}, logger)

	stdio := upstream.NewStdio(logger)
	dispatcher := dispatch.New(cfg, queues, auditor, map[config.TargetKind]dispatch.UpstreamInvoker{
		config.KindMCP: stdio,
		config.KindA2A: upstream.NewHTTP(nil),
	}, logger)

	srv := server.New(cfg, logger, auditor, queues, hub, dispatcher, resolvers, backend)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or listener failure ─────────────────────
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
			closeAll(logger, stdio, hub, store)
			return 1
		}
	}

	// A second signal during drain aborts immediately with the
	// conventional 128+SIGINT code.
	go func() {
		<-sigCh
		logger.Warn("second signal received, exiting immediately")
		os.Exit(130)
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	drainDeadline := time.Duration(cfg.DrainDeadlineMs) * time.Millisecond
	logger.Info("draining", slog.Duration("deadline", drainDeadline))

	// Stop accepting new connections; inflight HTTP requests continue
	// until their queue entries resolve.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline+5*time.Second)
	defer cancel()
	go func() {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", slog.Any("error", err))
		}
	}()

	clean := queues.Drain(drainDeadline)

	closeAll(logger, stdio, hub, store)

	if !clean {
		logger.Warn("drain deadline fired, some requests were cancelled")
		return 1
	}
	logger.Info("tollgate gateway exited cleanly")
	return 0
}

// closeAll tears down the remaining components in dependency order: children
// first, then the live stream, then the store once no appends remain.
func closeAll(logger *slog.Logger, stdio *upstream.Stdio, hub *sse.Hub, store eventstore.Store) {
	stdio.Close()
	hub.Close()
	if err := store.Close(); err != nil {
		logger.Warn("event store close error", slog.Any("error", err))
	}
}

// newLogger constructs a *slog.Logger writing JSON records to stderr at the
// requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
