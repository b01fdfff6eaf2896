package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/matteram/ensemble/internal/engine"
	"github.com/matteram/ensemble/internal/hub"
	"github.com/matteram/ensemble/internal/logging"
	"github.com/matteram/ensemble/internal/scheduler"
	"github.com/matteram/ensemble/internal/server"
	"github.com/matteram/ensemble/internal/store"
	"github.com/matteram/ensemble/internal/streaming"
	"github.com/matteram/ensemble/internal/validation"
	"github.com/matteram/ensemble/pkg/mcp"
)

func main() {
	var (
		mcpMode     = flag.Bool("mcp", false, "serve the MCP stdio transport instead of HTTP")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger, *mcpMode); err != nil {
		logger.Error("ensemble exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger, mcpMode bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eventLog := store.NewEventLog(st)
	queue := streaming.NewQueue(logger)
	h := hub.NewHub(logger)
	registry := engine.NewCancelRegistry()

	validator, err := validation.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	executor := engine.NewExecutor(engine.Deps{
		Agents:   &echoAgentFactory{checker: registry},
		Queue:    queue,
		Hub:      h,
		Registry: registry,
		History:  st,
		Steps:    st,
		Recorder: eventLog,
		Logger:   logger,
	}, engine.Config{
		Deadline: time.Duration(cfg.DeadlineSeconds) * time.Second,
		PoolSize: cfg.PoolSize,
	})
	defer executor.Shutdown()

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	sweeper := scheduler.NewSweeper(st, cfg.SweepSchedule, retention, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	if mcpMode {
		logger.Info("serving MCP over stdio")
		mcpSrv := mcp.NewEnsembleServer(mcp.EnsembleServerDeps{
			Executor: executor,
			Store:    st,
			EventLog: eventLog,
			Hub:      h,
			Logger:   logger,
		})
		return mcpSrv.Serve(ctx)
	}

	api := server.NewServer(server.Deps{
		Store:     st,
		EventLog:  eventLog,
		Executor:  executor,
		Hub:       h,
		Validator: validator,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ensemble listening", slog.String("addr", cfg.ListenAddr))
		if serveErr := httpSrv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	h.Shutdown()
	return nil
}
