package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/cdflow/internal/aggregate"
	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/engine"
	"github.com/rendis/cdflow/internal/expressions"
	"github.com/rendis/cdflow/internal/flags"
	"github.com/rendis/cdflow/internal/logging"
	"github.com/rendis/cdflow/internal/outputs"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/scheduler"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/internal/telemetry"
	"github.com/rendis/cdflow/internal/validation"
	cdmcp "github.com/rendis/cdflow/pkg/mcp"
)

func runServe(parent context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.LogLevel))
	// stdout carries the MCP stdio transport, so logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := expressions.NewEvaluator()
	if err != nil {
		return fmt.Errorf("expressions: %w", err)
	}

	metricsCfg := telemetry.Config{Enabled: cfg.MetricsAddr != "", ListenAddress: cfg.MetricsAddr}
	metrics := telemetry.NewMetrics(metricsCfg)

	feed := cdmcp.NewTaskFeed(delegate.NewStoreDispatcher(st), logger)
	dispatcher := delegate.NewGuarded(feed,
		delegate.NewBreakers(delegate.DefaultBreakerConfig()),
		delegate.DefaultRetryPolicy(), metrics, logger)

	approvals := approval.NewService(st)
	gate := permits.NewGate(st)
	factory := states.NewFactory(states.Deps{
		Dispatcher: dispatcher,
		Outputs:    outputs.NewService(st, st),
		Gate:       gate,
		Approvals:  approvals,
		Aggregator: aggregate.New(flags.NewStoreService(st, logger)),
		Renderer:   ev,
		Metrics:    metrics,
		Logger:     logger,
	})

	exec := engine.NewExecutor(st, store.NewEventLog(st), factory, engine.ExecutorConfig{
		PoolSize:           cfg.PoolSize,
		DefaultWaitTimeout: cfg.waitTimeout(),
		Evaluator:          ev,
		Approvals:          approvals,
		Metrics:            metrics,
		Logger:             logger,
	})
	defer exec.Shutdown()

	validator, err := validation.NewWorkflowValidator(factory)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	sched, err := scheduler.NewScheduler(st, exec, cfg.schedulerConfig(), logger)
	if err != nil {
		return err
	}

	if err := exec.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if metricsCfg.Enabled {
		srv := metrics.NewServer(metricsCfg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := writePID(); err != nil {
		logger.Warn("write pidfile", "error", err)
	}
	defer os.Remove(pidPath())
	go watchReload(ctx, cfg, level, logger)

	srv := cdmcp.NewCDFlowServer(cdmcp.ServerDeps{
		Executor:  exec,
		Store:     st,
		Approvals: approvals,
		Gate:      gate,
		Validator: validator,
		Factory:   factory,
		Feed:      feed,
		Logger:    logger,
	})
	logger.Info("cdflow serving", "db_path", cfg.DBPath, "pool_size", cfg.PoolSize, "version", version)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func writePID() error {
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// watchReload re-reads the configuration on SIGHUP. Only the log level is
// applied live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(parseLogLevel(next.LogLevel))
				logger.Info("log level changed", "level", next.LogLevel)
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("configuration changes need a restart", "fields", d.RestartNeeded)
			}
			current.LogLevel = next.LogLevel
		}
	}
}
