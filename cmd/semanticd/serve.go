package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/config"
	"github.com/fyrsmithlabs/semanticd/internal/engine"
	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/logging"
	"github.com/fyrsmithlabs/semanticd/internal/natsbridge"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration/choreographed"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration/deterministic"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration/reactive"
	"github.com/fyrsmithlabs/semanticd/internal/telemetry"
	"github.com/fyrsmithlabs/semanticd/pkg/server"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if embeddedNATS {
		cfg.NATS.Enabled = true
		cfg.NATS.Embedded = true
	}

	tel, err := telemetry.New(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := logging.New(cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting semanticd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName))

	// The config watcher only drives the log level; everything else is
	// fixed at startup.
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath,
				func(next *config.Config) {
					if err := logger.SetLevel(next.Logging.Level); err != nil {
						logger.Warn("ignoring reloaded log level", zap.Error(err))
						return
					}
					logger.Info("log level reloaded", zap.String("level", next.Logging.Level))
				},
				func(err error) {
					logger.Warn("config reload failed", zap.Error(err))
				})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	broker := event.NewBroker(event.Config{
		MaxRetries:      cfg.Broker.MaxRetries,
		RetryDelay:      cfg.Broker.RetryDelay.Duration(),
		HistorySize:     cfg.Broker.HistorySize,
		DeadLetterLimit: cfg.Broker.DeadLetterLimit,
		ReplayRate:      float64(cfg.Broker.ReplayRate),
	}, logger.Logger)
	defer broker.Close()

	plugins := artifact.NewPluginRegistry()
	plugins.RegisterPlugin("noop", artifact.PluginFunc(
		func(_ context.Context, ec *execution.Context) (*execution.Context, error) {
			return ec, nil
		}))

	registry := engine.NewRegistry(broker, logger.Logger)

	choreo, err := choreographed.New(choreographed.Config{
		QuorumThreshold:   cfg.Choreographed.QuorumThreshold,
		TimeoutPeriod:     cfg.Choreographed.TimeoutPeriod.Duration(),
		PollInterval:      cfg.Choreographed.PollInterval.Duration(),
		ProposalRetention: cfg.Choreographed.ProposalRetention.Duration(),
	}, broker, logger.Logger)
	if err != nil {
		return fmt.Errorf("initializing choreographed strategy: %w", err)
	}
	defer func() { _ = choreo.Close() }()

	factory := orchestration.NewFactory(logger.Logger,
		deterministic.New(deterministic.Config{
			StepTimeout:         cfg.Deterministic.StepTimeout.Duration(),
			RetryDelay:          cfg.Deterministic.RetryDelay.Duration(),
			CheckpointTTL:       cfg.Deterministic.CheckpointTTL.Duration(),
			AbortOnCriticalPost: cfg.Deterministic.AbortOnCriticalPost,
		}, plugins, broker, logger.Logger),
		reactive.New(reactive.Config{
			InterventionThreshold:     cfg.Reactive.InterventionThreshold,
			BatchSize:                 cfg.Reactive.BatchSize,
			DisableSemanticCheck:      cfg.Reactive.Checks.DisableSemantic,
			DisableCrossArtifactCheck: cfg.Reactive.Checks.DisableCrossArtifact,
			DisableTemporalCheck:      cfg.Reactive.Checks.DisableTemporal,
			DisableBusinessCheck:      cfg.Reactive.Checks.DisableBusiness,
			DisableComplianceCheck:    cfg.Reactive.Checks.DisableCompliance,
		}, broker, logger.Logger),
		choreo,
	)

	eng, err := engine.New(engine.Config{
		MaxDependencyDepth: cfg.Engine.MaxDependencyDepth,
	}, nil, registry, factory, logger.Logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	if cfg.NATS.Enabled {
		bridge, err := natsbridge.New(cfg.NATS, broker, uuid.NewString(), logger.Logger)
		if err != nil {
			return fmt.Errorf("initializing nats bridge: %w", err)
		}
		defer func() { _ = bridge.Close() }()
	}

	srv := server.New(cfg.Server, server.Deps{
		ServiceName: cfg.Observability.ServiceName,
		Engine:      eng,
		Registry:    registry,
		Broker:      broker,
		Factory:     factory,
		Logger:      logger.Logger,
	})

	logger.Info("serving",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("event_stream", "/events/stream"),
		zap.Bool("nats_bridge", cfg.NATS.Enabled))

	if err := srv.Start(ctx); err != http.ErrServerClosed {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
