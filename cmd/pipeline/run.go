package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/kafka-pipeline/pkg/config"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka/processor"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
	"github.com/ava-labs/kafka-pipeline/pkg/pipeline"
	"github.com/ava-labs/kafka-pipeline/pkg/scheduler"
	"github.com/ava-labs/kafka-pipeline/pkg/utils"
)

func run(c *cli.Context) error {
	// Build configuration from the environment and CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	kafkaCfg := cfg.KafkaConfig()
	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"mode", cfg.Mode,
		"topicA", cfg.TopicA,
		"topicB", cfg.TopicB,
		"processingTime", cfg.ProcessingDelay,
		"concurrency", cfg.Concurrency,
		"reducedGroupBy", cfg.ReducedGroupBy,
		"ensureTopics", cfg.EnsureTopics,
		"schedulerKind", cfg.Scheduler.Kind,
		"schedulerPoolSize", cfg.Scheduler.PoolSize,
		"schedulerQueueSize", cfg.Scheduler.QueueSize,
		"retryStrategy", cfg.Retry.Strategy,
		"retryAttempts", cfg.Retry.Attempts,
		"retryDelay", cfg.Retry.Delay,
		"maxRestarts", cfg.Restart.MaxRestarts,
		"restartDelay", cfg.Restart.Delay,
		"sampleInterval", cfg.Sample.Interval,
		"sampleCapacity", cfg.Sample.Capacity,
		"sampleDiscardCommit", cfg.Sample.DiscardCommit,
		"produceInterval", cfg.Produce.Interval,
		"produceMaxEvents", cfg.Produce.MaxEvents,
		"kafkaDriver", kafkaCfg.Driver,
		"bootstrapServers", kafkaCfg.BootstrapServers,
		"groupID", kafkaCfg.GroupID,
		"clientID", kafkaCfg.ClientID,
		"autoOffsetReset", kafkaCfg.AutoOffsetReset,
		"metricsAddr", cfg.Metrics.Addr(),
		"environment", cfg.Metrics.Environment,
		"region", cfg.Metrics.Region,
		"cloudProvider", cfg.Metrics.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, cfg.MetricsLabels(os.Getenv(utils.InstanceIndexEnv)))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	restarts := pipeline.NewRestartController(cfg.Restart.MaxRestarts, cfg.Restart.Delay, sugar, m)

	// Start metrics server; readiness fails once restarts are exhausted
	metricsServer := metrics.NewServer(cfg.Metrics.Addr(), registry, restarts.Ready)
	metricsErrCh := metricsServer.Start()
	sugar.Infof("metrics server listening on http://%s/metrics", cfg.Metrics.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := kafka.NewClient(ctx, kafkaCfg, sugar)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	defer client.Close() //nolint:errcheck // close errors are logged by the client

	if cfg.EnsureTopics {
		if err := ensure(ctx, client, cfg.Topics(), sugar); err != nil {
			return err
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	// Pipeline goroutine, returns once the run ends or is given up
	g.Go(func() error {
		defer cancelRun()
		if err := runMode(gctx, cfg, client, restarts, sugar, m); err != nil {
			return fmt.Errorf("pipeline error: %w", err)
		}
		return nil
	})

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	// Wait for first error or completion from any goroutine
	err = g.Wait()

	// Gracefully shutdown metrics server
	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}

// runMode runs the generator in produce mode and the restartable pipeline
// otherwise.
func runMode(
	ctx context.Context,
	cfg *config.Config,
	client kafka.AdminClient,
	restarts *pipeline.RestartController,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) error {
	mode, err := cfg.PipelineMode()
	if err != nil {
		return err
	}
	if mode.Produces() {
		return pipeline.NewGenerator(client, cfg.TopicA, cfg.Produce.Interval, cfg.Produce.MaxEvents, log, m).Run(ctx)
	}

	opts, err := cfg.PipelineOptions()
	if err != nil {
		return err
	}
	if cfg.ReducedGroupBy > 0 {
		partitions, err := client.PartitionCount(ctx, opts.InputTopic)
		if err != nil {
			return fmt.Errorf("failed to read partition count of %q: %w", opts.InputTopic, err)
		}
		if err := cfg.ValidateGroupBy(partitions); err != nil {
			return err
		}
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	executor, err := scheduler.New(schedCfg, log)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer executor.Close()

	p, err := pipeline.New(client, executor, processor.Uppercase{}, opts, log, m)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return restarts.Run(ctx, p.Run)
}
