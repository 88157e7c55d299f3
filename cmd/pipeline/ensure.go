package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/utils"
)

func ensureTopics(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := kafka.NewClient(ctx, cfg.KafkaConfig(), sugar)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	defer client.Close() //nolint:errcheck // close errors are logged by the client

	return ensure(ctx, client, cfg.Topics(), sugar)
}

func ensure(ctx context.Context, admin kafka.Admin, topics []kafka.TopicConfig, log *zap.SugaredLogger) error {
	for _, topic := range topics {
		if err := admin.EnsureTopic(ctx, topic); err != nil {
			return fmt.Errorf("failed to ensure kafka topic %q: %w", topic.Name, err)
		}
		log.Infow("topic ready", "topic", topic.Name, "partitions", topic.NumPartitions)
	}
	return nil
}
