package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/kafka-pipeline/pkg/config"
)

// buildConfig loads the configuration from the environment and applies the
// flags set on the command line on top of it.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return nil, err
	}

	setBool(c, "verbose", &cfg.Verbose)
	setString(c, "mode", &cfg.Mode)
	setString(c, "topic-a", &cfg.TopicA)
	setString(c, "topic-b", &cfg.TopicB)
	setInt(c, "topic-partitions", &cfg.Partitions)
	setInt(c, "topic-replication", &cfg.Replication)
	setBool(c, "ensure-topics", &cfg.EnsureTopics)
	setDuration(c, "processing-time", &cfg.ProcessingDelay)
	setInt(c, "concurrency", &cfg.Concurrency)
	setInt(c, "reduced-group-by", &cfg.ReducedGroupBy)
	setInt(c, "lane-buffer", &cfg.LaneBuffer)

	setString(c, "scheduler-kind", &cfg.Scheduler.Kind)
	setInt(c, "scheduler-pool-size", &cfg.Scheduler.PoolSize)
	setInt(c, "scheduler-queue-size", &cfg.Scheduler.QueueSize)
	setString(c, "retry-strategy", &cfg.Retry.Strategy)
	setInt(c, "retry-attempts", &cfg.Retry.Attempts)
	setDuration(c, "retry-delay", &cfg.Retry.Delay)
	setInt(c, "max-restarts", &cfg.Restart.MaxRestarts)
	setDuration(c, "restart-delay", &cfg.Restart.Delay)
	setDuration(c, "sample-interval", &cfg.Sample.Interval)
	setInt(c, "sample-capacity", &cfg.Sample.Capacity)
	setBool(c, "sample-discard-commit", &cfg.Sample.DiscardCommit)
	setDuration(c, "produce-interval", &cfg.Produce.Interval)
	setInt(c, "produce-max-events", &cfg.Produce.MaxEvents)

	setString(c, "kafka-driver", &cfg.Kafka.Driver)
	setString(c, "bootstrap-servers", &cfg.Kafka.BootstrapServers)
	setString(c, "group-id", &cfg.Kafka.GroupID)
	setString(c, "client-id", &cfg.Kafka.ClientID)
	setString(c, "auto-offset-reset", &cfg.Kafka.AutoOffsetReset)
	setBool(c, "enable-kafka-logs", &cfg.Kafka.EnableLogs)
	setDuration(c, "session-timeout", &cfg.Kafka.SessionTimeout)
	setDuration(c, "max-poll-interval", &cfg.Kafka.MaxPollInterval)
	setDuration(c, "flush-timeout", &cfg.Kafka.FlushTimeout)
	setString(c, "kafka-sasl-username", &cfg.Kafka.SASL.Username)
	setString(c, "kafka-sasl-password", &cfg.Kafka.SASL.Password)
	setString(c, "kafka-sasl-mechanism", &cfg.Kafka.SASL.Mechanism)
	setString(c, "kafka-security-protocol", &cfg.Kafka.SASL.SecurityProtocol)

	setString(c, "metrics-host", &cfg.Metrics.Host)
	setInt(c, "metrics-port", &cfg.Metrics.Port)
	setString(c, "environment", &cfg.Metrics.Environment)
	setString(c, "region", &cfg.Metrics.Region)
	setString(c, "cloud-provider", &cfg.Metrics.CloudProvider)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func setInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

func setBool(c *cli.Context, name string, dst *bool) {
	if c.IsSet(name) {
		*dst = c.Bool(name)
	}
}

func setDuration(c *cli.Context, name string, dst *time.Duration) {
	if c.IsSet(name) {
		*dst = c.Duration(name)
	}
}
