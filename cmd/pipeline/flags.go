package main

import (
	"github.com/urfave/cli/v2"
)

// Flags carry no default values. Anything not set on the command line or in
// the environment keeps the default from the config package.

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "Optional .env file loaded before reading the environment",
			EnvVars: []string{"ENV_FILE"},
		},
		&cli.StringFlag{
			Name:    "mode",
			Usage:   "Operating mode: ProduceConcatMap, ConsumeDefault, ConsumeSampled, PipeReceiveSend or PipePartitioned (default PipePartitioned)",
			EnvVars: []string{"PIPELINE_MODE"},
		},
		&cli.StringFlag{
			Name:    "topic-a",
			Usage:   "Topic written by the producer and read by the pipe modes (default a1)",
			EnvVars: []string{"TOPIC_A"},
		},
		&cli.StringFlag{
			Name:    "topic-b",
			Usage:   "Topic written by the pipe modes and read by the consume modes (default b1)",
			EnvVars: []string{"TOPIC_B"},
		},
		&cli.IntFlag{
			Name:    "topic-partitions",
			Usage:   "Partitions of ensured topics (default 2)",
			EnvVars: []string{"TOPIC_PARTITIONS"},
		},
		&cli.IntFlag{
			Name:    "topic-replication",
			Usage:   "Replication factor of ensured topics (default 1)",
			EnvVars: []string{"TOPIC_REPLICATION"},
		},
		// Kafka configuration flags
		&cli.StringFlag{
			Name:    "kafka-driver",
			Usage:   "Kafka client library: confluent or franz (default confluent)",
			EnvVars: []string{"KAFKA_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "bootstrap-servers",
			Aliases: []string{"b"},
			Usage:   "Kafka bootstrap servers (comma-separated, default localhost:9092)",
			EnvVars: []string{"KAFKA_BOOTSTRAP_SERVERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-username",
			Usage:   "SASL username for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-password",
			Usage:   "SASL password for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-mechanism",
			Usage:   "SASL mechanism (SCRAM-SHA-256, SCRAM-SHA-512, or PLAIN)",
			EnvVars: []string{"KAFKA_SASL_MECHANISM"},
		},
		&cli.StringFlag{
			Name:    "kafka-security-protocol",
			Usage:   "Security protocol (SASL_SSL or SASL_PLAINTEXT)",
			EnvVars: []string{"KAFKA_SECURITY_PROTOCOL"},
		},
	}
}

func ensureTopicsFlags() []cli.Flag {
	return commonFlags()
}

// runFlags returns all CLI flags for the run command
func runFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.BoolFlag{
			Name:    "ensure-topics",
			Usage:   "Create or grow the topics before starting",
			EnvVars: []string{"ENSURE_TOPICS"},
		},
		&cli.DurationFlag{
			Name:    "processing-time",
			Usage:   "Simulated processing time per record (default 10ms)",
			EnvVars: []string{"PROCESSING_TIME"},
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Records in flight per partition (default 1)",
			EnvVars: []string{"CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "reduced-group-by",
			Usage:   "Fold partitions onto this many lanes, partitioned modes only (default off)",
			EnvVars: []string{"REDUCED_GROUP_BY"},
		},
		&cli.IntFlag{
			Name:    "lane-buffer",
			Usage:   "Records read ahead of each lane; 0 hands them over one at a time (default 32)",
			EnvVars: []string{"LANE_BUFFER"},
		},
		&cli.StringFlag{
			Name:    "scheduler-kind",
			Usage:   "Transform scheduler: parallel, newParallel or newBoundedElastic (default newParallel)",
			EnvVars: []string{"SCHEDULER_KIND"},
		},
		&cli.IntFlag{
			Name:    "scheduler-pool-size",
			Usage:   "Scheduler workers (default 8)",
			EnvVars: []string{"SCHEDULER_POOL_SIZE"},
		},
		&cli.IntFlag{
			Name:    "scheduler-queue-size",
			Usage:   "Bounded elastic scheduler queue (default 256)",
			EnvVars: []string{"SCHEDULER_QUEUE_SIZE"},
		},
		&cli.StringFlag{
			Name:    "retry-strategy",
			Usage:   "Inbound retry strategy: fixed or exponential (default fixed)",
			EnvVars: []string{"RETRY_STRATEGY"},
		},
		&cli.IntFlag{
			Name:    "retry-attempts",
			Usage:   "Inbound resubscriptions allowed (default 2)",
			EnvVars: []string{"RETRY_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "retry-delay",
			Usage:   "Inbound retry delay (default 3s)",
			EnvVars: []string{"RETRY_DELAY"},
		},
		&cli.IntFlag{
			Name:    "max-restarts",
			Usage:   "Pipeline restarts before giving up (default 10)",
			EnvVars: []string{"RESTART_MAX"},
		},
		&cli.DurationFlag{
			Name:    "restart-delay",
			Usage:   "Delay before restarting a failed pipeline (default 60s)",
			EnvVars: []string{"RESTART_DELAY"},
		},
		&cli.DurationFlag{
			Name:    "sample-interval",
			Usage:   "Commit interval of the sampled mode (default 250ms)",
			EnvVars: []string{"SAMPLE_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "sample-capacity",
			Usage:   "Partitions buffered by the sampled mode (default 256)",
			EnvVars: []string{"SAMPLE_CAPACITY"},
		},
		&cli.BoolFlag{
			Name:    "sample-discard-commit",
			Usage:   "Commit records evicted from a full sample buffer (default true)",
			EnvVars: []string{"SAMPLE_DISCARD_COMMIT"},
		},
		&cli.DurationFlag{
			Name:    "produce-interval",
			Usage:   "Interval between generated records (default 100ms)",
			EnvVars: []string{"PRODUCE_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "produce-max-events",
			Usage:   "Number of records generated in produce mode (default 1000000)",
			EnvVars: []string{"PRODUCE_MAX_EVENTS"},
		},
		&cli.StringFlag{
			Name:    "group-id",
			Aliases: []string{"g"},
			Usage:   "Kafka consumer group ID (default kafka-pipeline)",
			EnvVars: []string{"KAFKA_GROUP_ID"},
		},
		&cli.StringFlag{
			Name:    "client-id",
			Usage:   "Kafka client id, suffixed with CF_INSTANCE_INDEX when set (default kafka-pipeline)",
			EnvVars: []string{"KAFKA_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "auto-offset-reset",
			Aliases: []string{"o"},
			Usage:   "Kafka auto offset reset policy: earliest or latest (default earliest)",
			EnvVars: []string{"KAFKA_AUTO_OFFSET_RESET"},
		},
		&cli.BoolFlag{
			Name:    "enable-kafka-logs",
			Usage:   "Forward Kafka client library logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
		},
		&cli.DurationFlag{
			Name:    "session-timeout",
			Usage:   "Kafka consumer session timeout (default 45s)",
			EnvVars: []string{"KAFKA_SESSION_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "max-poll-interval",
			Usage:   "Kafka consumer max poll interval (default 300s)",
			EnvVars: []string{"KAFKA_MAX_POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "flush-timeout",
			Usage:   "Kafka producer flush timeout when closing (default 15s)",
			EnvVars: []string{"KAFKA_FLUSH_TIMEOUT"},
		},
		// Metrics configuration flags
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server (default 9090)",
			EnvVars: []string{"METRICS_PORT"},
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Aliases: []string{"R"},
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Aliases: []string{"P"},
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	)
}
