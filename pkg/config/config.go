package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
	"github.com/ava-labs/kafka-pipeline/pkg/pipeline"
	"github.com/ava-labs/kafka-pipeline/pkg/retry"
	"github.com/ava-labs/kafka-pipeline/pkg/scheduler"
	"github.com/ava-labs/kafka-pipeline/pkg/utils"
)

// Retry strategies.
const (
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// Config holds all configuration for the pipeline service.
type Config struct {
	Verbose bool   `env:"VERBOSE" envDefault:"false"`
	Mode    string `env:"PIPELINE_MODE" envDefault:"PipePartitioned"`

	// Topic A is written by the producer and read by the pipe modes; topic B
	// is written by the pipe modes and read by the consume modes.
	TopicA string `env:"TOPIC_A" envDefault:"a1"`
	TopicB string `env:"TOPIC_B" envDefault:"b1"`

	ProcessingDelay time.Duration `env:"PROCESSING_TIME" envDefault:"10ms"`
	Concurrency     int           `env:"CONCURRENCY" envDefault:"1"`       // records in flight per partition
	ReducedGroupBy  int           `env:"REDUCED_GROUP_BY" envDefault:"0"`  // 0 disables reduction
	LaneBuffer      int           `env:"LANE_BUFFER" envDefault:"32"`      // read-ahead per lane, 0 hands over one at a time
	EnsureTopics    bool          `env:"ENSURE_TOPICS" envDefault:"false"` // create or grow topics on start
	Partitions      int           `env:"TOPIC_PARTITIONS" envDefault:"2"`  // used when ensuring topics
	Replication     int           `env:"TOPIC_REPLICATION" envDefault:"1"` // used when ensuring topics

	Scheduler SchedulerConfig    `envPrefix:"SCHEDULER_"`
	Retry     RetryConfig        `envPrefix:"RETRY_"`
	Restart   RestartConfig      `envPrefix:"RESTART_"`
	Sample    SampleConfig       `envPrefix:"SAMPLE_"`
	Produce   ProduceConfig      `envPrefix:"PRODUCE_"`
	Kafka     kafka.ClientConfig `envPrefix:"KAFKA_"`
	Metrics   MetricsConfig
}

type SchedulerConfig struct {
	Kind      string `env:"KIND" envDefault:"newParallel"`
	PoolSize  int    `env:"POOL_SIZE" envDefault:"8"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"256"`
}

// RetryConfig governs resubscription after transient read failures.
type RetryConfig struct {
	Strategy string        `env:"STRATEGY" envDefault:"fixed"` // fixed or exponential
	Attempts int           `env:"ATTEMPTS" envDefault:"2"`
	Delay    time.Duration `env:"DELAY" envDefault:"3s"` // fixed delay, or first delay when exponential
}

type RestartConfig struct {
	MaxRestarts int           `env:"MAX" envDefault:"10"`
	Delay       time.Duration `env:"DELAY" envDefault:"60s"`
}

// SampleConfig tunes the sampled commit mode. With DiscardCommit a record
// evicted from a full buffer is committed on its own instead of dropped.
type SampleConfig struct {
	Interval      time.Duration `env:"INTERVAL" envDefault:"250ms"`
	Capacity      int           `env:"CAPACITY" envDefault:"256"`
	DiscardCommit bool          `env:"DISCARD_COMMIT" envDefault:"true"`
}

type ProduceConfig struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"100ms"`
	MaxEvents int           `env:"MAX_EVENTS" envDefault:"1000000"`
}

// MetricsConfig holds the metrics server address and the constant labels
// used to tell instances apart.
type MetricsConfig struct {
	Host          string `env:"METRICS_HOST" envDefault:""`
	Port          int    `env:"METRICS_PORT" envDefault:"9090"`
	Environment   string `env:"ENVIRONMENT" envDefault:""`
	Region        string `env:"REGION" envDefault:""`
	CloudProvider string `env:"CLOUD_PROVIDER" envDefault:""`
}

// Addr returns the metrics listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Load reads the configuration from the environment. When envFile is set it
// is loaded first; variables already present in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	return &cfg, nil
}

// PipelineMode returns the parsed operating mode.
func (c *Config) PipelineMode() (pipeline.Mode, error) {
	return pipeline.ParseMode(c.Mode)
}

// Validate checks every setting that can be checked without a broker.
func (c *Config) Validate() error {
	var errs []error
	mode, err := c.PipelineMode()
	if err != nil {
		errs = append(errs, err)
	}
	if c.TopicA == "" {
		errs = append(errs, errors.New("topic A cannot be empty"))
	}
	if c.TopicB == "" {
		errs = append(errs, errors.New("topic B cannot be empty"))
	}
	if c.TopicA != "" && c.TopicA == c.TopicB && mode.Pipes() {
		errs = append(errs, fmt.Errorf("pipe modes need distinct topics, both are %q", c.TopicA))
	}
	if c.ProcessingDelay < 0 {
		errs = append(errs, fmt.Errorf("processing time must be >= 0, got %s", c.ProcessingDelay))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	if c.LaneBuffer < 0 {
		errs = append(errs, fmt.Errorf("lane buffer must be >= 0, got %d", c.LaneBuffer))
	}
	if c.ReducedGroupBy < 0 {
		errs = append(errs, fmt.Errorf("reduced group-by must be >= 0, got %d", c.ReducedGroupBy))
	}
	if c.ReducedGroupBy > 0 && err == nil && !mode.Partitioned() {
		errs = append(errs, fmt.Errorf("reduced group-by is not supported in mode %s", mode))
	}
	if c.EnsureTopics {
		if c.Partitions < 1 {
			errs = append(errs, fmt.Errorf("topic partitions must be >= 1, got %d", c.Partitions))
		}
		if c.Replication < 1 {
			errs = append(errs, fmt.Errorf("topic replication must be >= 1, got %d", c.Replication))
		}
	}
	if _, err := c.SchedulerConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Restart.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max restarts must be >= 0, got %d", c.Restart.MaxRestarts))
	}
	if c.Restart.Delay < 0 {
		errs = append(errs, fmt.Errorf("restart delay must be >= 0, got %s", c.Restart.Delay))
	}
	if c.Sample.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sample interval must be > 0, got %s", c.Sample.Interval))
	}
	if c.Sample.Capacity < 1 {
		errs = append(errs, fmt.Errorf("sample capacity must be >= 1, got %d", c.Sample.Capacity))
	}
	if c.Produce.Interval < 0 {
		errs = append(errs, fmt.Errorf("produce interval must be >= 0, got %s", c.Produce.Interval))
	}
	if c.Produce.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("produce max events must be >= 0, got %d", c.Produce.MaxEvents))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics port out of range: %d", c.Metrics.Port))
	}
	if err := c.KafkaConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	return errors.Join(errs...)
}

// ValidateGroupBy checks the reduced group-by against the partition count of
// the input topic, which is only known once connected.
func (c *Config) ValidateGroupBy(partitionCount int) error {
	if c.ReducedGroupBy == 0 {
		return nil
	}
	if c.ReducedGroupBy > partitionCount {
		return fmt.Errorf("reduced group-by must be in [1, %d], got %d", partitionCount, c.ReducedGroupBy)
	}
	return nil
}

// KafkaConfig returns the client config with defaults applied and the
// instance index appended to the client id.
func (c *Config) KafkaConfig() kafka.ClientConfig {
	k := c.Kafka.WithDefaults()
	k.ClientID = utils.InstanceClientID(k.ClientID)
	return k
}

// SchedulerConfig returns the validated scheduler settings.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	kind, err := scheduler.ParseKind(c.Scheduler.Kind)
	if err != nil {
		return scheduler.Config{}, err
	}
	cfg := scheduler.Config{
		Kind:      kind,
		PoolSize:  c.Scheduler.PoolSize,
		QueueSize: c.Scheduler.QueueSize,
	}
	if err := cfg.Validate(); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler: %w", err)
	}
	return cfg, nil
}

// RetryPolicy returns the inbound retry policy.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	var p retry.Policy
	switch c.Retry.Strategy {
	case RetryFixed:
		p = retry.Fixed(c.Retry.Attempts, c.Retry.Delay)
	case RetryExponential:
		p = retry.Exponential(c.Retry.Attempts, c.Retry.Delay)
	default:
		return retry.Policy{}, fmt.Errorf("unknown retry strategy %q, expected %s or %s", c.Retry.Strategy, RetryFixed, RetryExponential)
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, fmt.Errorf("retry: %w", err)
	}
	return p, nil
}

// InputTopic is the topic the configured mode reads.
func (c *Config) InputTopic() string {
	mode, _ := c.PipelineMode()
	if mode.Pipes() {
		return c.TopicA
	}
	return c.TopicB
}

// PipelineOptions maps the configuration onto the options of a consuming or
// piping pipeline.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	mode, err := c.PipelineMode()
	if err != nil {
		return pipeline.Options{}, err
	}
	policy, err := c.RetryPolicy()
	if err != nil {
		return pipeline.Options{}, err
	}

	laneBuffer := c.LaneBuffer
	opts := pipeline.Options{
		Mode:            mode,
		InputTopic:      c.InputTopic(),
		Concurrency:     c.Concurrency,
		ProcessingDelay: c.ProcessingDelay,
		ReducedGroupBy:  c.ReducedGroupBy,
		LaneBuffer:      &laneBuffer,
		SampleInterval:  c.Sample.Interval,
		SampleCapacity:  c.Sample.Capacity,
		DiscardCommit:   c.Sample.DiscardCommit,
		Retry:           policy,
	}
	if mode.Pipes() {
		opts.OutputTopic = c.TopicB
	}
	return opts, nil
}

// Topics returns the topics to ensure for the configured mode.
func (c *Config) Topics() []kafka.TopicConfig {
	mode, _ := c.PipelineMode()
	var names []string
	switch {
	case mode.Produces():
		names = []string{c.TopicA}
	case mode.Pipes():
		names = []string{c.TopicA, c.TopicB}
	default:
		names = []string{c.TopicB}
	}

	topics := make([]kafka.TopicConfig, len(names))
	for i, name := range names {
		topics[i] = kafka.TopicConfig{
			Name:              name,
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.Replication,
		}
	}
	return topics
}

// MetricsLabels returns the constant labels for this instance.
func (c *Config) MetricsLabels(instance string) metrics.Labels {
	return metrics.Labels{
		Mode:          c.Mode,
		Instance:      instance,
		Environment:   c.Metrics.Environment,
		Region:        c.Metrics.Region,
		CloudProvider: c.Metrics.CloudProvider,
	}
}
