package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// metadataTimeout is the timeout for Kafka metadata operations.
const metadataTimeout = 10 * time.Second

// TopicConfig describes a topic to create or validate.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

// Validate checks if the TopicConfig is valid for topic creation.
func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// TopicExists returns the topic's metadata, or nil if it does not exist.
func TopicExists(admin *cKafka.AdminClient, topicName string) (*cKafka.TopicMetadata, error) {
	metadata, err := admin.GetMetadata(&topicName, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for topic %q: %w", topicName, err)
	}

	topicMetadata, exists := metadata.Topics[topicName]
	if !exists || topicMetadata.Error.Code() == cKafka.ErrUnknownTopicOrPart {
		return nil, nil
	}
	if topicMetadata.Error.Code() != cKafka.ErrNoError {
		return nil, fmt.Errorf("topic %q has error: %w", topicName, topicMetadata.Error)
	}
	return &topicMetadata, nil
}

// EnsureTopic makes sure the topic exists with at least the configured
// partition count.
//
//   - A missing topic is created.
//   - A topic with fewer partitions is grown.
//   - A topic with more partitions, or a different replication factor, is
//     kept as is with a warning; Kafka cannot shrink either.
func EnsureTopic(ctx context.Context, admin *cKafka.AdminClient, cfg TopicConfig, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	md, err := TopicExists(admin, cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to check topic existence: %w", err)
	}
	if md == nil {
		return createTopic(ctx, admin, cfg, log)
	}

	current := len(md.Partitions)
	var currentRF int
	if current > 0 {
		currentRF = len(md.Partitions[0].Replicas)
	}
	log.Infow("topic exists",
		"topic", cfg.Name,
		"partitions", current,
		"replicationFactor", currentRF,
	)

	if currentRF != cfg.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", cfg.Name,
			"current", currentRF,
			"desired", cfg.ReplicationFactor,
		)
	}

	switch {
	case current < cfg.NumPartitions:
		return increasePartitions(ctx, admin, cfg, log)
	case current > cfg.NumPartitions:
		log.Warnw("topic has more partitions than configured, keeping current count",
			"topic", cfg.Name,
			"current", current,
			"desired", cfg.NumPartitions,
		)
	}
	return nil
}

func createTopic(ctx context.Context, admin *cKafka.AdminClient, cfg TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []cKafka.TopicSpecification{{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", cfg.Name, err)
	}

	for _, result := range results {
		switch result.Error.Code() {
		case cKafka.ErrNoError:
			log.Infow("created topic",
				"topic", result.Topic,
				"partitions", cfg.NumPartitions,
				"replicationFactor", cfg.ReplicationFactor,
			)
		case cKafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", result.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", result.Topic, result.Error)
		}
	}
	return nil
}

func increasePartitions(ctx context.Context, admin *cKafka.AdminClient, cfg TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreatePartitions(ctx, []cKafka.PartitionsSpecification{{
		Topic:      cfg.Name,
		IncreaseTo: cfg.NumPartitions,
	}})
	if err != nil {
		return fmt.Errorf("failed to increase partitions for topic %q: %w", cfg.Name, err)
	}

	for _, result := range results {
		if result.Error.Code() != cKafka.ErrNoError {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", result.Topic, result.Error)
		}
		log.Infow("increased partitions", "topic", result.Topic, "partitions", cfg.NumPartitions)
	}
	return nil
}
