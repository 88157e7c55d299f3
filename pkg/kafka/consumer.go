package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const committedQueryTimeout = 5 * time.Second

// ConfluentClient implements Client and Admin on top of librdkafka.
//
// Each Subscribe call creates a fresh consumer that lives as long as the
// returned stream. Offsets are committed manually, one record at a time,
// through an OffsetLedger.
type ConfluentClient struct {
	cfg      ClientConfig
	log      *zap.SugaredLogger
	ledger   *OffsetLedger
	producer *Producer
	cancel   context.CancelFunc

	consumerMu sync.RWMutex
	consumer   *cKafka.Consumer

	adminOnce sync.Once
	admin     *cKafka.AdminClient
	adminErr  error
}

// NewConfluentClient creates a client. The producer is created eagerly so
// configuration errors surface here rather than on first publish.
func NewConfluentClient(ctx context.Context, cfg ClientConfig, log *zap.SugaredLogger) (*ConfluentClient, error) {
	cfg = cfg.WithDefaults()

	producerConfig := cKafka.ConfigMap{
		"bootstrap.servers":      cfg.BootstrapServers,
		"client.id":              cfg.ClientID,
		"acks":                   "all",
		"enable.idempotence":     true,
		"linger.ms":              5,
		"go.logs.channel.enable": cfg.EnableLogs,
	}
	cfg.SASL.ApplyToConfigMap(&producerConfig)

	ctx, cancel := context.WithCancel(ctx)
	producer, err := NewProducer(ctx, &producerConfig, log)
	if err != nil {
		cancel()
		return nil, err
	}

	return &ConfluentClient{
		cfg:      cfg,
		log:      log,
		ledger:   NewOffsetLedger(log),
		producer: producer,
		cancel:   cancel,
	}, nil
}

func (c *ConfluentClient) consumerConfig() *cKafka.ConfigMap {
	cm := cKafka.ConfigMap{
		"bootstrap.servers":             c.cfg.BootstrapServers,
		"group.id":                      c.cfg.GroupID,
		"client.id":                     c.cfg.ClientID,
		"auto.offset.reset":             c.cfg.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(c.cfg.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(c.cfg.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        c.cfg.EnableLogs,
	}
	c.cfg.SASL.ApplyToConfigMap(&cm)
	return &cm
}

// Subscribe starts a consumer for topics. Only one subscription may be
// active at a time.
func (c *ConfluentClient) Subscribe(ctx context.Context, topics []string) (Stream, error) {
	consumer, err := cKafka.NewConsumer(c.consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	c.consumerMu.Lock()
	if c.consumer != nil {
		c.consumerMu.Unlock()
		consumer.Close() //nolint:errcheck // never subscribed
		return nil, errors.New("consumer already subscribed")
	}
	c.consumer = consumer
	c.consumerMu.Unlock()

	return NewStream(ctx, DefaultStreamBuffer, func(ctx context.Context, w *StreamWriter) error {
		defer c.release(consumer)

		logsDone := make(chan struct{})
		if c.cfg.EnableLogs {
			go func() {
				defer close(logsDone)
				drainClientLogs(ctx, ctx.Done(), consumer.Logs(), c.log, "consumer")
			}()
		} else {
			close(logsDone)
		}
		defer func() { <-logsDone }()

		if err := consumer.SubscribeTopics(topics, c.rebalanceCallback(ctx, w)); err != nil {
			return fmt.Errorf("failed to subscribe to topics: %w", err)
		}
		c.log.Infow("subscribed", "topics", topics, "groupID", c.cfg.GroupID)

		return c.poll(ctx, consumer, w)
	}), nil
}

func (c *ConfluentClient) poll(ctx context.Context, consumer *cKafka.Consumer, w *StreamWriter) error {
	pollMs := int(c.cfg.PollInterval.Milliseconds())
	for {
		if ctx.Err() != nil {
			return nil
		}

		switch e := consumer.Poll(pollMs).(type) {
		case nil:
		case *cKafka.Message:
			if e.TopicPartition.Error != nil {
				c.log.Warnw("message error", "topicPartition", e.TopicPartition, "error", e.TopicPartition.Error)
				continue
			}
			if !w.Emit(ctx, inboundFromMessage(e)) {
				return nil
			}
		case cKafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("fatal kafka error: %w", e)
			}
			if e.Code() == cKafka.ErrAllBrokersDown {
				return Retryable(fmt.Errorf("all brokers down: %w", e))
			}
			c.log.Warnw("kafka error (non-fatal)", "code", fmt.Sprintf("%#x", e.Code()), "error", e)
		default:
			c.log.Debugw("ignoring kafka event", "event", e)
		}
	}
}

// rebalanceCallback keeps the ledger in step with the assignment and tells
// the stream reader which partitions went away.
func (c *ConfluentClient) rebalanceCallback(ctx context.Context, w *StreamWriter) cKafka.RebalanceCb {
	return func(kc *cKafka.Consumer, event cKafka.Event) error {
		switch ev := event.(type) {
		case cKafka.AssignedPartitions:
			c.log.Infow("partitions assigned",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			// Assignment events carry kafka.OffsetInvalid, so the stored
			// positions are asked for explicitly.
			committed, err := kc.Committed(ev.Partitions, int(committedQueryTimeout.Milliseconds()))
			if err != nil {
				return fmt.Errorf("failed to get committed offsets: %w", err)
			}
			positions := make(map[PartitionKey]int64, len(committed))
			for _, tp := range committed {
				positions[partitionKey(tp)] = int64(tp.Offset)
			}
			c.ledger.Assign(positions)

		case cKafka.RevokedPartitions:
			c.log.Infow("partitions revoked",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			if kc.AssignmentLost() {
				c.log.Warn("assignment lost involuntarily, commits for revoked partitions will be dropped")
			}
			keys := make([]PartitionKey, len(ev.Partitions))
			for i, tp := range ev.Partitions {
				keys[i] = partitionKey(tp)
			}
			c.ledger.Revoke(keys)
			w.Revoke(ctx, keys)

		default:
			c.log.Warnw("unexpected rebalance event", "event", event)
		}
		return nil
	}
}

// release detaches and closes consumer once in-flight commits are done.
func (c *ConfluentClient) release(consumer *cKafka.Consumer) {
	c.consumerMu.Lock()
	if c.consumer == consumer {
		c.consumer = nil
	}
	c.consumerMu.Unlock()

	if err := consumer.Close(); err != nil {
		c.log.Errorw("failed to close consumer", "error", err)
		return
	}
	c.log.Info("consumer closed")
}

// Acknowledge commits rec's offset+1 unless the partition is already past it.
func (c *ConfluentClient) Acknowledge(ctx context.Context, rec InboundRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.consumerMu.RLock()
	defer c.consumerMu.RUnlock()
	if c.consumer == nil {
		return errors.New("no active subscription")
	}

	_, err := c.ledger.Commit(rec, func(next int64) error {
		topic := rec.Topic
		_, err := c.consumer.CommitOffsets([]cKafka.TopicPartition{{
			Topic:     &topic,
			Partition: rec.Partition,
			Offset:    cKafka.Offset(next),
		}})
		return err
	})
	if err != nil {
		return fmt.Errorf("commit %s@%d: %w", rec.PartitionKey(), rec.Offset, err)
	}
	return nil
}

// Publish produces rec synchronously.
func (c *ConfluentClient) Publish(ctx context.Context, rec OutboundRecord) (PublishAck, error) {
	return c.producer.Produce(ctx, rec)
}

// ProducerErrors exposes fatal producer failures.
func (c *ConfluentClient) ProducerErrors() <-chan error {
	return c.producer.Errors()
}

// Close flushes the producer and releases the admin client. Active streams
// must be closed first.
func (c *ConfluentClient) Close() error {
	if c.admin != nil {
		c.admin.Close()
	}
	c.producer.Close(c.cfg.FlushTimeout)
	c.cancel()
	return nil
}

func (c *ConfluentClient) adminClient() (*cKafka.AdminClient, error) {
	c.adminOnce.Do(func() {
		c.admin, c.adminErr = cKafka.NewAdminClientFromProducer(c.producer.producer)
		if c.adminErr != nil {
			c.adminErr = fmt.Errorf("failed to create kafka admin client: %w", c.adminErr)
		}
	})
	return c.admin, c.adminErr
}

// EnsureTopic creates or grows the topic described by cfg.
func (c *ConfluentClient) EnsureTopic(ctx context.Context, cfg TopicConfig) error {
	admin, err := c.adminClient()
	if err != nil {
		return err
	}
	return EnsureTopic(ctx, admin, cfg, c.log)
}

// PartitionCount returns the number of partitions of topic.
func (c *ConfluentClient) PartitionCount(_ context.Context, topic string) (int, error) {
	admin, err := c.adminClient()
	if err != nil {
		return 0, err
	}
	md, err := TopicExists(admin, topic)
	if err != nil {
		return 0, err
	}
	if md == nil {
		return 0, fmt.Errorf("topic %q does not exist", topic)
	}
	return len(md.Partitions), nil
}

func partitionKey(tp cKafka.TopicPartition) PartitionKey {
	var topic string
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	return PartitionKey{Topic: topic, Partition: tp.Partition}
}

func inboundFromMessage(m *cKafka.Message) InboundRecord {
	key := partitionKey(m.TopicPartition)
	return InboundRecord{
		Topic:      key.Topic,
		Partition:  key.Partition,
		Offset:     int64(m.TopicPartition.Offset),
		Key:        m.Key,
		Value:      m.Value,
		ReceivedAt: time.Now(),
	}
}
