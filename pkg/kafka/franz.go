package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"
)

// FranzClient implements Client and Admin with franz-go. It needs no cgo,
// which makes it the driver used against in-process test clusters.
type FranzClient struct {
	cfg      ClientConfig
	log      *zap.SugaredLogger
	opts     []kgo.Opt
	ledger   *OffsetLedger
	producer *kgo.Client
	admin    *kadm.Client

	consumerMu sync.RWMutex
	consumer   *kgo.Client
}

// NewFranzClient creates a client and its producing connection.
func NewFranzClient(cfg ClientConfig, log *zap.SugaredLogger) (*FranzClient, error) {
	cfg = cfg.WithDefaults()

	logLevel := kgo.LogLevelWarn
	if cfg.EnableLogs {
		logLevel = kgo.LogLevelInfo
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers()...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithLogger(kzap.New(log.Desugar(), kzap.Level(logLevel))),
	}
	saslOpts, err := franzSASL(cfg.SASL)
	if err != nil {
		return nil, err
	}
	opts = append(opts, saslOpts...)

	producer, err := kgo.NewClient(append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &FranzClient{
		cfg:      cfg,
		log:      log,
		opts:     opts,
		ledger:   NewOffsetLedger(log),
		producer: producer,
		admin:    kadm.NewClient(producer),
	}, nil
}

func franzSASL(s SASLConfig) ([]kgo.Opt, error) {
	if !s.Enabled() {
		return nil, nil
	}

	var opts []kgo.Opt
	switch s.Mechanism {
	case "PLAIN":
		opts = append(opts, kgo.SASL(plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism()))
	case "SCRAM-SHA-256":
		opts = append(opts, kgo.SASL(scram.Auth{User: s.Username, Pass: s.Password}.AsSha256Mechanism()))
	case "SCRAM-SHA-512":
		opts = append(opts, kgo.SASL(scram.Auth{User: s.Username, Pass: s.Password}.AsSha512Mechanism()))
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
	if s.SecurityProtocol == "SASL_SSL" {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	return opts, nil
}

// Subscribe joins the consumer group for topics. Only one subscription may
// be active at a time.
func (c *FranzClient) Subscribe(ctx context.Context, topics []string) (Stream, error) {
	resetOffset := kgo.NewOffset().AtStart()
	if c.cfg.AutoOffsetReset == "latest" {
		resetOffset = kgo.NewOffset().AtEnd()
	}

	// Group callbacks may fire before the stream loop starts. No record has
	// been emitted by then, so a nil writer only skips the lane notice.
	var writer atomic.Pointer[StreamWriter]
	streamCtx, cancelStream := context.WithCancel(ctx)

	opts := append(append([]kgo.Opt{}, c.opts...),
		kgo.ConsumerGroup(c.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.SessionTimeout(c.cfg.SessionTimeout),
		kgo.RebalanceTimeout(c.cfg.MaxPollInterval),
		kgo.OnPartitionsAssigned(func(actx context.Context, cl *kgo.Client, assigned map[string][]int32) {
			c.onAssigned(actx, cl, assigned)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.onRevoked(streamCtx, writer.Load(), revoked, false)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			c.onRevoked(streamCtx, writer.Load(), lost, true)
		}),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		cancelStream()
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	c.consumerMu.Lock()
	if c.consumer != nil {
		c.consumerMu.Unlock()
		cl.Close()
		cancelStream()
		return nil, errors.New("consumer already subscribed")
	}
	c.consumer = cl
	c.consumerMu.Unlock()

	return NewStream(streamCtx, DefaultStreamBuffer, func(ctx context.Context, w *StreamWriter) error {
		writer.Store(w)
		defer cancelStream()
		defer c.release(cl)
		c.log.Infow("subscribed", "topics", topics, "groupID", c.cfg.GroupID)
		return c.poll(ctx, cl, w)
	}), nil
}

func (c *FranzClient) poll(ctx context.Context, cl *kgo.Client, w *StreamWriter) error {
	for {
		fetches := cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		var fatal error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			var ke *kerr.Error
			if errors.As(err, &ke) && !ke.Retriable && fatal == nil {
				fatal = fmt.Errorf("fetch %s[%d]: %w", topic, partition, err)
				return
			}
			c.log.Warnw("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		if fatal != nil {
			return fatal
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			if !w.Emit(ctx, inboundFromRecord(iter.Next())) {
				return nil
			}
		}
	}
}

func (c *FranzClient) onAssigned(ctx context.Context, cl *kgo.Client, assigned map[string][]int32) {
	c.log.Infow("partitions assigned", "partitions", assigned)

	positions := make(map[PartitionKey]int64)
	for topic, partitions := range assigned {
		for _, p := range partitions {
			positions[PartitionKey{Topic: topic, Partition: p}] = -1
		}
	}

	offsets, err := kadm.NewClient(cl).FetchOffsets(ctx, c.cfg.GroupID)
	if err != nil {
		c.log.Warnw("failed to fetch committed offsets, positions start unknown", "error", err)
	} else {
		for key := range positions {
			if o, ok := offsets.Lookup(key.Topic, key.Partition); ok && o.Err == nil {
				positions[key] = o.At
			}
		}
	}
	c.ledger.Assign(positions)
}

func (c *FranzClient) onRevoked(ctx context.Context, w *StreamWriter, revoked map[string][]int32, lost bool) {
	if lost {
		c.log.Warnw("partitions lost", "partitions", revoked)
	} else {
		c.log.Infow("partitions revoked", "partitions", revoked)
	}

	var keys []PartitionKey
	for topic, partitions := range revoked {
		for _, p := range partitions {
			keys = append(keys, PartitionKey{Topic: topic, Partition: p})
		}
	}
	c.ledger.Revoke(keys)
	if w != nil {
		w.Revoke(ctx, keys)
	}
}

func (c *FranzClient) release(cl *kgo.Client) {
	c.consumerMu.Lock()
	if c.consumer == cl {
		c.consumer = nil
	}
	c.consumerMu.Unlock()
	cl.Close()
	c.log.Info("consumer closed")
}

// Acknowledge commits rec's offset+1 unless the partition is already past it.
func (c *FranzClient) Acknowledge(ctx context.Context, rec InboundRecord) error {
	c.consumerMu.RLock()
	defer c.consumerMu.RUnlock()
	if c.consumer == nil {
		return errors.New("no active subscription")
	}

	_, err := c.ledger.Commit(rec, func(next int64) error {
		return c.consumer.CommitRecords(ctx, &kgo.Record{
			Topic:       rec.Topic,
			Partition:   rec.Partition,
			Offset:      next - 1,
			LeaderEpoch: -1,
		})
	})
	if err != nil {
		return fmt.Errorf("commit %s@%d: %w", rec.PartitionKey(), rec.Offset, err)
	}
	return nil
}

// Publish produces rec and waits for the broker acknowledgement.
func (c *FranzClient) Publish(ctx context.Context, rec OutboundRecord) (PublishAck, error) {
	r, err := c.producer.ProduceSync(ctx, &kgo.Record{
		Topic: rec.Topic,
		Key:   rec.Key,
		Value: rec.Value,
	}).First()
	if err != nil {
		return PublishAck{}, fmt.Errorf("failed to produce: %w", err)
	}
	return PublishAck{
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		Correlation: rec.Correlation,
	}, nil
}

// Close flushes and closes the producing connection.
func (c *FranzClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
	defer cancel()
	if err := c.producer.Flush(ctx); err != nil {
		c.log.Warnw("flush incomplete, messages may be lost", "error", err)
	}
	c.producer.Close()
	return nil
}

// EnsureTopic creates or grows the topic described by cfg.
func (c *FranzClient) EnsureTopic(ctx context.Context, cfg TopicConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	details, err := c.admin.ListTopics(ctx, cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to get metadata for topic %q: %w", cfg.Name, err)
	}

	d, ok := details[cfg.Name]
	if !ok || errors.Is(d.Err, kerr.UnknownTopicOrPartition) {
		resps, err := c.admin.CreateTopics(ctx, int32(cfg.NumPartitions), int16(cfg.ReplicationFactor), nil, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %q: %w", cfg.Name, err)
		}
		for _, r := range resps {
			if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
				return fmt.Errorf("failed to create topic %q: %w", r.Topic, r.Err)
			}
		}
		c.log.Infow("created topic",
			"topic", cfg.Name,
			"partitions", cfg.NumPartitions,
			"replicationFactor", cfg.ReplicationFactor,
		)
		return nil
	}
	if d.Err != nil {
		return fmt.Errorf("topic %q has error: %w", cfg.Name, d.Err)
	}

	current := len(d.Partitions)
	c.log.Infow("topic exists", "topic", cfg.Name, "partitions", current)
	switch {
	case current < cfg.NumPartitions:
		resps, err := c.admin.UpdatePartitions(ctx, cfg.NumPartitions, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", cfg.Name, err)
		}
		for _, r := range resps {
			if r.Err != nil {
				return fmt.Errorf("failed to increase partitions for topic %q: %w", r.Topic, r.Err)
			}
		}
		c.log.Infow("increased partitions", "topic", cfg.Name, "partitions", cfg.NumPartitions)
	case current > cfg.NumPartitions:
		c.log.Warnw("topic has more partitions than configured, keeping current count",
			"topic", cfg.Name,
			"current", current,
			"desired", cfg.NumPartitions,
		)
	}
	return nil
}

// PartitionCount returns the number of partitions of topic.
func (c *FranzClient) PartitionCount(ctx context.Context, topic string) (int, error) {
	details, err := c.admin.ListTopics(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to get metadata for topic %q: %w", topic, err)
	}
	d, ok := details[topic]
	if !ok {
		return 0, fmt.Errorf("topic %q does not exist", topic)
	}
	if d.Err != nil {
		return 0, fmt.Errorf("topic %q has error: %w", topic, d.Err)
	}
	return len(d.Partitions), nil
}

func inboundFromRecord(r *kgo.Record) InboundRecord {
	receivedAt := r.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return InboundRecord{
		Topic:      r.Topic,
		Partition:  r.Partition,
		Offset:     r.Offset,
		Key:        r.Key,
		Value:      r.Value,
		ReceivedAt: receivedAt,
	}
}
