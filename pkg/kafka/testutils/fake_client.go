package testutils

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
)

// FakeClient is an in-memory kafka.Client and kafka.Admin. Topics are
// append-only partition logs; a subscription delivers every partition from
// its committed position, alternating between partitions, and keeps
// following new appends. Offsets are tracked through a kafka.OffsetLedger
// exactly like the real drivers do, so a new subscription redelivers
// whatever was not acknowledged.
type FakeClient struct {
	log               *zap.SugaredLogger
	ledger            *kafka.OffsetLedger
	defaultPartitions int

	mu             sync.Mutex
	topics         map[string][][]kafka.InboundRecord
	committed      map[kafka.PartitionKey]int64
	commits        []kafka.InboundRecord
	published      []kafka.OutboundRecord
	changed        chan struct{}
	subs           map[*fakeSubscription]struct{}
	subscriptions  int
	subscribeErrs  []error
	streamFailures []streamFailure
	publishErr     func(kafka.OutboundRecord) error
	ackErr         func(kafka.InboundRecord) error
	nextPartition  int
	closed         bool
}

type streamFailure struct {
	after int
	err   error
}

type fakeSubscription struct {
	ctx    context.Context
	revoke chan []kafka.PartitionKey
}

var _ kafka.AdminClient = (*FakeClient)(nil)

// NewFakeClient creates an empty fake. Topics created implicitly get one partition.
func NewFakeClient(log *zap.SugaredLogger) *FakeClient {
	return &FakeClient{
		log:               log,
		ledger:            kafka.NewOffsetLedger(log),
		defaultPartitions: 1,
		topics:            make(map[string][][]kafka.InboundRecord),
		committed:         make(map[kafka.PartitionKey]int64),
		changed:           make(chan struct{}),
		subs:              make(map[*fakeSubscription]struct{}),
	}
}

// CreateTopic creates topic with the given number of partitions, or grows it.
func (f *FakeClient) CreateTopic(topic string, partitions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.growLocked(topic, partitions)
}

func (f *FakeClient) growLocked(topic string, partitions int) [][]kafka.InboundRecord {
	parts := f.topics[topic]
	for len(parts) < partitions {
		parts = append(parts, nil)
	}
	f.topics[topic] = parts
	return parts
}

// Append writes a record to one partition and returns it with its offset.
func (f *FakeClient) Append(topic string, partition int32, key, value []byte) kafka.InboundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.growLocked(topic, int(partition)+1)
	return f.appendLocked(topic, partition, key, value)
}

func (f *FakeClient) appendLocked(topic string, partition int32, key, value []byte) kafka.InboundRecord {
	parts := f.topics[topic]
	rec := kafka.InboundRecord{
		Topic:      topic,
		Partition:  partition,
		Offset:     int64(len(parts[partition])),
		Key:        slices.Clone(key),
		Value:      slices.Clone(value),
		ReceivedAt: time.Now(),
	}
	parts[partition] = append(parts[partition], rec)

	close(f.changed)
	f.changed = make(chan struct{})
	return rec
}

// FailSubscribe makes the next Subscribe calls return errs, one per call.
func (f *FakeClient) FailSubscribe(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs = append(f.subscribeErrs, errs...)
}

// FailStream makes the next subscription end with err after delivering
// after records.
func (f *FakeClient) FailStream(after int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamFailures = append(f.streamFailures, streamFailure{after: after, err: err})
}

// FailPublish installs fn to decide per record whether Publish fails.
func (f *FakeClient) FailPublish(fn func(kafka.OutboundRecord) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = fn
}

// FailAcknowledge installs fn to decide per record whether the commit fails.
func (f *FakeClient) FailAcknowledge(fn func(kafka.InboundRecord) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackErr = fn
}

// Subscribe starts delivering topics. Unknown topics are created.
func (f *FakeClient) Subscribe(ctx context.Context, topics []string) (kafka.Stream, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("client closed")
	}
	f.subscriptions++
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	var failure *streamFailure
	if len(f.streamFailures) > 0 {
		sf := f.streamFailures[0]
		failure = &sf
		f.streamFailures = f.streamFailures[1:]
	}

	positions := make(map[kafka.PartitionKey]int64)
	var keys []kafka.PartitionKey
	for _, topic := range topics {
		parts := f.topics[topic]
		if parts == nil {
			parts = f.growLocked(topic, f.defaultPartitions)
		}
		for p := range parts {
			key := kafka.PartitionKey{Topic: topic, Partition: int32(p)}
			keys = append(keys, key)
			positions[key] = -1
			if pos, ok := f.committed[key]; ok {
				positions[key] = pos
			}
		}
	}
	f.mu.Unlock()

	f.ledger.Assign(positions)

	cursors := make(map[kafka.PartitionKey]int64, len(positions))
	for key, pos := range positions {
		cursors[key] = max(pos, 0)
	}

	return kafka.NewStream(ctx, kafka.DefaultStreamBuffer, func(ctx context.Context, w *kafka.StreamWriter) error {
		sub := &fakeSubscription{ctx: ctx, revoke: make(chan []kafka.PartitionKey, 1)}
		f.mu.Lock()
		f.subs[sub] = struct{}{}
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			delete(f.subs, sub)
			f.mu.Unlock()
		}()

		revoke := func(revoked []kafka.PartitionKey) bool {
			keys = slices.DeleteFunc(keys, func(k kafka.PartitionKey) bool {
				return slices.Contains(revoked, k)
			})
			return w.Revoke(ctx, revoked)
		}

		emitted := 0
		for {
			if failure != nil && emitted >= failure.after {
				return failure.err
			}

			select {
			case revoked := <-sub.revoke:
				if !revoke(revoked) {
					return ctx.Err()
				}
			default:
			}

			batch, changed := f.pending(keys, cursors)
			if len(batch) == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case revoked := <-sub.revoke:
					if !revoke(revoked) {
						return ctx.Err()
					}
				case <-changed:
				}
				continue
			}

			for _, rec := range batch {
				if failure != nil && emitted >= failure.after {
					return failure.err
				}
				if !w.Emit(ctx, rec) {
					return ctx.Err()
				}
				emitted++
				cursors[rec.PartitionKey()] = rec.Offset + 1
			}
		}
	}), nil
}

// pending returns the next undelivered record of each partition in keys.
func (f *FakeClient) pending(keys []kafka.PartitionKey, cursors map[kafka.PartitionKey]int64) ([]kafka.InboundRecord, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var batch []kafka.InboundRecord
	for _, key := range keys {
		parts := f.topics[key.Topic]
		if int(key.Partition) >= len(parts) {
			continue
		}
		log := parts[key.Partition]
		if cur := cursors[key]; cur < int64(len(log)) {
			batch = append(batch, log[cur])
		}
	}
	return batch, f.changed
}

// Revoke simulates a rebalance taking keys away from active subscriptions.
func (f *FakeClient) Revoke(keys ...kafka.PartitionKey) {
	f.log.Infow("revoking partitions", "partitions", keys)
	f.ledger.Revoke(keys)

	f.mu.Lock()
	subs := make([]*fakeSubscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.revoke <- keys:
		case <-sub.ctx.Done():
		}
	}
}

// Publish appends rec to its topic. Keyed records are partitioned by key
// hash, unkeyed ones round-robin.
func (f *FakeClient) Publish(ctx context.Context, rec kafka.OutboundRecord) (kafka.PublishAck, error) {
	if err := ctx.Err(); err != nil {
		return kafka.PublishAck{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		if err := f.publishErr(rec); err != nil {
			return kafka.PublishAck{}, err
		}
	}

	parts := f.topics[rec.Topic]
	if parts == nil {
		parts = f.growLocked(rec.Topic, f.defaultPartitions)
	}
	var partition int32
	if len(rec.Key) > 0 {
		partition = int32(xxhash.Sum64(rec.Key) % uint64(len(parts)))
	} else {
		partition = int32(f.nextPartition % len(parts))
		f.nextPartition++
	}

	written := f.appendLocked(rec.Topic, partition, rec.Key, rec.Value)
	f.published = append(f.published, rec)
	return kafka.PublishAck{
		Topic:       written.Topic,
		Partition:   written.Partition,
		Offset:      written.Offset,
		Correlation: rec.Correlation,
	}, nil
}

// Acknowledge commits rec's offset+1 through the ledger.
func (f *FakeClient) Acknowledge(ctx context.Context, rec kafka.InboundRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := f.ledger.Commit(rec, func(next int64) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.ackErr != nil {
			if err := f.ackErr(rec); err != nil {
				return err
			}
		}
		f.committed[rec.PartitionKey()] = next
		f.commits = append(f.commits, rec)
		return nil
	})
	return err
}

// Close marks the client closed. Open streams keep running until closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// EnsureTopic creates or grows a topic. Partition counts never shrink.
func (f *FakeClient) EnsureTopic(_ context.Context, cfg kafka.TopicConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.CreateTopic(cfg.Name, cfg.NumPartitions)
	return nil
}

// PartitionCount returns the number of partitions of topic.
func (f *FakeClient) PartitionCount(_ context.Context, topic string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.topics[topic]
	if !ok {
		return 0, errors.New("topic " + topic + " does not exist")
	}
	return len(parts), nil
}

// Subscriptions returns how many times Subscribe was called.
func (f *FakeClient) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions
}

// Commits returns every commit that reached the log, in commit order.
func (f *FakeClient) Commits() []kafka.InboundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.commits)
}

// Committed returns the committed position of key.
func (f *FakeClient) Committed(key kafka.PartitionKey) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.committed[key]
	return pos, ok
}

// Published returns every record passed to a successful Publish, in order.
func (f *FakeClient) Published() []kafka.OutboundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

// PartitionRecords returns the log of one partition.
func (f *FakeClient) PartitionRecords(topic string, partition int32) []kafka.InboundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.topics[topic]
	if int(partition) >= len(parts) {
		return nil
	}
	return slices.Clone(parts[partition])
}
