package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
)

// DefaultLaneBuffer is the number of records queued ahead of a lane. The
// queue is read-ahead only: a lane takes records from it in stream order, so
// its size affects how far the reader can run ahead of a slow lane, never
// the order or the commit position. Zero hands records over one at a time.
const DefaultLaneBuffer = 32

// GroupFunc maps the partition a record came from to the lane that
// processes it. Records of one partition must always map to the same lane.
type GroupFunc func(kafka.PartitionKey) kafka.PartitionKey

// ByPartition gives every partition its own lane.
func ByPartition(k kafka.PartitionKey) kafka.PartitionKey {
	return k
}

// SingleLane sends every record through one lane.
func SingleLane(kafka.PartitionKey) kafka.PartitionKey {
	return kafka.PartitionKey{}
}

// ReducedByModulo folds the partitions of each topic onto n lanes.
func ReducedByModulo(n int) GroupFunc {
	return func(k kafka.PartitionKey) kafka.PartitionKey {
		return kafka.PartitionKey{Topic: k.Topic, Partition: k.Partition % int32(n)}
	}
}

// LaneFunc consumes the records of one lane until in is closed or ctx ends.
type LaneFunc func(ctx context.Context, lane kafka.PartitionKey, in <-chan kafka.InboundRecord) error

// Demultiplexer splits a stream into lanes. A lane is started the first time
// one of its records arrives and is stopped when its partition is revoked.
// Within a lane records keep stream order.
type Demultiplexer struct {
	group      GroupFunc
	revocable  bool
	laneBuffer int
	runLane    LaneFunc
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

// NewDemultiplexer creates a demultiplexer. Lanes are stopped on revocation
// only when revocable is set, which is only safe when every lane maps to
// exactly one partition.
func NewDemultiplexer(
	group GroupFunc,
	revocable bool,
	runLane LaneFunc,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Demultiplexer {
	return &Demultiplexer{
		group:      group,
		revocable:  revocable,
		laneBuffer: DefaultLaneBuffer,
		runLane:    runLane,
		log:        log,
		metrics:    m,
	}
}

// WithLaneBuffer sets how many records may queue ahead of each lane. A
// negative n keeps the current size.
func (d *Demultiplexer) WithLaneBuffer(n int) *Demultiplexer {
	if n >= 0 {
		d.laneBuffer = n
	}
	return d
}

type lane struct {
	in     chan kafka.InboundRecord
	cancel context.CancelFunc
}

// Run routes stream into lanes until the stream ends, a lane fails or ctx
// ends. When the stream ends cleanly every lane drains before Run returns.
// A stream error cancels all lanes and is returned.
func (d *Demultiplexer) Run(ctx context.Context, stream kafka.Stream) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(ctx)

	lanes := make(map[kafka.PartitionKey]*lane)
	stopAll := func() {
		for key, l := range lanes {
			close(l.in)
			delete(lanes, key)
		}
		d.metrics.SetActiveLanes(0)
	}

	streamErr := d.route(gctx, stream, g, lanes)
	if streamErr != nil {
		cancel(streamErr)
	}
	stopAll()

	if err := g.Wait(); err != nil && streamErr == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return streamErr
}

func (d *Demultiplexer) route(
	ctx context.Context,
	stream kafka.Stream,
	g *errgroup.Group,
	lanes map[kafka.PartitionKey]*lane,
) error {
	records := stream.Records()
	revoked := stream.Revoked()
	for {
		select {
		case <-ctx.Done():
			return nil

		case keys := <-revoked:
			d.revoke(keys, lanes)

		case rec, ok := <-records:
			if !ok {
				if err := stream.Err(); err != nil {
					d.log.Errorw("inbound stream failed", "error", err)
					return fmt.Errorf("inbound stream: %w", err)
				}
				d.log.Info("inbound stream ended")
				return nil
			}

			d.metrics.RecordReceived(rec.Topic, rec.Partition)
			d.log.Debugw("received",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"key", string(rec.Key),
			)

			key := d.group(rec.PartitionKey())
			l, ok := lanes[key]
			if !ok {
				l = d.startLane(ctx, g, key)
				lanes[key] = l
				d.metrics.SetActiveLanes(len(lanes))
			}

			select {
			case l.in <- rec:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (d *Demultiplexer) startLane(ctx context.Context, g *errgroup.Group, key kafka.PartitionKey) *lane {
	laneCtx, cancel := context.WithCancel(ctx)
	l := &lane{
		in:     make(chan kafka.InboundRecord, d.laneBuffer),
		cancel: cancel,
	}

	g.Go(func() error {
		defer cancel()
		err := d.runLane(laneCtx, key, l.in)
		// A revoked lane is canceled on its own; that is not a failure.
		if err != nil && laneCtx.Err() != nil && ctx.Err() == nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lane %s: %w", key, err)
		}
		return nil
	})

	d.log.Infow("lane started", "lane", key.String())
	return l
}

func (d *Demultiplexer) revoke(keys []kafka.PartitionKey, lanes map[kafka.PartitionKey]*lane) {
	if !d.revocable {
		d.log.Infow("partitions revoked, lanes kept", "partitions", keys)
		return
	}

	stopped := 0
	for _, key := range keys {
		laneKey := d.group(key)
		l, ok := lanes[laneKey]
		if !ok {
			continue
		}
		l.cancel()
		close(l.in)
		delete(lanes, laneKey)
		stopped++
		d.log.Infow("lane stopped, partition revoked", "lane", laneKey.String())
	}
	d.metrics.AddLaneRevocations(stopped)
	d.metrics.SetActiveLanes(len(lanes))
}
