package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/stream"
	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka/processor"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
	"github.com/ava-labs/kafka-pipeline/pkg/scheduler"
)

// Sink receives the processed records of one lane, in arrival order.
type Sink func(ctx context.Context, rec ProcessedRecord) error

// Reporter receives per-record failures.
type Reporter func(ctx context.Context, err *RecordError)

// PartitionProcessor runs the transform for the records of a lane. Up to
// concurrency records are in flight at once; results, failed ones included,
// are handed to the sink in arrival order regardless of completion order.
type PartitionProcessor struct {
	transform   processor.Processor
	executor    scheduler.Executor
	concurrency int
	delay       time.Duration
	sink        Sink
	report      Reporter
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
}

// NewPartitionProcessor creates a processor. delay is waited before each
// transform, outside the executor.
func NewPartitionProcessor(
	transform processor.Processor,
	executor scheduler.Executor,
	concurrency int,
	delay time.Duration,
	sink Sink,
	report Reporter,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *PartitionProcessor {
	return &PartitionProcessor{
		transform:   transform,
		executor:    executor,
		concurrency: max(concurrency, 1),
		delay:       delay,
		sink:        sink,
		report:      report,
		log:         log,
		metrics:     m,
	}
}

// Run is a LaneFunc. It returns when in is closed and all started records
// have been handed on, or when ctx ends.
func (p *PartitionProcessor) Run(ctx context.Context, lane kafka.PartitionKey, in <-chan kafka.InboundRecord) error {
	s := stream.New().WithMaxGoroutines(p.concurrency)

	// Callbacks run one at a time, so sinkErr needs no lock.
	var sinkErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case rec, ok := <-in:
			if !ok {
				break loop
			}
			s.Go(func() stream.Callback {
				value, err := p.process(ctx, rec)
				return func() {
					if sinkErr != nil || ctx.Err() != nil {
						return
					}
					out := ProcessedRecord{Record: rec, Value: value}
					if err != nil {
						out = ProcessedRecord{Record: rec, Err: p.fail(ctx, rec, err)}
					} else {
						p.log.Debugw("processed",
							"lane", lane.String(),
							"topic", rec.Topic,
							"partition", rec.Partition,
							"offset", rec.Offset,
						)
					}
					if err := p.sink(ctx, out); err != nil {
						sinkErr = err
					}
				}
			})
		}
	}
	s.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return sinkErr
}

func (p *PartitionProcessor) process(ctx context.Context, rec kafka.InboundRecord) ([]byte, error) {
	p.metrics.IncInFlight()
	defer p.metrics.DecInFlight()
	start := time.Now()

	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	value, err := scheduler.Call(ctx, p.executor, func() ([]byte, error) {
		return p.transform.Process(ctx, rec)
	})
	p.metrics.RecordProcessed(err, time.Since(start).Seconds())
	return value, err
}

// fail reports rec. The failure is also handed to the sink so the commit
// path holds the partition at rec.
func (p *PartitionProcessor) fail(ctx context.Context, rec kafka.InboundRecord, err error) *RecordError {
	stage := StageProcess
	if errors.Is(err, scheduler.ErrClosed) {
		stage = StageSubmit
	}
	e := &RecordError{Stage: stage, Record: rec, Err: err}
	p.report(ctx, e)
	return e
}
