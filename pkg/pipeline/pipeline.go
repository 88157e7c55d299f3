package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka/processor"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
	"github.com/ava-labs/kafka-pipeline/pkg/retry"
	"github.com/ava-labs/kafka-pipeline/pkg/scheduler"
)

const errorBuffer = 64

// Options configures a consuming or piping pipeline.
type Options struct {
	Mode        Mode
	InputTopic  string
	OutputTopic string // pipe modes only

	// Concurrency is the number of records in flight per lane. The
	// PipeReceiveSend mode always uses 1.
	Concurrency     int
	ProcessingDelay time.Duration
	// ReducedGroupBy, when positive, folds partitions onto that many lanes.
	// Partitioned modes only.
	ReducedGroupBy int
	// LaneBuffer is the read-ahead queued in front of each lane; nil uses
	// DefaultLaneBuffer.
	LaneBuffer *int

	SampleInterval time.Duration
	SampleCapacity int
	DiscardCommit  bool

	// Retry governs resubscription after retryable read failures.
	Retry retry.Policy

	// OnError, if set, is called for every per-record failure.
	OnError func(*RecordError)
}

// Validate checks the options are consistent with the mode.
func (o Options) Validate() error {
	var errs []error
	if o.Mode.Produces() {
		errs = append(errs, fmt.Errorf("mode %s does not consume", o.Mode))
	} else if _, err := ParseMode(string(o.Mode)); err != nil {
		errs = append(errs, err)
	}
	if o.InputTopic == "" {
		errs = append(errs, errors.New("input topic cannot be empty"))
	}
	if o.Mode.Pipes() && o.OutputTopic == "" {
		errs = append(errs, errors.New("output topic cannot be empty in pipe modes"))
	}
	if o.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", o.Concurrency))
	}
	if o.ProcessingDelay < 0 {
		errs = append(errs, fmt.Errorf("processing delay must be >= 0, got %s", o.ProcessingDelay))
	}
	if o.ReducedGroupBy < 0 {
		errs = append(errs, fmt.Errorf("reduced group-by must be >= 0, got %d", o.ReducedGroupBy))
	}
	if o.LaneBuffer != nil && *o.LaneBuffer < 0 {
		errs = append(errs, fmt.Errorf("lane buffer must be >= 0, got %d", *o.LaneBuffer))
	}
	if o.ReducedGroupBy > 0 && !o.Mode.Partitioned() {
		errs = append(errs, fmt.Errorf("reduced group-by is only supported in %s and %s", ModeConsumeSampled, ModePipePartitioned))
	}
	if err := o.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	return errors.Join(errs...)
}

// Pipeline reads the input topic, transforms every record and, depending on
// the mode, publishes the result before committing it.
type Pipeline struct {
	client    kafka.Client
	executor  scheduler.Executor
	transform processor.Processor
	opts      Options
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
}

func New(
	client kafka.Client,
	executor scheduler.Executor,
	transform processor.Processor,
	opts Options,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline options: %w", err)
	}
	if opts.Mode == ModePipeReceiveSend {
		opts.Concurrency = 1
	}
	return &Pipeline{
		client:    client,
		executor:  executor,
		transform: transform,
		opts:      opts,
		log:       log.With("mode", string(opts.Mode)),
		metrics:   m,
	}, nil
}

// Run subscribes and processes records until ctx ends or the pipeline fails.
// Each call starts from the committed positions, so records that were in
// flight when a previous run ended are delivered again.
func (p *Pipeline) Run(ctx context.Context) error {
	stream := kafka.SubscribeWithRetry(ctx, p.client, []string{p.opts.InputTopic}, p.opts.Retry, p.log)
	defer stream.Close() //nolint:errcheck // stream close only cancels its loop

	errs := make(chan *RecordError, errorBuffer)
	report := func(ctx context.Context, e *RecordError) {
		select {
		case errs <- e:
		case <-ctx.Done():
			p.recordError(e)
		}
	}

	committer := NewCommitter(p.client, p.commitPolicy(), report, p.log, p.metrics)
	sink := committer.Submit
	if p.opts.Mode.Pipes() {
		sink = NewSinkPublisher(p.client, p.opts.OutputTopic, p.log, p.metrics).Then(committer.Submit, report)
	}
	lanes := NewPartitionProcessor(
		p.transform,
		p.executor,
		p.opts.Concurrency,
		p.opts.ProcessingDelay,
		sink,
		report,
		p.log,
		p.metrics,
	)
	group, revocable := p.grouping()
	demux := NewDemultiplexer(group, revocable, lanes.Run, p.log, p.metrics)
	if p.opts.LaneBuffer != nil {
		demux.WithLaneBuffer(*p.opts.LaneBuffer)
	}

	p.log.Infow("pipeline assembled",
		"input", p.opts.InputTopic,
		"output", p.opts.OutputTopic,
		"concurrency", p.opts.Concurrency,
		"processingDelay", p.opts.ProcessingDelay,
		"reducedGroupBy", p.opts.ReducedGroupBy,
		"laneBuffer", p.laneBuffer(),
		"retry", p.opts.Retry.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for e := range errs {
			p.recordError(e)
		}
		return nil
	})
	g.Go(func() error {
		defer close(errs)
		inner, ictx := errgroup.WithContext(gctx)
		inner.Go(func() error {
			return committer.Run(ictx)
		})
		inner.Go(func() error {
			defer committer.Close()
			return demux.Run(ictx, stream)
		})
		return inner.Wait()
	})
	return g.Wait()
}

func (p *Pipeline) recordError(e *RecordError) {
	p.metrics.RecordError(string(e.Stage))
	if e.Stage == StageProcess || e.Stage == StageSubmit {
		p.log.Errorw("processing failed",
			"stage", e.Stage,
			"topic", e.Record.Topic,
			"partition", e.Record.Partition,
			"offset", e.Record.Offset,
			"key", string(e.Record.Key),
			"error", e.Err,
		)
	}
	if p.opts.OnError != nil {
		p.opts.OnError(e)
	}
}

func (p *Pipeline) laneBuffer() int {
	if p.opts.LaneBuffer == nil {
		return DefaultLaneBuffer
	}
	return *p.opts.LaneBuffer
}

func (p *Pipeline) commitPolicy() CommitPolicy {
	if p.opts.Mode == ModeConsumeSampled {
		return NewSampledPolicy(p.opts.SampleInterval, p.opts.SampleCapacity, p.opts.DiscardCommit, p.log)
	}
	return NewStrictPolicy(p.log)
}

// grouping returns how records map to lanes and whether a lane may be
// stopped when its partition is revoked.
func (p *Pipeline) grouping() (GroupFunc, bool) {
	if !p.opts.Mode.Partitioned() {
		return SingleLane, false
	}
	if p.opts.ReducedGroupBy > 0 {
		return ReducedByModulo(p.opts.ReducedGroupBy), false
	}
	return ByPartition, true
}
