package pipeline

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
)

const (
	DefaultSampleInterval = 250 * time.Millisecond
	DefaultSampleCapacity = 256

	// finalFlushTimeout bounds the last commit after the pipeline context ends.
	finalFlushTimeout = 5 * time.Second
)

// Commit is a record that is safe to acknowledge. Kind is one of the
// metrics.Commit* values.
type Commit struct {
	Record kafka.InboundRecord
	Kind   string
}

// CommitPolicy decides when processed records are acknowledged. A policy is
// used by a single goroutine.
type CommitPolicy interface {
	// Accept takes the next processed record and returns the records that
	// may be committed now.
	Accept(rec ProcessedRecord) []Commit
	// Flush returns everything still buffered and clears the buffer.
	Flush() []Commit
	// FlushInterval is how often Flush is called; zero disables the timer.
	FlushInterval() time.Duration
	// Buffered returns the number of buffered entries.
	Buffered() int
}

// commitGate holds back the commits of a partition from its first failed
// offset on. Commits are positional: committing a later offset would move
// the group past the failed record. The hold is lifted when the failed
// offset is redelivered and succeeds; otherwise it lasts for the run.
type commitGate struct {
	held map[kafka.PartitionKey]int64
	log  *zap.SugaredLogger
}

func newCommitGate(log *zap.SugaredLogger) commitGate {
	return commitGate{held: make(map[kafka.PartitionKey]int64), log: log}
}

// admit reports whether rec may be committed.
func (g commitGate) admit(rec ProcessedRecord) bool {
	key := rec.Record.PartitionKey()
	at, held := g.held[key]

	switch {
	case rec.Failed():
		if !held || rec.Record.Offset < at {
			g.held[key] = rec.Record.Offset
			g.log.Warnw("commits held",
				"topic", rec.Record.Topic,
				"partition", rec.Record.Partition,
				"offset", rec.Record.Offset,
				"stage", rec.Err.Stage,
			)
		}
		return false
	case !held || rec.Record.Offset < at:
		return true
	case rec.Record.Offset == at:
		delete(g.held, key)
		g.log.Infow("commits resumed",
			"topic", rec.Record.Topic,
			"partition", rec.Record.Partition,
			"offset", rec.Record.Offset,
		)
		return true
	default:
		return false
	}
}

// Held returns the first failed offset of key, if its commits are held.
func (g commitGate) Held(key kafka.PartitionKey) (int64, bool) {
	at, ok := g.held[key]
	return at, ok
}

// StrictPolicy commits every record as soon as it arrives, up to the first
// failed record of its partition.
type StrictPolicy struct {
	commitGate
}

func NewStrictPolicy(log *zap.SugaredLogger) *StrictPolicy {
	return &StrictPolicy{commitGate: newCommitGate(log)}
}

func (p *StrictPolicy) Accept(rec ProcessedRecord) []Commit {
	if !p.admit(rec) {
		return nil
	}
	return []Commit{{Record: rec.Record, Kind: metrics.CommitStrict}}
}

func (*StrictPolicy) Flush() []Commit              { return nil }
func (*StrictPolicy) FlushInterval() time.Duration { return 0 }
func (*StrictPolicy) Buffered() int                { return 0 }

// SampledPolicy keeps the highest contiguous processed record of each
// partition and commits them together every interval. Records after a failed
// one are not folded in, so the sample never passes a gap. The buffer holds at most capacity
// partitions; when a new partition arrives at a full buffer the oldest entry
// is evicted. With discardCommit the evicted record is committed on its own,
// otherwise it is dropped and a later commit of its partition covers it.
type SampledPolicy struct {
	interval      time.Duration
	capacity      int
	discardCommit bool
	log           *zap.SugaredLogger
	commitGate

	order   *list.List // of kafka.InboundRecord, oldest first
	entries map[kafka.PartitionKey]*list.Element
}

// NewSampledPolicy creates a sampled policy. Non-positive arguments fall
// back to the defaults.
func NewSampledPolicy(interval time.Duration, capacity int, discardCommit bool, log *zap.SugaredLogger) *SampledPolicy {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if capacity < 1 {
		capacity = DefaultSampleCapacity
	}
	return &SampledPolicy{
		interval:      interval,
		capacity:      capacity,
		discardCommit: discardCommit,
		log:           log,
		commitGate:    newCommitGate(log),
		order:         list.New(),
		entries:       make(map[kafka.PartitionKey]*list.Element),
	}
}

func (p *SampledPolicy) Accept(rec ProcessedRecord) []Commit {
	if !p.admit(rec) {
		return nil
	}
	key := rec.Record.PartitionKey()
	if e, ok := p.entries[key]; ok {
		if rec.Record.Offset > e.Value.(kafka.InboundRecord).Offset {
			e.Value = rec.Record
		}
		return nil
	}

	var out []Commit
	if p.order.Len() >= p.capacity {
		oldest := p.order.Remove(p.order.Front()).(kafka.InboundRecord)
		delete(p.entries, oldest.PartitionKey())
		if p.discardCommit {
			out = append(out, Commit{Record: oldest, Kind: metrics.CommitDiscard})
		} else {
			p.log.Warnw("sample buffer full, dropped entry",
				"topic", oldest.Topic,
				"partition", oldest.Partition,
				"offset", oldest.Offset,
			)
		}
	}
	p.entries[key] = p.order.PushBack(rec.Record)
	return out
}

func (p *SampledPolicy) Flush() []Commit {
	if p.order.Len() == 0 {
		return nil
	}
	out := make([]Commit, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		out = append(out, Commit{Record: e.Value.(kafka.InboundRecord), Kind: metrics.CommitSampled})
	}
	p.order.Init()
	clear(p.entries)
	return out
}

func (p *SampledPolicy) FlushInterval() time.Duration { return p.interval }
func (p *SampledPolicy) Buffered() int                { return p.order.Len() }

// Acknowledger commits a record's offset.
type Acknowledger interface {
	Acknowledge(ctx context.Context, rec kafka.InboundRecord) error
}

// Committer owns a CommitPolicy and performs the acknowledgements it asks
// for. Lanes hand records to Submit; Run applies the policy on one
// goroutine, so commits of one partition are issued in arrival order.
type Committer struct {
	acks    Acknowledger
	policy  CommitPolicy
	in      chan ProcessedRecord
	report  Reporter
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	closeOnce sync.Once
}

// NewCommitter creates a committer. report receives commit failures.
func NewCommitter(
	acks Acknowledger,
	policy CommitPolicy,
	report Reporter,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Committer {
	return &Committer{
		acks:    acks,
		policy:  policy,
		in:      make(chan ProcessedRecord),
		report:  report,
		log:     log,
		metrics: m,
	}
}

// Submit hands rec to the committer. It is a Sink. Submit must not be
// called after Close.
func (c *Committer) Submit(ctx context.Context, rec ProcessedRecord) error {
	select {
	case c.in <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no more records will be submitted. Run then flushes
// and returns.
func (c *Committer) Close() {
	c.closeOnce.Do(func() { close(c.in) })
}

// Run applies the policy until Close is called or ctx ends. Whatever the
// policy still buffers is flushed before returning.
func (c *Committer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if interval := c.policy.FlushInterval(); interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case rec, ok := <-c.in:
			if !ok {
				c.finalFlush(ctx)
				return nil
			}
			c.commit(ctx, c.policy.Accept(rec))
			c.metrics.SetCommitBatchSize(c.policy.Buffered())
		case <-tick:
			c.commit(ctx, c.policy.Flush())
			c.metrics.SetCommitBatchSize(0)
		case <-ctx.Done():
			c.finalFlush(ctx)
			return nil
		}
	}
}

// finalFlush commits what is left even when ctx has already ended.
func (c *Committer) finalFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	c.commit(flushCtx, c.policy.Flush())
	c.metrics.SetCommitBatchSize(0)
}

func (c *Committer) commit(ctx context.Context, commits []Commit) {
	for _, cm := range commits {
		rec := cm.Record
		err := c.acks.Acknowledge(ctx, rec)
		c.metrics.RecordCommit(cm.Kind, rec.Topic, rec.Partition, rec.Offset, err)
		if err != nil {
			c.log.Errorw("commit failed",
				"kind", cm.Kind,
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"error", err,
			)
			c.report(ctx, &RecordError{Stage: StageCommit, Record: rec, Err: err})
			continue
		}

		if cm.Kind == metrics.CommitDiscard {
			c.log.Infow("discard committed",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
			)
			continue
		}
		c.log.Debugw("committed",
			"kind", cm.Kind,
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
		)
	}
}
