package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka/processor"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka/testutils"
	"github.com/ava-labs/kafka-pipeline/pkg/retry"
	"github.com/ava-labs/kafka-pipeline/pkg/scheduler"
)

const waitFor = 5 * time.Second

func newExecutor(t *testing.T) *scheduler.Governor {
	t.Helper()
	g, err := scheduler.New(scheduler.Config{
		Kind:      scheduler.KindBoundedElastic,
		PoolSize:  4,
		QueueSize: 16,
	}, testutils.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func newPipeline(t *testing.T, client kafka.Client, transform processor.Processor, opts Options) *Pipeline {
	t.Helper()
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	p, err := New(client, newExecutor(t), transform, opts, testutils.NewTestLogger(t), nil)
	require.NoError(t, err)
	return p
}

// start runs p in the background and returns a func that stops it and
// returns what Run returned.
func start(t *testing.T, p *Pipeline) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(waitFor):
			t.Fatal("pipeline did not stop")
			return nil
		}
	}
}

func appendNumbered(f *testutils.FakeClient, topic string, n int) {
	for _, rec := range testutils.NumberedRecords(topic, 0, n) {
		f.Append(topic, 0, rec.Key, rec.Value)
	}
}

func TestPipeline_StrictCommitsEveryRecordInOrder(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 10)

	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:       ModeConsumeDefault,
		InputTopic: "b1",
	})
	stop := start(t, p)
	require.Eventually(t, func() bool { return len(f.Commits()) == 10 }, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	commits := f.Commits()
	require.Len(t, commits, 10)
	for i, rec := range commits {
		assert.Equal(t, int64(i), rec.Offset)
		assert.Equal(t, fmt.Sprintf("%d", i+1), string(rec.Key))
		assert.Equal(t, fmt.Sprintf("%04d", i+1), string(rec.Value))
	}
	pos, ok := f.Committed(kafka.PartitionKey{Topic: "b1"})
	require.True(t, ok)
	assert.Equal(t, int64(10), pos)
}

func TestPipeline_PartitionedPreservesPartitionOrder(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.CreateTopic("a1", 2)
	f.CreateTopic("b1", 2)
	for i, p := range []int32{0, 1, 0, 1, 0, 1} {
		f.Append("a1", p, []byte(fmt.Sprintf("k%d", p)), []byte(fmt.Sprintf("v%d", i)))
	}

	// Earlier records take longer so completions arrive out of order.
	slowFirst := processor.Func(func(ctx context.Context, rec kafka.InboundRecord) ([]byte, error) {
		time.Sleep(time.Duration(3-rec.Offset) * 10 * time.Millisecond)
		return processor.Uppercase{}.Process(ctx, rec)
	})

	p := newPipeline(t, f, slowFirst, Options{
		Mode:        ModePipePartitioned,
		InputTopic:  "a1",
		OutputTopic: "b1",
		Concurrency: 3,
	})
	stop := start(t, p)
	require.Eventually(t, func() bool { return len(f.Commits()) == 6 }, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	published := f.Published()
	require.Len(t, published, 6)
	bySource := map[int32][]int64{}
	for _, out := range published {
		assert.Equal(t, "b1", out.Topic)
		assert.Equal(t, out.Correlation.Key, out.Key)
		assert.Equal(t, "V", string(out.Value[:1]))
		bySource[out.Correlation.Partition] = append(bySource[out.Correlation.Partition], out.Correlation.Offset)
	}
	assert.Equal(t, []int64{0, 1, 2}, bySource[0])
	assert.Equal(t, []int64{0, 1, 2}, bySource[1])

	// Records sharing a key land on one output partition, in source order.
	for _, part := range []int32{0, 1} {
		var values []string
		for _, rec := range f.PartitionRecords("b1", part) {
			values = append(values, string(rec.Value))
		}
		evens := slices.DeleteFunc(slices.Clone(values), func(v string) bool { return v != "V0" && v != "V2" && v != "V4" })
		odds := slices.DeleteFunc(slices.Clone(values), func(v string) bool { return v != "V1" && v != "V3" && v != "V5" })
		assert.True(t, slices.IsSorted(evens), "partition %d: %v", part, values)
		assert.True(t, slices.IsSorted(odds), "partition %d: %v", part, values)
	}
}

func TestPipeline_ResequencesConcurrentResults(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 8)

	var mu sync.Mutex
	var completed []int64
	transform := processor.Func(func(_ context.Context, rec kafka.InboundRecord) ([]byte, error) {
		time.Sleep(time.Duration(8-rec.Offset) * 5 * time.Millisecond)
		mu.Lock()
		completed = append(completed, rec.Offset)
		mu.Unlock()
		return rec.Value, nil
	})

	p := newPipeline(t, f, transform, Options{
		Mode:        ModeConsumeDefault,
		InputTopic:  "b1",
		Concurrency: 4,
	})
	stop := start(t, p)
	require.Eventually(t, func() bool { return len(f.Commits()) == 8 }, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	assert.False(t, slices.IsSorted(completed), "expected out of order completion, got %v", completed)
	mu.Unlock()
	for i, rec := range f.Commits() {
		assert.Equal(t, int64(i), rec.Offset)
	}
}

// commitOffsets returns the committed offsets in commit order.
func commitOffsets(f *testutils.FakeClient) []int64 {
	var offsets []int64
	for _, rec := range f.Commits() {
		offsets = append(offsets, rec.Offset)
	}
	return offsets
}

func TestPipeline_ProcessingFailureHoldsPartition(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 5)

	boom := errors.New("boom")
	var calls atomic.Int32
	transform := processor.Func(func(_ context.Context, rec kafka.InboundRecord) ([]byte, error) {
		defer calls.Add(1)
		if rec.Offset == 2 {
			return nil, boom
		}
		return rec.Value, nil
	})

	var mu sync.Mutex
	var failures []*RecordError
	p := newPipeline(t, f, transform, Options{
		Mode:       ModeConsumeDefault,
		InputTopic: "b1",
		OnError: func(e *RecordError) {
			mu.Lock()
			failures = append(failures, e)
			mu.Unlock()
		},
	})
	stop := start(t, p)
	require.Eventually(t, func() bool { return calls.Load() == 5 }, waitFor, 5*time.Millisecond)
	// Let the committer see the last records.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []int64{0, 1}, commitOffsets(f), "nothing after the failed record is committed")
	pos, _ := f.Committed(kafka.PartitionKey{Topic: "b1"})
	assert.Equal(t, int64(2), pos)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, StageProcess, failures[0].Stage)
	assert.Equal(t, int64(2), failures[0].Record.Offset)
	assert.ErrorIs(t, failures[0], boom)
}

func TestPipeline_ProcessingFailureIsRedeliveredNextRun(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 5)

	var healthy atomic.Bool
	var mu sync.Mutex
	var seen []int64
	transform := processor.Func(func(_ context.Context, rec kafka.InboundRecord) ([]byte, error) {
		mu.Lock()
		seen = append(seen, rec.Offset)
		mu.Unlock()
		if rec.Offset == 2 && !healthy.Load() {
			return nil, errors.New("dependency down")
		}
		return rec.Value, nil
	})
	p := newPipeline(t, f, transform, Options{Mode: ModeConsumeDefault, InputTopic: "b1"})

	stop := start(t, p)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())
	pos, _ := f.Committed(kafka.PartitionKey{Topic: "b1"})
	require.Equal(t, int64(2), pos)

	healthy.Store(true)
	stop = start(t, p)
	require.Eventually(t, func() bool {
		pos, _ := f.Committed(kafka.PartitionKey{Topic: "b1"})
		return pos == 5
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 2, 3, 4}, seen)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, commitOffsets(f))
}

func TestPipeline_PublishFailureIsNotCommitted(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "a1", 3)
	f.FailPublish(func(rec kafka.OutboundRecord) error {
		if rec.Correlation.Offset == 0 {
			return errors.New("broker rejected")
		}
		return nil
	})

	failed := make(chan *RecordError, 1)
	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:        ModePipeReceiveSend,
		InputTopic:  "a1",
		OutputTopic: "b1",
		Concurrency: 4,
		OnError:     func(e *RecordError) { failed <- e },
	})
	assert.Equal(t, 1, p.opts.Concurrency)

	stop := start(t, p)
	require.Eventually(t, func() bool { return len(f.PartitionRecords("b1", 0)) == 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	e := <-failed
	assert.Equal(t, StagePublish, e.Stage)
	assert.Equal(t, int64(0), e.Record.Offset)
	assert.Empty(t, f.Commits(), "later records of the partition do not commit past the failure")
	_, ok := f.Committed(kafka.PartitionKey{Topic: "a1"})
	assert.False(t, ok)
}

func TestPipeline_PublishFailureIsRedeliveredNextRun(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.CreateTopic("b1", 1)
	appendNumbered(f, "a1", 3)
	f.FailPublish(func(rec kafka.OutboundRecord) error {
		if rec.Correlation.Offset == 0 {
			return errors.New("broker rejected")
		}
		return nil
	})

	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:        ModePipeReceiveSend,
		InputTopic:  "a1",
		OutputTopic: "b1",
	})

	stop := start(t, p)
	require.Eventually(t, func() bool { return len(f.PartitionRecords("b1", 0)) == 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	f.FailPublish(nil)
	stop = start(t, p)
	require.Eventually(t, func() bool {
		pos, _ := f.Committed(kafka.PartitionKey{Topic: "a1"})
		return pos == 3
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	var values []string
	for _, rec := range f.PartitionRecords("b1", 0) {
		values = append(values, string(rec.Value))
	}
	assert.Equal(t, []string{"0002", "0003", "0001", "0002", "0003"}, values)
	assert.Equal(t, []int64{0, 1, 2}, commitOffsets(f))
}

func TestPipeline_CommitFailureIsReportedNotRetried(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 3)
	var attempts sync.Map
	f.FailAcknowledge(func(rec kafka.InboundRecord) error {
		n, _ := attempts.LoadOrStore(rec.Offset, 0)
		attempts.Store(rec.Offset, n.(int)+1)
		if rec.Offset == 1 {
			return errors.New("coordinator unavailable")
		}
		return nil
	})

	failed := make(chan *RecordError, 4)
	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:       ModeConsumeDefault,
		InputTopic: "b1",
		OnError:    func(e *RecordError) { failed <- e },
	})
	stop := start(t, p)
	require.Eventually(t, func() bool { return len(f.Commits()) == 2 }, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	e := <-failed
	assert.Equal(t, StageCommit, e.Stage)
	n, _ := attempts.Load(int64(1))
	assert.Equal(t, 1, n)
	pos, _ := f.Committed(kafka.PartitionKey{Topic: "b1"})
	assert.Equal(t, int64(3), pos, "a later commit supersedes the failed one")
}

func TestPipeline_SampledCommitsHighestPerPartition(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.CreateTopic("b1", 2)
	for i := range 10 {
		f.Append("b1", int32(i%2), nil, []byte("x"))
	}

	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:           ModeConsumeSampled,
		InputTopic:     "b1",
		SampleInterval: 20 * time.Millisecond,
		SampleCapacity: 16,
	})
	stop := start(t, p)
	require.Eventually(t, func() bool {
		p0, _ := f.Committed(kafka.PartitionKey{Topic: "b1", Partition: 0})
		p1, _ := f.Committed(kafka.PartitionKey{Topic: "b1", Partition: 1})
		return p0 == 5 && p1 == 5
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Less(t, len(f.Commits()), 10, "sampled mode commits fewer times than records")
}

func TestPipeline_SampledGapHoldsPosition(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.CreateTopic("b1", 2)
	for i := range 10 {
		f.Append("b1", int32(i%2), nil, []byte("x"))
	}

	var calls atomic.Int32
	transform := processor.Func(func(_ context.Context, rec kafka.InboundRecord) ([]byte, error) {
		defer calls.Add(1)
		if rec.Partition == 0 && rec.Offset == 2 {
			return nil, errors.New("bad payload")
		}
		return rec.Value, nil
	})
	p := newPipeline(t, f, transform, Options{
		Mode:           ModeConsumeSampled,
		InputTopic:     "b1",
		SampleInterval: 10 * time.Millisecond,
		SampleCapacity: 16,
	})
	stop := start(t, p)
	require.Eventually(t, func() bool {
		p1, _ := f.Committed(kafka.PartitionKey{Topic: "b1", Partition: 1})
		return calls.Load() == 10 && p1 == 5
	}, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	p0, ok := f.Committed(kafka.PartitionKey{Topic: "b1", Partition: 0})
	require.True(t, ok)
	assert.Equal(t, int64(2), p0, "partition 0 stops before the failed offset")
	for _, rec := range f.Commits() {
		if rec.Partition == 0 {
			assert.Less(t, rec.Offset, int64(2))
		}
	}
}

func TestPipeline_FinalFlushOnShutdown(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 3)

	var processed sync.WaitGroup
	processed.Add(3)
	transform := processor.Func(func(_ context.Context, rec kafka.InboundRecord) ([]byte, error) {
		defer processed.Done()
		return rec.Value, nil
	})

	p := newPipeline(t, f, transform, Options{
		Mode:           ModeConsumeSampled,
		InputTopic:     "b1",
		SampleInterval: time.Hour,
		SampleCapacity: 4,
	})
	stop := start(t, p)
	processed.Wait()
	// Let the committer receive the last record.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	pos, ok := f.Committed(kafka.PartitionKey{Topic: "b1"})
	require.True(t, ok)
	assert.Equal(t, int64(3), pos)
	assert.Len(t, f.Commits(), 1)
}

func TestPipeline_RetryableStreamFailureResubscribes(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 6)
	f.FailStream(3, kafka.Retryable(errors.New("all brokers down")))

	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:       ModeConsumeDefault,
		InputTopic: "b1",
		Retry:      retry.Fixed(2, time.Millisecond),
	})
	stop := start(t, p)
	require.Eventually(t, func() bool {
		pos, _ := f.Committed(kafka.PartitionKey{Topic: "b1"})
		return pos == 6
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 2, f.Subscriptions())
}

func TestPipeline_StreamFailureEndsRun(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 2)
	boom := errors.New("fatal")
	f.FailStream(2, boom)

	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:       ModeConsumeDefault,
		InputTopic: "b1",
		Retry:      retry.Fixed(3, time.Millisecond),
	})

	err := p.Run(t.Context())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.Subscriptions(), "non-retryable failures are not resubscribed")
}

func TestPipeline_RestartRedeliversUncommitted(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	appendNumbered(f, "b1", 10)
	f.FailStream(4, errors.New("connection reset"))

	p := newPipeline(t, f, processor.Uppercase{}, Options{
		Mode:       ModeConsumeDefault,
		InputTopic: "b1",
	})
	rc := NewRestartController(2, time.Millisecond, testutils.NewTestLogger(t), nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- rc.Run(ctx, p.Run) }()

	require.Eventually(t, func() bool {
		pos, _ := f.Committed(kafka.PartitionKey{Topic: "b1"})
		return pos == 10
	}, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, rc.Attempts())
	assert.Equal(t, 2, f.Subscriptions())
	assert.True(t, slices.IsSorted(commitOffsets(f)))
}

func TestOptions_Validate(t *testing.T) {
	valid := Options{Mode: ModePipePartitioned, InputTopic: "a1", OutputTopic: "b1", Concurrency: 1}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{name: "produce mode", mutate: func(o *Options) { o.Mode = ModeProduceConcatMap }, wantErr: "does not consume"},
		{name: "unknown mode", mutate: func(o *Options) { o.Mode = "Other" }, wantErr: "unknown mode"},
		{name: "no input", mutate: func(o *Options) { o.InputTopic = "" }, wantErr: "input topic"},
		{name: "no output", mutate: func(o *Options) { o.OutputTopic = "" }, wantErr: "output topic"},
		{name: "zero concurrency", mutate: func(o *Options) { o.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "negative delay", mutate: func(o *Options) { o.ProcessingDelay = -time.Second }, wantErr: "processing delay"},
		{name: "negative lane buffer", mutate: func(o *Options) {
			n := -1
			o.LaneBuffer = &n
		}, wantErr: "lane buffer"},
		{name: "group-by in unordered mode", mutate: func(o *Options) {
			o.Mode = ModeConsumeDefault
			o.ReducedGroupBy = 2
		}, wantErr: "reduced group-by"},
		{name: "bad retry", mutate: func(o *Options) { o.Retry = retry.Fixed(-1, 0) }, wantErr: "retry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			require.ErrorContains(t, o.Validate(), tt.wantErr)
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range modes {
		got, err := ParseMode(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("consumeDefault")
	require.Error(t, err)

	assert.True(t, ModePipePartitioned.Partitioned())
	assert.True(t, ModeConsumeSampled.Partitioned())
	assert.False(t, ModePipeReceiveSend.Partitioned())
	assert.True(t, ModePipeReceiveSend.Pipes())
	assert.False(t, ModeConsumeDefault.Pipes())
	assert.True(t, ModeProduceConcatMap.Produces())
}
