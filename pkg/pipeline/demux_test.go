package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/kafka/testutils"
)

// laneRecorder is a LaneFunc that records what every lane saw.
type laneRecorder struct {
	mu      sync.Mutex
	seen    map[kafka.PartitionKey][]int64
	stopped map[kafka.PartitionKey]bool
}

func newLaneRecorder() *laneRecorder {
	return &laneRecorder{
		seen:    make(map[kafka.PartitionKey][]int64),
		stopped: make(map[kafka.PartitionKey]bool),
	}
}

func (r *laneRecorder) run(ctx context.Context, lane kafka.PartitionKey, in <-chan kafka.InboundRecord) error {
	defer func() {
		r.mu.Lock()
		r.stopped[lane] = true
		r.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-in:
			if !ok {
				return nil
			}
			r.mu.Lock()
			r.seen[lane] = append(r.seen[lane], rec.Offset)
			r.mu.Unlock()
		}
	}
}

func (r *laneRecorder) lanes() map[kafka.PartitionKey][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[kafka.PartitionKey][]int64, len(r.seen))
	for k, v := range r.seen {
		out[k] = append([]int64(nil), v...)
	}
	return out
}

func (r *laneRecorder) isStopped(k kafka.PartitionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[k]
}

func key(p int32) kafka.PartitionKey { return kafka.PartitionKey{Topic: "a1", Partition: p} }

func TestGroupFuncs(t *testing.T) {
	assert.Equal(t, key(3), ByPartition(key(3)))
	assert.Equal(t, kafka.PartitionKey{}, SingleLane(key(3)))

	mod := ReducedByModulo(2)
	assert.Equal(t, key(0), mod(key(0)))
	assert.Equal(t, key(1), mod(key(1)))
	assert.Equal(t, key(0), mod(key(4)))
	assert.Equal(t, key(1), mod(key(5)))
}

func TestDemultiplexer_RoutesByPartition(t *testing.T) {
	var recs []kafka.InboundRecord
	for i := range int64(3) {
		for p := range int32(3) {
			recs = append(recs, testutils.NewTestRecord("a1", p, i, nil, nil))
		}
	}

	r := newLaneRecorder()
	d := NewDemultiplexer(ByPartition, true, r.run, testutils.NewTestLogger(t), nil)
	require.NoError(t, d.Run(t.Context(), testutils.StaticStream(t.Context(), recs, nil)))

	lanes := r.lanes()
	require.Len(t, lanes, 3)
	for p := range int32(3) {
		assert.Equal(t, []int64{0, 1, 2}, lanes[key(p)])
	}
}

func TestDemultiplexer_UnbufferedLanesKeepOrder(t *testing.T) {
	var recs []kafka.InboundRecord
	for i := range int64(20) {
		recs = append(recs, testutils.NewTestRecord("a1", int32(i%2), i/2, nil, nil))
	}

	r := newLaneRecorder()
	d := NewDemultiplexer(ByPartition, true, r.run, testutils.NewTestLogger(t), nil).WithLaneBuffer(0)
	assert.Zero(t, d.laneBuffer)
	require.NoError(t, d.Run(t.Context(), testutils.StaticStream(t.Context(), recs, nil)))

	want := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, r.lanes()[key(0)])
	assert.Equal(t, want, r.lanes()[key(1)])

	assert.Equal(t, DefaultLaneBuffer, NewDemultiplexer(SingleLane, false, r.run, testutils.NewTestLogger(t), nil).WithLaneBuffer(-1).laneBuffer)
}

func TestDemultiplexer_ReducedGrouping(t *testing.T) {
	var recs []kafka.InboundRecord
	for p := range int32(4) {
		recs = append(recs, testutils.NewTestRecord("a1", p, int64(p), nil, nil))
	}

	r := newLaneRecorder()
	d := NewDemultiplexer(ReducedByModulo(2), false, r.run, testutils.NewTestLogger(t), nil)
	require.NoError(t, d.Run(t.Context(), testutils.StaticStream(t.Context(), recs, nil)))

	lanes := r.lanes()
	require.Len(t, lanes, 2)
	assert.Equal(t, []int64{0, 2}, lanes[key(0)])
	assert.Equal(t, []int64{1, 3}, lanes[key(1)])
}

func TestDemultiplexer_StreamErrorIsReturned(t *testing.T) {
	boom := errors.New("fetch failed")
	recs := testutils.NumberedRecords("a1", 0, 2)

	r := newLaneRecorder()
	d := NewDemultiplexer(SingleLane, false, r.run, testutils.NewTestLogger(t), nil)
	err := d.Run(t.Context(), testutils.StaticStream(t.Context(), recs, boom))
	require.ErrorIs(t, err, boom)
	assert.True(t, r.isStopped(kafka.PartitionKey{}))
}

func TestDemultiplexer_LaneErrorIsReturned(t *testing.T) {
	boom := errors.New("sink failed")
	failing := func(_ context.Context, _ kafka.PartitionKey, in <-chan kafka.InboundRecord) error {
		<-in
		return boom
	}

	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.Append("a1", 0, nil, []byte("x"))
	stream, err := f.Subscribe(t.Context(), []string{"a1"})
	require.NoError(t, err)
	defer stream.Close() //nolint:errcheck

	d := NewDemultiplexer(SingleLane, false, failing, testutils.NewTestLogger(t), nil)
	err = d.Run(t.Context(), stream)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "lane")
}

func TestDemultiplexer_RevocationStopsLane(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.CreateTopic("a1", 2)
	f.Append("a1", 0, nil, []byte("x"))
	f.Append("a1", 1, nil, []byte("y"))

	stream, err := f.Subscribe(t.Context(), []string{"a1"})
	require.NoError(t, err)
	defer stream.Close() //nolint:errcheck

	r := newLaneRecorder()
	d := NewDemultiplexer(ByPartition, true, r.run, testutils.NewTestLogger(t), nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, stream) }()

	require.Eventually(t, func() bool { return len(r.lanes()) == 2 }, waitFor, time.Millisecond)
	f.Revoke(key(0))
	require.Eventually(t, func() bool { return r.isStopped(key(0)) }, waitFor, time.Millisecond)
	assert.False(t, r.isStopped(key(1)))

	// The surviving lane keeps receiving.
	f.Append("a1", 1, nil, []byte("z"))
	require.Eventually(t, func() bool { return len(r.lanes()[key(1)]) == 2 }, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{0}, r.lanes()[key(0)])
}

func TestDemultiplexer_RevocationKeepsSharedLanes(t *testing.T) {
	f := testutils.NewFakeClient(testutils.NewTestLogger(t))
	f.CreateTopic("a1", 2)
	f.Append("a1", 0, nil, []byte("x"))

	stream, err := f.Subscribe(t.Context(), []string{"a1"})
	require.NoError(t, err)
	defer stream.Close() //nolint:errcheck

	r := newLaneRecorder()
	d := NewDemultiplexer(SingleLane, false, r.run, testutils.NewTestLogger(t), nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, stream) }()

	lane := kafka.PartitionKey{}
	require.Eventually(t, func() bool { return len(r.lanes()[lane]) == 1 }, waitFor, time.Millisecond)
	f.Revoke(key(0))
	f.Append("a1", 1, nil, []byte("y"))
	require.Eventually(t, func() bool { return len(r.lanes()[lane]) == 2 }, waitFor, time.Millisecond)
	assert.False(t, r.isStopped(lane))

	cancel()
	require.NoError(t, <-done)
}
