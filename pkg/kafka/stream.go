package kafka

import (
	"context"
	"errors"
	"sync"
)

// DefaultStreamBuffer is the number of records a stream buffers ahead of its reader.
const DefaultStreamBuffer = 64

// StreamWriter is the producing side of a stream built by NewStream.
type StreamWriter struct {
	records chan InboundRecord
	revoked chan []PartitionKey
}

// Emit hands rec to the reader. It returns false once ctx is done.
func (w *StreamWriter) Emit(ctx context.Context, rec InboundRecord) bool {
	select {
	case w.records <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// Revoke announces revoked partitions to the reader. It returns false once ctx is done.
func (w *StreamWriter) Revoke(ctx context.Context, keys []PartitionKey) bool {
	if len(keys) == 0 {
		return true
	}
	select {
	case w.revoked <- keys:
		return true
	case <-ctx.Done():
		return false
	}
}

type stream struct {
	writer StreamWriter
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewStream runs loop in its own goroutine and exposes what it writes as a
// Stream. The error loop returns becomes Err; context cancellation is
// reported as a clean end.
func NewStream(ctx context.Context, buffer int, loop func(ctx context.Context, w *StreamWriter) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		writer: StreamWriter{
			records: make(chan InboundRecord, buffer),
			revoked: make(chan []PartitionKey, 1),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.writer.records)
		err := loop(ctx, &s.writer)
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	return s
}

func (s *stream) Records() <-chan InboundRecord {
	return s.writer.records
}

func (s *stream) Revoked() <-chan []PartitionKey {
	return s.writer.revoked
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the loop and waits for it to return.
func (s *stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
