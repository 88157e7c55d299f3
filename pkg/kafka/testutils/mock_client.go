package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
)

// MockClient is a mock implementation of kafka.Client for testing
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Subscribe(ctx context.Context, topics []string) (kafka.Stream, error) {
	args := m.Called(ctx, topics)
	if v := args.Get(0); v != nil {
		return v.(kafka.Stream), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Publish(ctx context.Context, rec kafka.OutboundRecord) (kafka.PublishAck, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(kafka.PublishAck), args.Error(1)
}

func (m *MockClient) Acknowledge(ctx context.Context, rec kafka.InboundRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// StaticStream returns a stream that delivers recs, then ends with err.
func StaticStream(ctx context.Context, recs []kafka.InboundRecord, err error) kafka.Stream {
	return kafka.NewStream(ctx, len(recs), func(ctx context.Context, w *kafka.StreamWriter) error {
		for _, rec := range recs {
			if !w.Emit(ctx, rec) {
				return ctx.Err()
			}
		}
		return err
	})
}
