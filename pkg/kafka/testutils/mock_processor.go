package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
)

// MockProcessor is a mock implementation of processor.Processor for testing
type MockProcessor struct {
	mock.Mock
}

// Process mocks the Process method
func (m *MockProcessor) Process(ctx context.Context, rec kafka.InboundRecord) ([]byte, error) {
	args := m.Called(ctx, rec)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}
