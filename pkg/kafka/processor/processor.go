package processor

import (
	"bytes"
	"context"
	"errors"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
)

// ErrEmptyValue is returned for records without a payload.
var ErrEmptyValue = errors.New("record has empty value")

// Processor transforms the value of one inbound record. Implementations must
// be safe for concurrent use; the pipeline may run several records of the
// same partition at once.
type Processor interface {
	Process(ctx context.Context, rec kafka.InboundRecord) ([]byte, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, rec kafka.InboundRecord) ([]byte, error)

func (f Func) Process(ctx context.Context, rec kafka.InboundRecord) ([]byte, error) {
	return f(ctx, rec)
}

// Uppercase returns the record value converted to upper case.
type Uppercase struct{}

// Process returns an upper-cased copy of rec.Value. The inbound record is
// left untouched.
func (Uppercase) Process(ctx context.Context, rec kafka.InboundRecord) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(rec.Value) == 0 {
		return nil, ErrEmptyValue
	}
	return bytes.ToUpper(rec.Value), nil
}
