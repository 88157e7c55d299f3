package testutils

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// NewObservedLogger returns a logger whose entries at or above level are
// captured for assertions.
func NewObservedLogger(level zapcore.Level) (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core).Sugar(), logs
}

// NewTestRecord creates an inbound record with the given coordinates.
func NewTestRecord(topic string, partition int32, offset int64, key, value []byte) kafka.InboundRecord {
	return kafka.InboundRecord{
		Topic:      topic,
		Partition:  partition,
		Offset:     offset,
		Key:        key,
		Value:      value,
		ReceivedAt: time.Now(),
	}
}

// NumberedRecords returns n records on one partition with keys "1".."n"
// and values "0001".."n".
func NumberedRecords(topic string, partition int32, n int) []kafka.InboundRecord {
	recs := make([]kafka.InboundRecord, n)
	for i := range n {
		recs[i] = NewTestRecord(topic, partition, int64(i),
			[]byte(fmt.Sprintf("%d", i+1)),
			[]byte(fmt.Sprintf("%04d", i+1)),
		)
	}
	return recs
}
