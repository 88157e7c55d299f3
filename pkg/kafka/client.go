package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is returned when a closed Stream is used.
var ErrStreamClosed = errors.New("stream closed")

// PartitionKey identifies one partition of one topic. It is the unit of
// ordering: records sharing a key are processed, published and committed in
// offset order.
type PartitionKey struct {
	Topic     string
	Partition int32
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s[%d]", k.Topic, k.Partition)
}

// InboundRecord is a record delivered by the log. Offsets are strictly
// increasing within a PartitionKey.
type InboundRecord struct {
	Topic      string
	Partition  int32
	Offset     int64
	Key        []byte
	Value      []byte
	ReceivedAt time.Time
}

// PartitionKey returns the partition the record was read from.
func (r InboundRecord) PartitionKey() PartitionKey {
	return PartitionKey{Topic: r.Topic, Partition: r.Partition}
}

// OutboundRecord is a record to publish. Correlation carries the inbound
// record it was derived from, or the zero value for generated records.
type OutboundRecord struct {
	Topic       string
	Key         []byte
	Value       []byte
	Correlation InboundRecord
}

// PublishAck confirms a write and returns the correlation unchanged.
type PublishAck struct {
	Topic       string
	Partition   int32
	Offset      int64
	Correlation InboundRecord
}

// Stream is a live subscription. Records is closed when the subscription
// ends; Err then reports why, or nil if it ended because it was closed or
// its context was canceled.
type Stream interface {
	Records() <-chan InboundRecord
	// Revoked delivers partitions taken away by a rebalance.
	Revoked() <-chan []PartitionKey
	Err() error
	Close() error
}

// Client is the facade the pipeline talks to. Implementations must make
// Acknowledge idempotent and must never move a partition's committed
// position backwards.
type Client interface {
	Subscribe(ctx context.Context, topics []string) (Stream, error)
	Publish(ctx context.Context, rec OutboundRecord) (PublishAck, error)
	Acknowledge(ctx context.Context, rec InboundRecord) error
	Close() error
}

// Admin manages topics.
type Admin interface {
	EnsureTopic(ctx context.Context, cfg TopicConfig) error
	PartitionCount(ctx context.Context, topic string) (int, error)
}

// RetryableError marks a read failure that a new subscription may recover from.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a RetryableError. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
