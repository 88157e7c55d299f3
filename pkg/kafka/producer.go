package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const queueFullErrorRetryDelay = time.Second

// Producer is a synchronous librdkafka producer.
//
// Produce blocks until a delivery report is received from Kafka.
// Background goroutines process producer events and client logs.
//
// Close MUST be called at least once to stop background goroutines and flush
// all in-flight messages.
type Producer struct {
	producer   *cKafka.Producer
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

// NewProducer creates a producer from a librdkafka config map.
//
// The provided context controls the lifetime of background goroutines.
// Callers must call Close to flush messages and release resources.
func NewProducer(ctx context.Context, conf *cKafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	p, err := cKafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logsChEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	q := &Producer{
		producer:   p,
		log:        log,
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		errCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
	}

	if enabled, _ := logsChEnabled.(bool); enabled {
		go func() {
			defer close(q.logsDone)
			drainClientLogs(ctx, q.closedCh, p.Logs(), log, "producer")
		}()
	} else {
		close(q.logsDone)
	}

	go q.monitorProducerEvents(ctx)

	return q, nil
}

// Produce writes rec and waits for its delivery report.
//
// If the context is canceled before the report arrives, Produce returns
// ctx.Err(); the record MAY still be delivered afterwards. Callers must
// tolerate duplicates when retrying.
func (q *Producer) Produce(ctx context.Context, rec OutboundRecord) (PublishAck, error) {
	deliveryCh := make(chan cKafka.Event, 1)

	topic := rec.Topic
	msg := &cKafka.Message{
		TopicPartition: cKafka.TopicPartition{
			Topic:     &topic,
			Partition: cKafka.PartitionAny,
		},
		Key:   rec.Key,
		Value: rec.Value,
	}

	if err := q.produceWithRetry(ctx, msg, deliveryCh); err != nil {
		return PublishAck{}, err
	}

	select {
	case <-ctx.Done():
		return PublishAck{}, ctx.Err()
	case ev := <-deliveryCh:
		ack, err := deliveryAck(ev)
		if err != nil {
			return PublishAck{}, err
		}
		ack.Correlation = rec.Correlation
		q.log.Debugw("delivered",
			"topic", ack.Topic,
			"partition", ack.Partition,
			"offset", ack.Offset,
		)
		return ack, nil
	}
}

// Close stops background goroutines and flushes pending messages.
// Messages still queued after timeout are lost. Calling Close more than once does nothing.
func (q *Producer) Close(timeout time.Duration) {
	q.once.Do(func() {
		q.log.Info("closing kafka producer")
		defer close(q.errCh)

		close(q.closedCh)
		<-q.eventsDone
		<-q.logsDone

		if pending := q.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			q.log.Warnf("flush incomplete, messages will be lost. pending: %d", pending)
		}

		q.producer.Close()
		q.log.Info("kafka producer closed")
	})
}

// Errors returns a channel that receives at most one fatal error.
// The channel is closed when the producer shuts down.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

func (q *Producer) produceWithRetry(ctx context.Context, msg *cKafka.Message, deliveryCh chan cKafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr cKafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}

		switch kafkaErr.Code() {
		case cKafka.ErrQueueFull:
			q.log.Warnf("producer queue full, retrying in %s", queueFullErrorRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullErrorRetryDelay):
			}
		case cKafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		case cKafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (q *Producer) monitorProducerEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.reportFatal(errors.New("kafka producer event channel closed"))
				return
			}

			switch e := ev.(type) {
			case *cKafka.Message:
				// Delivery reports are routed to per-message channels.
				q.log.Warnw("unexpected delivery report on events channel", "topicPartition", e.TopicPartition)
			case cKafka.Error:
				if e.IsFatal() || e.Code() == cKafka.ErrAllBrokersDown {
					q.reportFatal(fmt.Errorf("fatal err or ErrAllBrokersDown: %#x, %w", e.Code(), e))
					return
				}
				q.log.Warnf("ignoring unexpected kafka error: %#x, %v", e.Code(), e)
			default:
				q.log.Debugf("ignoring producer event: %v", e)
			}
		}
	}
}

func (q *Producer) reportFatal(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnf("error channel is full, should not happen: %v", err)
	}
}

func deliveryAck(ev cKafka.Event) (PublishAck, error) {
	m, ok := ev.(*cKafka.Message)
	if !ok {
		return PublishAck{}, fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return PublishAck{}, fmt.Errorf("delivery failed: %w", err)
	}

	ack := PublishAck{
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
	}
	if m.TopicPartition.Topic != nil {
		ack.Topic = *m.TopicPartition.Topic
	}
	return ack, nil
}

// drainClientLogs forwards librdkafka log events until ctx or done ends.
func drainClientLogs(
	ctx context.Context,
	done <-chan struct{},
	logs chan cKafka.LogEvent,
	log *zap.SugaredLogger,
	source string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-logs:
			if !ok {
				return
			}
			log.Debugw("librdkafka", "source", source, "level", ev.Level, "tag", ev.Tag, "message", ev.Message)
		}
	}
}
