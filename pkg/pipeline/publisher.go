package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
)

// Publisher writes records to the log.
type Publisher interface {
	Publish(ctx context.Context, rec kafka.OutboundRecord) (kafka.PublishAck, error)
}

// SinkPublisher publishes processed records to a topic, keeping the inbound
// key and carrying the inbound record as correlation.
type SinkPublisher struct {
	client  Publisher
	topic   string
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewSinkPublisher(client Publisher, topic string, log *zap.SugaredLogger, m *metrics.Metrics) *SinkPublisher {
	return &SinkPublisher{client: client, topic: topic, log: log, metrics: m}
}

// Publish writes rec and returns the acknowledgement. Failures are returned
// as is; the caller decides what to do with the record.
func (p *SinkPublisher) Publish(ctx context.Context, rec ProcessedRecord) (kafka.PublishAck, error) {
	start := time.Now()
	ack, err := p.client.Publish(ctx, kafka.OutboundRecord{
		Topic:       p.topic,
		Key:         rec.Record.Key,
		Value:       rec.Value,
		Correlation: rec.Record,
	})
	p.metrics.RecordSent(err, time.Since(start).Seconds())
	if err != nil {
		return kafka.PublishAck{}, err
	}

	p.log.Debugw("sent",
		"topic", ack.Topic,
		"partition", ack.Partition,
		"offset", ack.Offset,
		"sourceTopic", rec.Record.Topic,
		"sourcePartition", rec.Record.Partition,
		"sourceOffset", rec.Record.Offset,
	)
	return ack, nil
}

// Then returns a Sink that publishes each record and passes it with its
// acknowledgement to next. A failed publish is reported and the record is
// passed on marked failed, so its partition stops committing at it. Records
// that already failed are passed on without publishing.
func (p *SinkPublisher) Then(next Sink, report Reporter) Sink {
	return func(ctx context.Context, rec ProcessedRecord) error {
		if rec.Failed() {
			return next(ctx, rec)
		}
		ack, err := p.Publish(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Errorw("publish failed",
				"topic", rec.Record.Topic,
				"partition", rec.Record.Partition,
				"offset", rec.Record.Offset,
				"error", err,
			)
			rec.Err = &RecordError{Stage: StagePublish, Record: rec.Record, Err: err}
			report(ctx, rec.Err)
			return next(ctx, rec)
		}
		rec.Ack = &ack
		rec.Record = ack.Correlation
		return next(ctx, rec)
	}
}
