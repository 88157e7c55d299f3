package pipeline

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
)

const (
	DefaultProduceInterval = 100 * time.Millisecond
	DefaultMaxEvents       = 1_000_000

	generatedValueLength = 10
)

// Generator writes a paced sequence of records to a topic. Keys are a
// counter seeded from the start time in unix seconds; each value is one
// upper case letter, picked from the wall clock, repeated.
type Generator struct {
	client    Publisher
	topic     string
	interval  time.Duration
	maxEvents int
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewGenerator(
	client Publisher,
	topic string,
	interval time.Duration,
	maxEvents int,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Generator {
	return &Generator{
		client:    client,
		topic:     topic,
		interval:  interval,
		maxEvents: maxEvents,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Run produces maxEvents records, one per interval, or until ctx ends. A
// failed write is logged and counted; generation continues.
func (g *Generator) Run(ctx context.Context) error {
	limit := rate.Inf
	if g.interval > 0 {
		limit = rate.Every(g.interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	start := g.now()
	key := start.Unix()
	produced := 0
	g.log.Infow("producing", "topic", g.topic, "maxEvents", g.maxEvents, "interval", g.interval)

	for range g.maxEvents {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		rec := kafka.OutboundRecord{
			Topic: g.topic,
			Key:   []byte(strconv.FormatInt(key, 10)),
			Value: generatedValue(g.now()),
		}
		key++

		ack, err := g.client.Publish(ctx, rec)
		g.metrics.RecordProduced(err)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			g.log.Errorw("publish failed", "topic", g.topic, "key", string(rec.Key), "error", err)
			continue
		}
		produced++
		g.log.Debugw("sent",
			"topic", ack.Topic,
			"partition", ack.Partition,
			"offset", ack.Offset,
			"key", string(rec.Key),
		)
	}

	g.log.Infow("producing finished",
		"topic", g.topic,
		"produced", produced,
		"elapsedSeconds", int64(g.now().Sub(start).Seconds()),
	)
	return nil
}

func generatedValue(t time.Time) []byte {
	letter := byte('A' + t.UnixMilli()%26)
	return bytes.Repeat([]byte{letter}, generatedValueLength)
}
