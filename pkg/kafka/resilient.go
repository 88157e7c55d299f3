package kafka

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/retry"
)

// SubscribeWithRetry subscribes to topics and keeps the subscription alive
// across retryable read failures, resubscribing as policy allows. The
// attempt limit covers the lifetime of the returned stream. Once the policy
// is exhausted, or a failure is not retryable, the stream ends and Err
// reports the last failure.
func SubscribeWithRetry(
	ctx context.Context,
	client Client,
	topics []string,
	policy retry.Policy,
	log *zap.SugaredLogger,
) Stream {
	return NewStream(ctx, DefaultStreamBuffer, func(ctx context.Context, w *StreamWriter) error {
		subscriptions := 0
		err := retry.Do(ctx, policy, IsRetryable, func() error {
			subscriptions++
			inner, err := client.Subscribe(ctx, topics)
			if err != nil {
				return fmt.Errorf("subscribe to %v: %w", topics, err)
			}
			defer inner.Close() //nolint:errcheck // stream close only cancels its loop
			return forward(ctx, inner, w)
		}, func(err error, wait time.Duration) {
			log.Warnw("inbound subscription failed, resubscribing",
				"topics", topics,
				"subscriptions", subscriptions,
				"policy", policy.String(),
				"wait", wait,
				"error", err,
			)
		})
		if err != nil && IsRetryable(err) {
			return fmt.Errorf("inbound retries exhausted after %d subscriptions: %w", subscriptions, err)
		}
		return err
	})
}

func forward(ctx context.Context, inner Stream, w *StreamWriter) error {
	records := inner.Records()
	revoked := inner.Revoked()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case keys := <-revoked:
			if !w.Revoke(ctx, keys) {
				return ctx.Err()
			}
		case rec, ok := <-records:
			if !ok {
				return inner.Err()
			}
			if !w.Emit(ctx, rec) {
				return ctx.Err()
			}
		}
	}
}
