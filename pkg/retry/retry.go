// Package retry holds the retry decision used for inbound stream failures
// and for pipeline restarts.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 2
	DefaultFixedDelay  = 3 * time.Second
)

// Policy decides, for a given attempt number, whether another attempt is
// made and how long to wait before it. A Policy is a value and carries no
// state; NewBackOff returns a stateful iterator over the same schedule.
type Policy struct {
	MaxAttempts int
	// Delay is the constant wait for fixed policies and the first wait for
	// exponential ones.
	Delay       time.Duration
	Exponential bool
	// MaxDelay caps exponential growth. Zero leaves it uncapped.
	MaxDelay time.Duration
}

// Fixed returns a policy that waits delay between each of at most attempts retries.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy doubling the wait from minDelay, for at most attempts retries.
func Exponential(attempts int, minDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: minDelay, Exponential: true}
}

// Validate checks the policy can be used.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %s", p.Delay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must be >= 0, got %s", p.MaxDelay)
	}
	return nil
}

// Next reports the wait before retry number attempt (1-based) and whether
// that retry is allowed at all.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	if !p.Exponential {
		return p.Delay, true
	}

	d := p.Delay
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}

// NewBackOff returns a backoff.BackOff walking the same schedule as Next.
func (p Policy) NewBackOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.MaxInterval = time.Duration(math.MaxInt64)
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}
	return backoff.WithMaxRetries(b, uint64(max(p.MaxAttempts, 0)))
}

func (p Policy) String() string {
	if p.Exponential {
		return fmt.Sprintf("exponential(attempts=%d, min=%s)", p.MaxAttempts, p.Delay)
	}
	return fmt.Sprintf("fixed(attempts=%d, delay=%s)", p.MaxAttempts, p.Delay)
}

// Do runs op until it succeeds, returns an error that retryable rejects, or
// the policy is exhausted. notify, if set, is called before each wait.
func Do(
	ctx context.Context,
	p Policy,
	retryable func(error) bool,
	op func() error,
	notify func(err error, wait time.Duration),
) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(p.NewBackOff(), ctx), notify)
}
