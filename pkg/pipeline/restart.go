package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ava-labs/kafka-pipeline/pkg/metrics"
	"github.com/ava-labs/kafka-pipeline/pkg/retry"
)

const (
	DefaultMaxRestarts  = 10
	DefaultRestartDelay = 60 * time.Second
)

// ErrGivenUp is returned once the restart ceiling has been reached.
var ErrGivenUp = errors.New("gave up restarting pipeline")

// State is the lifecycle state of a RestartController.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateRestarting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateGivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

/*
RestartController reruns a pipeline after it fails. Each terminal failure
counts one attempt; while the count is within the ceiling the pipeline is
started again after a fixed delay, and once it is exceeded the controller
moves to StateGivenUp and stays there.

With a ceiling of N the pipeline is restarted exactly N times. A run that
returns nil, or that ends because its context was canceled, is not a
failure and stops the controller without touching the count.
*/
type RestartController struct {
	policy  retry.Policy
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	attempts    int
	lastFailure time.Time
}

// NewRestartController creates a controller allowing maxRestarts restarts,
// each after delay.
func NewRestartController(maxRestarts int, delay time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *RestartController {
	return &RestartController{
		policy:  retry.Fixed(max(maxRestarts, 0), delay),
		log:     log,
		metrics: m,
	}
}

// Run starts run and restarts it on failure. It returns nil when run ends
// cleanly or ctx is canceled, and an error wrapping ErrGivenUp and the last
// failure once the ceiling is reached.
func (c *RestartController) Run(ctx context.Context, run func(ctx context.Context) error) error {
	if c.State() == StateGivenUp {
		return ErrGivenUp
	}

	for {
		runID := uuid.NewString()
		c.setState(StateRunning)
		c.metrics.IncPipelineStart()
		c.log.Infow("pipeline started", "runID", runID, "attempts", c.Attempts())

		err := run(ctx)
		if ctx.Err() != nil || err == nil {
			c.setState(StateIdle)
			c.log.Infow("pipeline stopped", "runID", runID)
			return nil
		}
		c.metrics.IncPipelineError()

		c.mu.Lock()
		c.attempts++
		c.lastFailure = time.Now()
		attempts := c.attempts
		c.mu.Unlock()

		delay, ok := c.policy.Next(attempts)
		if !ok {
			c.setState(StateGivenUp)
			c.log.Errorw("gave up restarting pipeline",
				"runID", runID,
				"restarts", attempts-1,
				"error", err,
			)
			return fmt.Errorf("%w after %d restarts: %w", ErrGivenUp, attempts-1, err)
		}

		c.setState(StateRestarting)
		c.metrics.IncRestart()
		c.log.Errorw("pipeline failed, scheduling restart",
			"runID", runID,
			"attempt", attempts,
			"maxRestarts", c.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(StateIdle)
			return nil
		case <-t.C:
		}
	}
}

// State returns the current state.
func (c *RestartController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of failures counted so far.
func (c *RestartController) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastFailure returns when the pipeline last failed, or the zero time.
func (c *RestartController) LastFailure() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

// Reset clears the failure count. It does not revive a controller that has
// given up.
func (c *RestartController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.lastFailure = time.Time{}
	c.log.Infow("restart counter reset", "state", c.state.String())
}

// Ready reports ErrGivenUp once the controller has given up.
func (c *RestartController) Ready() error {
	if c.State() == StateGivenUp {
		return ErrGivenUp
	}
	return nil
}

func (c *RestartController) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.SetPipelineState(int(s))
}
