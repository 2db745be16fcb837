// Package retry provides bounded retry strategies for calls to the session
// store and to completion providers.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Strategy runs fn until it succeeds, returns a non-retryable error, or the
// strategy gives up. op names the call for logging.
type Strategy interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// Policy defines configuration for retry behavior.
type Policy struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Jitter       bool          `json:"jitter"`

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool `json:"-"`
}

// DefaultPolicy returns three attempts with exponential backoff from 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Backoff is a Strategy with exponential backoff between attempts.
type Backoff struct {
	policy Policy
	logger zerolog.Logger
}

var _ Strategy = (*Backoff)(nil)

// New returns a Backoff strategy for p. Zero fields fall back to
// DefaultPolicy values.
func New(p Policy, logger zerolog.Logger) *Backoff {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return &Backoff{policy: p, logger: logger.With().Str("component", "retry").Logger()}
}

// Policy returns the effective policy.
func (b *Backoff) Policy() Policy { return b.policy }

func (b *Backoff) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.policy.InitialDelay
	eb.MaxInterval = b.policy.MaxDelay
	eb.Multiplier = b.policy.Multiplier
	eb.MaxElapsedTime = 0
	if !b.policy.Jitter {
		eb.RandomizationFactor = 0
	}
	eb.Reset()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(eb, uint64(b.policy.MaxAttempts-1)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if b.policy.Retryable != nil && !b.policy.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", b.policy.MaxAttempts).
			Dur("wait", wait).
			Err(err).
			Msg("Retrying call")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && attempt > 1 {
		b.logger.Warn().Str("op", op).Int("attempts", attempt).Err(err).Msg("Call failed after retries")
	}
	return err
}

// Once is a Strategy that never retries.
type Once struct{}

func (Once) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
