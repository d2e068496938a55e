// ABOUTME: Client-side reconnect backoff as an explicit state machine
// ABOUTME: Delay doubles per attempt up to a cap; exhaustion is terminal

package supervisor

import (
	"context"
	"errors"
	"time"
)

// ErrGaveUp is returned once every reconnect attempt has been used.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// BackoffState is where the reconnect loop stands.
type BackoffState string

const (
	StateConnected BackoffState = "connected"
	StateRetrying  BackoffState = "retrying"
	StateGaveUp    BackoffState = "gave-up"
)

// BackoffConfig bounds the reconnect loop.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s ... capped at 30s, for ten attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Backoff tracks reconnect attempts. It is not safe for concurrent use; the
// agent's connection loop owns it.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	delay   time.Duration
	state   BackoffState
}

// NewBackoff returns a Backoff in the connected state. Zero config fields
// take their defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoff()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Backoff{cfg: cfg, state: StateConnected}
}

// Next consumes one attempt and returns the delay before it. The second
// result is false once attempts are exhausted; the state is then GaveUp for good.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.state == StateGaveUp {
		return 0, false
	}
	if b.attempt >= b.cfg.MaxAttempts {
		b.state = StateGaveUp
		b.delay = 0
		return 0, false
	}

	b.attempt++
	b.state = StateRetrying
	b.delay = b.delayFor(b.attempt)
	return b.delay, true
}

// Wait sleeps for the next delay. It returns ErrGaveUp when attempts are
// exhausted and ctx.Err() if ctx ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	d, ok := b.Next()
	if !ok {
		return ErrGaveUp
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset records a successful registration. GaveUp is terminal and is not reset.
func (b *Backoff) Reset() {
	if b.state == StateGaveUp {
		return
	}
	b.attempt = 0
	b.delay = 0
	b.state = StateConnected
}

// Attempt returns how many attempts have been consumed since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Delay returns the most recently computed delay.
func (b *Backoff) Delay() time.Duration { return b.delay }

// State returns the current state.
func (b *Backoff) State() BackoffState { return b.state }

func (b *Backoff) delayFor(attempt int) time.Duration {
	d := b.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.cfg.Max {
			return b.cfg.Max
		}
	}
	return min(d, b.cfg.Max)
}
