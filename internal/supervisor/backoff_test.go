// ABOUTME: Tests for the reconnect backoff state machine
// ABOUTME: Checks the delay sequence, the attempt cap and terminal give-up

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_DelaySequence(t *testing.T) {
	b := NewBackoff(DefaultBackoff())
	assert.Equal(t, StateConnected, b.State())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		d, ok := b.Next()
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w, d, "attempt %d", i+1)
		assert.Equal(t, StateRetrying, b.State())
		assert.Equal(t, i+1, b.Attempt())
	}

	_, ok := b.Next()
	assert.False(t, ok)
	assert.Equal(t, StateGaveUp, b.State())
}

func TestBackoff_GaveUpIsTerminal(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1})

	_, ok := b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	require.False(t, ok)

	b.Reset()
	assert.Equal(t, StateGaveUp, b.State(), "reset must not revive a terminal backoff")
	_, ok = b.Next()
	assert.False(t, ok)

	err := b.Wait(t.Context())
	assert.True(t, errors.Is(err, ErrGaveUp))
}

func TestBackoff_ResetAfterSuccess(t *testing.T) {
	b := NewBackoff(DefaultBackoff())
	b.Next()
	b.Next()
	b.Next()
	require.Equal(t, 4*time.Second, b.Delay())

	b.Reset()
	assert.Equal(t, StateConnected, b.State())
	assert.Equal(t, 0, b.Attempt())

	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d, "sequence restarts after a successful registration")
}

func TestBackoff_WaitHonorsContext(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Hour, Max: time.Hour, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}
