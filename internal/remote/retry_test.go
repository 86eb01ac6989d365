package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wcsnap/internal/store"
)

var fastPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	got, attempts, err := Retry(context.Background(), fastPolicy, "op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", store.Transient("op", errors.New("503"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	permanent := errors.New("unauthorized")
	_, attempts, err := Retry(context.Background(), fastPolicy, "op", func(context.Context) (int, error) {
		return 0, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhausts(t *testing.T) {
	_, attempts, err := Retry(context.Background(), fastPolicy, "op", func(context.Context) (int, error) {
		return 0, store.Transient("op", errors.New("timeout"))
	})
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, 3, attempts)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, attempts, err := Retry(ctx, fastPolicy, "op", func(context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestPolicyDelayCaps(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(10))
}

func TestPolicyDelayUncappedStopsDoubling(t *testing.T) {
	p := Policy{BaseDelay: time.Second}
	assert.Equal(t, 4*time.Second, p.Delay(2))

	last := p.Delay(40)
	assert.Greater(t, last, p.Delay(32))
	for _, i := range []int{41, 63, 64, 80, 1000} {
		assert.Equal(t, last, p.Delay(i), "attempt %d", i)
	}
	assert.GreaterOrEqual(t, p.Delay(80), p.Delay(30))
}
