package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test", 3, time.Second)
	cb.now = clock.now

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(2 * time.Second)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	clock.advance(2 * time.Second)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
	assert.Equal(t, "closed", cb.State().String())
}

func TestCircuitBreakerDo(t *testing.T) {
	cb := NewCircuitBreaker("do", 1, time.Hour)
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}
