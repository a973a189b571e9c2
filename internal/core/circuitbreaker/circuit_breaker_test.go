package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb := NewWithSettings("test", Settings{MinRequests: 2, FailureRatio: 0.5, OpenTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestExecuteWithFallbackOnlyWhenOpen(t *testing.T) {
	cb := NewWithSettings("test", Settings{MinRequests: 1, FailureRatio: 1, OpenTimeout: time.Minute})
	boom := errors.New("boom")
	fallbacks := 0
	fallback := func() error { fallbacks++; return nil }

	err := cb.ExecuteWithFallback(context.Background(), func() error { return boom }, fallback)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, fallbacks)

	err = cb.ExecuteWithFallback(context.Background(), func() error { return nil }, fallback)
	assert.NoError(t, err)
	assert.Equal(t, 1, fallbacks)
}

func TestExecuteSkipsCancelledContext(t *testing.T) {
	cb := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { t.Fatal("must not run"); return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestIsSuccessfulKeepsBreakerClosed(t *testing.T) {
	miss := errors.New("miss")
	cb := NewWithSettings("test", Settings{
		MinRequests:  1,
		FailureRatio: 0.5,
		OpenTimeout:  time.Minute,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, miss) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return miss }), miss)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
