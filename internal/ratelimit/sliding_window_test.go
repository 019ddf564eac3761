package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow_Allow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sw := NewSlidingWindow(3, time.Hour)
	sw.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		allow, err := sw.Allow(context.Background())
		if i < 3 {
			assert.NoError(t, err)
			assert.True(t, allow)
		} else {
			assert.Equal(t, ErrOverLimit, err)
			assert.False(t, allow)
		}
	}
}

func TestSlidingWindow_ReAllowAfterWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sw := NewSlidingWindow(2, time.Hour)
	sw.now = func() time.Time { return now }

	ctx := context.Background()
	ok, _ := sw.Allow(ctx)
	assert.True(t, ok)

	now = now.Add(30 * time.Minute)
	ok, _ = sw.Allow(ctx)
	assert.True(t, ok)
	ok, _ = sw.Allow(ctx)
	assert.False(t, ok)

	// First event slides out, second is still inside.
	now = now.Add(31 * time.Minute)
	ok, _ = sw.Allow(ctx)
	assert.True(t, ok)
	ok, _ = sw.Allow(ctx)
	assert.False(t, ok)
}

func TestSlidingWindow_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	allow, err := NewSlidingWindow(1, time.Second).Allow(ctx)
	assert.False(t, allow)
	assert.ErrorIs(t, err, context.Canceled)

	ok, err := Unlimited{}.Allow(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
}
