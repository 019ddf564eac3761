// Package ratelimit bounds how many posts go out in a rolling window.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrOverLimit = errors.New("rate limit reached")

type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// SlidingWindow admits at most rate events in any interval-long window.
type SlidingWindow struct {
	rate     int
	interval time.Duration
	now      func() time.Time

	mu sync.Mutex
	l  *list.List
}

func NewSlidingWindow(rate int, interval time.Duration) *SlidingWindow {
	return &SlidingWindow{
		rate:     rate,
		interval: interval,
		now:      time.Now,
		l:        list.New(),
	}
}

func (s *SlidingWindow) Allow(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := now.Add(-s.interval)
	for e := s.l.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).After(start) {
			break
		}
		s.l.Remove(e)
		e = next
	}

	if s.l.Len() < s.rate {
		s.l.PushBack(now)
		return true, nil
	}
	return false, ErrOverLimit
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context) (bool, error) { return true, nil }
