package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/cache"
)

// maxWait caps a single sleep so wall-clock jumps are noticed.
const maxWait = time.Minute

// DailyAt is a wall-clock time of day.
type DailyAt struct {
	Hour   int
	Minute int
}

func ParseDailyAt(s string) (DailyAt, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return DailyAt{}, fmt.Errorf("invalid daily time %q, want HH:MM", s)
	}
	return DailyAt{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (d DailyAt) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

type Config struct {
	PollInterval time.Duration
	// Daily enables the fixed-time trigger when set.
	Daily    *DailyAt
	Location *time.Location
	// MaxJitter bounds the random delay before the first poll.
	MaxJitter time.Duration
	// CatchUp lets a start shortly after today's trigger time still run the
	// day's batch.
	CatchUp time.Duration
}

type (
	PollFunc  func(ctx context.Context)
	DailyFunc func(ctx context.Context, due time.Time)
)

// Scheduler drives the interval poll and the daily trigger from a single
// loop. A run of one never overlaps a run of the other.
type Scheduler struct {
	cfg    Config
	poll   PollFunc
	daily  DailyFunc
	marker cache.DailyMarker
	log    *zap.Logger
	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

func WithMarker(m cache.DailyMarker) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.marker = m
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg Config, poll PollFunc, daily DailyFunc, opts ...Option) (*Scheduler, error) {
	if cfg.PollInterval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if poll == nil {
		return nil, errors.New("poll func must not be nil")
	}
	if cfg.Daily != nil {
		if daily == nil {
			return nil, errors.New("daily func must not be nil when a daily time is set")
		}
		if cfg.Daily.Hour < 0 || cfg.Daily.Hour > 23 || cfg.Daily.Minute < 0 || cfg.Daily.Minute > 59 {
			return nil, fmt.Errorf("invalid daily time %s", cfg.Daily)
		}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	s := &Scheduler{
		cfg:    cfg,
		poll:   poll,
		daily:  daily,
		marker: cache.NewMemoryMarker(),
		log:    zap.NewNop(),
		now:    time.Now,
		jitter: randomJitter,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// NextDailyRun returns the first instant strictly after now at which the
// wall clock in loc reads at.
func NextDailyRun(now time.Time, at DailyAt, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour, at.Minute, 0, 0, loc)
	}
	return next
}

func (s *Scheduler) firstDailyRun(now time.Time) time.Time {
	at := *s.cfg.Daily
	if s.cfg.CatchUp > 0 {
		local := now.In(s.cfg.Location)
		today := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, s.cfg.Location)
		if !today.After(now) && now.Sub(today) <= s.cfg.CatchUp {
			return today
		}
	}
	return NextDailyRun(now, at, s.cfg.Location)
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.run(ctx)

	return true
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	now := s.now()
	nextPoll := now.Add(s.jitter(s.cfg.MaxJitter))

	var nextDaily time.Time
	if s.cfg.Daily != nil {
		nextDaily = s.firstDailyRun(now)
	}

	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.PollInterval),
		zap.Time("first_poll", nextPoll),
		zap.Time("next_daily", nextDaily),
	)

	for {
		due := nextPoll
		if !nextDaily.IsZero() && nextDaily.Before(due) {
			due = nextDaily
		}
		wait := due.Sub(s.now())
		if wait > maxWait {
			wait = maxWait
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.log.Info("scheduler stopping")
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			s.log.Info("scheduler stopping")
			return
		}

		now = s.now()
		if !nextDaily.IsZero() && !now.Before(nextDaily) {
			s.runDaily(ctx, nextDaily)
			nextDaily = NextDailyRun(s.now(), *s.cfg.Daily, s.cfg.Location)
			s.log.Info("next daily run scheduled", zap.Time("at", nextDaily))
		}
		if ctx.Err() == nil && !s.now().Before(nextPoll) {
			s.safeTick(ctx, "poll", s.poll)
			nextPoll = s.now().Add(s.cfg.PollInterval)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, due time.Time) {
	day := due.In(s.cfg.Location).Format("2006-01-02")

	first, err := s.marker.MarkRun(ctx, day)
	switch {
	case err != nil:
		// Claims still prevent double posting, so run rather than skip the day.
		s.log.Error("daily marker unavailable, running anyway", zap.String("day", day), zap.Error(err))
	case !first:
		s.log.Info("daily batch already ran", zap.String("day", day))
		return
	}

	s.safeTick(ctx, "daily", func(ctx context.Context) { s.daily(ctx, due) })
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", zap.String("job", name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	fn(ctx)
	s.log.Info("scheduler tick completed", zap.String("job", name), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}
