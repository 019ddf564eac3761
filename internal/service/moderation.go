package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/gateway"
	"github.com/gtacat51-art/insta-spotter/internal/lifecycle"
	"github.com/gtacat51-art/insta-spotter/internal/model"
)

const persistTimeout = 10 * time.Second

// Moderation runs one moderation task per submission, each in its own
// goroutine, independent of the scheduler loop.
type Moderation struct {
	ctrl      *lifecycle.Controller
	moderator gateway.Moderator
	timeout   time.Duration
	log       *zap.Logger

	wg sync.WaitGroup
}

var _ Dispatcher = (*Moderation)(nil)

func NewModeration(ctrl *lifecycle.Controller, moderator gateway.Moderator, timeout time.Duration, log *zap.Logger) *Moderation {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Moderation{
		ctrl:      ctrl,
		moderator: moderator,
		timeout:   timeout,
		log:       log,
	}
}

func (d *Moderation) Dispatch(m model.Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("moderation task panic recovered", zap.Int64("message_id", m.ID), zap.Any("panic", r))
			}
		}()
		_, _ = d.Run(context.Background(), m)
	}()
}

// Run evaluates the message text and applies the verdict. A message that
// left pending while the call was out is skipped. One that is still pending
// but had its text edited in the meantime is evaluated again.
func (d *Moderation) Run(ctx context.Context, m model.Message) (model.Message, error) {
	for {
		updated, err := d.evaluate(ctx, m)
		if !errors.Is(err, lifecycle.ErrConflict) {
			if err != nil {
				d.log.Error("apply moderation failed", zap.Int64("message_id", m.ID), zap.Error(err))
			}
			return updated, err
		}

		if updated.Status == model.Pending && updated.ModerationReason == nil && updated.Text != m.Text {
			d.log.Info("text edited during moderation, evaluating again", zap.Int64("message_id", m.ID))
			m = updated
			continue
		}
		d.log.Info("moderation verdict discarded, message changed meanwhile", zap.Int64("message_id", m.ID))
		return updated, err
	}
}

func (d *Moderation) evaluate(ctx context.Context, m model.Message) (model.Message, error) {
	evalCtx, cancel := context.WithTimeout(ctx, d.timeout)
	v := d.moderator.Evaluate(evalCtx, m.Text)
	cancel()

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	return d.ctrl.ApplyModeration(applyCtx, m.ID, m.Text, v)
}

// RecoverPending re-dispatches pending messages that never got a verdict,
// typically because the process stopped while their task was queued.
func (d *Moderation) RecoverPending(ctx context.Context) (int, error) {
	pending, err := d.ctrl.Store().FindUnmoderated(ctx, 500)
	if err != nil {
		return 0, err
	}
	for _, m := range pending {
		d.Dispatch(m)
	}
	if len(pending) > 0 {
		d.log.Info("re-dispatched unmoderated messages", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// Wait blocks until every dispatched task has finished.
func (d *Moderation) Wait() {
	d.wg.Wait()
}
