// Package lifecycle owns every status change of a message. All writes are
// compare-and-swap updates on the row version, so automated actors and
// administrators can race safely.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/events"
	"github.com/gtacat51-art/insta-spotter/internal/gateway"
	"github.com/gtacat51-art/insta-spotter/internal/model"
	"github.com/gtacat51-art/insta-spotter/internal/repo"
)

var (
	// ErrConflict means the message left the status an automated transition
	// expected. Callers treat it as a skip, not a failure.
	ErrConflict = errors.New("message is no longer in the expected state")
	ErrTerminal = errors.New("posted messages cannot be changed")
	ErrInFlight = errors.New("message is being published")
	ErrNoText   = errors.New("text must not be empty")
)

const defaultMaxAttempts = 16

type Controller struct {
	store       repo.MessageRepository
	events      events.Publisher
	log         *zap.Logger
	now         func() time.Time
	autoApprove bool
	maxAttempts int
}

type Option func(*Controller)

func WithEvents(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.events = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAutoApprove controls whether an approve verdict publishes without a
// human look. When off, approved text is parked in review.
func WithAutoApprove(on bool) Option {
	return func(c *Controller) { c.autoApprove = on }
}

func New(store repo.MessageRepository, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		events:      events.Nop{},
		log:         zap.NewNop(),
		now:         time.Now,
		autoApprove: true,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Store() repo.MessageRepository { return c.store }

// mutate reads the message, applies fn and writes it back conditioned on the
// version it read. A lost race re-reads and re-applies, so fn decides again
// against fresh state.
func (c *Controller) mutate(ctx context.Context, id int64, fn func(m *model.Message) error) (model.Message, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		cur, err := c.store.Get(ctx, id)
		if err != nil {
			return model.Message{}, err
		}

		next := cur
		if err := fn(&next); err != nil {
			return cur, err
		}
		next.UpdatedAt = c.now().UTC()
		if err := next.Validate(); err != nil {
			return cur, fmt.Errorf("message %d: %w", id, err)
		}

		updated, err := c.store.Update(ctx, next)
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		return updated, err
	}
	return model.Message{}, fmt.Errorf("message %d: %w", id, ErrConflict)
}

func (c *Controller) emit(ctx context.Context, t events.Type, m model.Message, detail string) {
	e := events.Event{
		Type:      t,
		MessageID: m.ID,
		Status:    m.Status,
		Detail:    detail,
		At:        m.UpdatedAt,
	}
	if m.RemoteID != nil {
		e.RemoteID = *m.RemoteID
	}
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.Warn("event publish failed", zap.String("type", string(t)), zap.Int64("message_id", m.ID), zap.Error(err))
	}
}

func clearClaim(m *model.Message) {
	m.ClaimToken = nil
	m.ClaimedAt = nil
}

// Submitted announces a freshly created message.
func (c *Controller) Submitted(ctx context.Context, m model.Message) {
	c.emit(ctx, events.Submitted, m, "")
}

// ApplyModeration records a verdict for the text that was evaluated. It only
// acts on a pending message whose text has not been edited since.
func (c *Controller) ApplyModeration(ctx context.Context, id int64, evaluatedText string, v gateway.Verdict) (model.Message, error) {
	m, err := c.mutate(ctx, id, func(m *model.Message) error {
		if m.Status != model.Pending || m.Text != evaluatedText {
			return ErrConflict
		}
		m.ModerationReason = model.StrPtr(formatReason(v))
		switch v.Decision {
		case gateway.Approve:
			if c.autoApprove {
				m.Status = model.Approved
			} else {
				m.Status = model.Review
			}
		case gateway.Reject:
			m.Status = model.Rejected
		default:
			if !v.Unavailable() {
				m.Status = model.Review
			}
		}
		return nil
	})
	if err != nil {
		return m, err
	}

	c.log.Info("moderation applied",
		zap.Int64("message_id", id),
		zap.String("decision", string(v.Decision)),
		zap.String("category", v.Category),
		zap.String("status", string(m.Status)),
	)
	c.emit(ctx, events.Moderated, m, string(v.Decision))
	return m, nil
}

func formatReason(v gateway.Verdict) string {
	if v.Category == "" {
		return v.Reason
	}
	return v.Category + ": " + v.Reason
}

// Approve puts a message back in the posting pool regardless of what
// automation did to it, unless it was already posted.
func (c *Controller) Approve(ctx context.Context, id int64) (model.Message, error) {
	return c.override(ctx, id, model.Approved)
}

func (c *Controller) Reject(ctx context.Context, id int64) (model.Message, error) {
	return c.override(ctx, id, model.Rejected)
}

// Resubmit resets a message to pending with no verdict so moderation runs again.
func (c *Controller) Resubmit(ctx context.Context, id int64) (model.Message, error) {
	return c.override(ctx, id, model.Pending)
}

func (c *Controller) override(ctx context.Context, id int64, to model.Status) (model.Message, error) {
	var from model.Status
	m, err := c.mutate(ctx, id, func(m *model.Message) error {
		if m.Status == model.Posted {
			return ErrTerminal
		}
		from = m.Status
		m.Status = to
		m.ErrorMessage = nil
		clearClaim(m)
		if to == model.Pending {
			m.ModerationReason = nil
		}
		return nil
	})
	if err != nil {
		return m, err
	}

	if from == model.Claimed {
		c.log.Warn("override took message from an in-flight claim",
			zap.Int64("message_id", id),
			zap.String("status", string(to)),
		)
	}
	c.log.Info("status overridden",
		zap.Int64("message_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	c.emit(ctx, events.Overridden, m, string(from))
	return m, nil
}

// EditText replaces the text and drops the verdict, which no longer describes
// it. The status is kept unless resubmit is set, in which case the message
// goes back to pending for a fresh verdict.
func (c *Controller) EditText(ctx context.Context, id int64, text string, resubmit bool) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrNoText
	}

	m, err := c.mutate(ctx, id, func(m *model.Message) error {
		switch m.Status {
		case model.Posted:
			return ErrTerminal
		case model.Claimed:
			return ErrInFlight
		}
		m.Text = text
		m.ModerationReason = nil
		if resubmit {
			m.Status = model.Pending
			m.ErrorMessage = nil
		}
		return nil
	})
	if err != nil {
		return m, err
	}

	c.emit(ctx, events.Edited, m, "")
	return m, nil
}

// SetNote stores an admin annotation. It never touches the status and is
// allowed in every state. An empty note clears it.
func (c *Controller) SetNote(ctx context.Context, id int64, note string) (model.Message, error) {
	note = strings.TrimSpace(note)
	return c.mutate(ctx, id, func(m *model.Message) error {
		if note == "" {
			m.AdminNote = nil
		} else {
			m.AdminNote = model.StrPtr(note)
		}
		return nil
	})
}

// Claim takes exclusive posting rights on an approved message. Exactly one of
// any number of concurrent callers wins; the rest get ErrConflict.
func (c *Controller) Claim(ctx context.Context, id int64) (model.Message, error) {
	return c.mutate(ctx, id, func(m *model.Message) error {
		if m.Status != model.Approved {
			return ErrConflict
		}
		m.Status = model.Claimed
		m.ClaimToken = model.StrPtr(uuid.NewString())
		m.ClaimedAt = model.TimePtr(c.now().UTC())
		return nil
	})
}

func holdsClaim(m *model.Message, claimed model.Message) bool {
	return m.Status == model.Claimed &&
		m.ClaimToken != nil && claimed.ClaimToken != nil &&
		*m.ClaimToken == *claimed.ClaimToken
}

// MarkPosted resolves a claim after the remote side accepted the content.
func (c *Controller) MarkPosted(ctx context.Context, claimed model.Message, remoteID string) (model.Message, error) {
	m, err := c.mutate(ctx, claimed.ID, func(m *model.Message) error {
		if !holdsClaim(m, claimed) {
			return ErrConflict
		}
		now := c.now().UTC()
		m.Status = model.Posted
		m.RemoteID = model.StrPtr(remoteID)
		m.PostedAt = &now
		m.ErrorMessage = nil
		clearClaim(m)
		return nil
	})
	if err != nil {
		// The remote post exists but the record no longer reflects it.
		c.log.Error("published but could not record it",
			zap.Int64("message_id", claimed.ID),
			zap.String("remote_id", remoteID),
			zap.String("current_status", string(m.Status)),
			zap.Error(err),
		)
		return m, err
	}

	c.emit(ctx, events.Posted, m, "")
	return m, nil
}

// MarkFailed resolves a claim with a failure. The text is kept; an admin
// approval puts the message back in the pool.
func (c *Controller) MarkFailed(ctx context.Context, claimed model.Message, reason string) (model.Message, error) {
	if reason == "" {
		reason = "unknown failure"
	}
	m, err := c.mutate(ctx, claimed.ID, func(m *model.Message) error {
		if !holdsClaim(m, claimed) {
			return ErrConflict
		}
		m.Status = model.Failed
		m.ErrorMessage = model.StrPtr(reason)
		clearClaim(m)
		return nil
	})
	if err != nil {
		return m, err
	}

	c.log.Warn("posting failed", zap.Int64("message_id", claimed.ID), zap.String("reason", reason))
	c.emit(ctx, events.Failed, m, reason)
	return m, nil
}

// Release hands a claim back to the approved pool without recording a
// failure. It is used when a run stops before anything reached the feed.
func (c *Controller) Release(ctx context.Context, claimed model.Message) (model.Message, error) {
	m, err := c.mutate(ctx, claimed.ID, func(m *model.Message) error {
		if !holdsClaim(m, claimed) {
			return ErrConflict
		}
		m.Status = model.Approved
		clearClaim(m)
		return nil
	})
	if err != nil {
		return m, err
	}

	c.emit(ctx, events.Released, m, "")
	return m, nil
}

// ReleaseStaleClaims returns messages whose claim is older than ttl to the
// approved pool. It is run at startup and on every poll.
func (c *Controller) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := c.store.FindStaleClaims(ctx, c.now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	released := 0
	for _, s := range stale {
		_, err := c.Release(ctx, s)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
		c.log.Warn("stale claim released",
			zap.Int64("message_id", s.ID),
			zap.Timep("claimed_at", s.ClaimedAt),
		)
	}
	return released, nil
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

type BulkResult struct {
	Updated []int64          `json:"updated"`
	Skipped map[int64]string `json:"skipped,omitempty"`
}

// BulkOverride applies one admin action to many messages. Individual failures
// do not stop the rest.
func (c *Controller) BulkOverride(ctx context.Context, ids []int64, action Action) (BulkResult, error) {
	var to model.Status
	switch action {
	case ActionApprove:
		to = model.Approved
	case ActionReject:
		to = model.Rejected
	default:
		return BulkResult{}, fmt.Errorf("unknown action %q", action)
	}

	res := BulkResult{Skipped: map[int64]string{}}
	for _, id := range ids {
		if _, err := c.override(ctx, id, to); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Skipped[id] = err.Error()
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	return res, nil
}
