package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/cache"
	"github.com/gtacat51-art/insta-spotter/internal/gateway"
	"github.com/gtacat51-art/insta-spotter/internal/lifecycle"
	"github.com/gtacat51-art/insta-spotter/internal/model"
	"github.com/gtacat51-art/insta-spotter/internal/ratelimit"
	"github.com/gtacat51-art/insta-spotter/internal/repo"
)

const (
	DefaultCaption  = "Spotted del giorno {date}! ✨\n\n#spotted #instaspotter #confessioni"
	DefaultClaimTTL = 15 * time.Minute

	// candidates fetched per single-item attempt; later ones are tried only
	// when earlier claims are lost.
	singleCandidates = 5
)

type PosterConfig struct {
	// DailyCap bounds the batch size; zero means no bound.
	DailyCap int
	ClaimTTL time.Duration
	// Caption for the daily batch. "{date}" is replaced with dd/mm/yyyy.
	Caption  string
	Location *time.Location
	Limiter  ratelimit.Limiter
}

type Report struct {
	Claimed     int     `json:"claimed"`
	Posted      []int64 `json:"posted,omitempty"`
	Failed      []int64 `json:"failed,omitempty"`
	Released    []int64 `json:"released,omitempty"`
	Conflicts   int     `json:"conflicts"`
	RemoteID    string  `json:"remoteId,omitempty"`
	RateLimited bool    `json:"rateLimited,omitempty"`
}

// Poster claims approved messages, renders and publishes them, and resolves
// each claim to posted or failed.
type Poster struct {
	ctrl      *lifecycle.Controller
	renderer  gateway.Renderer
	publisher gateway.Publisher
	receipts  cache.MessageCache
	cfg       PosterConfig
	log       *zap.Logger
	now       func() time.Time

	sessionMu  sync.Mutex
	sessionGen uint64
}

type PosterOption func(*Poster)

func WithReceipts(c cache.MessageCache) PosterOption {
	return func(p *Poster) { p.receipts = c }
}

func WithPosterLogger(l *zap.Logger) PosterOption {
	return func(p *Poster) {
		if l != nil {
			p.log = l
		}
	}
}

func WithPosterClock(now func() time.Time) PosterOption {
	return func(p *Poster) { p.now = now }
}

func NewPoster(ctrl *lifecycle.Controller, renderer gateway.Renderer, publisher gateway.Publisher, cfg PosterConfig, opts ...PosterOption) *Poster {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Caption == "" {
		cfg.Caption = DefaultCaption
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}

	p := &Poster{
		ctrl:      ctrl,
		renderer:  renderer,
		publisher: publisher,
		cfg:       cfg,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RecoverClaims releases claims older than the claim TTL.
func (p *Poster) RecoverClaims(ctx context.Context) (int, error) {
	return p.ctrl.ReleaseStaleClaims(ctx, p.cfg.ClaimTTL)
}

// Poll is the interval job: recover abandoned claims, then post one message.
func (p *Poster) Poll(ctx context.Context) (Report, error) {
	if _, err := p.RecoverClaims(ctx); err != nil {
		p.log.Error("claim recovery failed", zap.Error(err))
	}
	return p.PostNext(ctx)
}

// PostNext publishes the oldest approved message it manages to claim.
func (p *Poster) PostNext(ctx context.Context) (Report, error) {
	var rep Report

	candidates, err := p.ctrl.Store().FindApproved(ctx, repo.ApprovedQuery{Limit: singleCandidates})
	if err != nil {
		return rep, fmt.Errorf("find approved: %w", err)
	}

	for _, c := range candidates {
		claimed, err := p.ctrl.Claim(ctx, c.ID)
		if errors.Is(err, lifecycle.ErrConflict) {
			rep.Conflicts++
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("claim %d: %w", c.ID, err)
		}

		// Only a won claim spends a slot.
		if ok, err := p.cfg.Limiter.Allow(ctx); !ok {
			p.release(ctx, claimed, &rep)
			if errors.Is(err, ratelimit.ErrOverLimit) {
				p.log.Info("posting rate limit reached, deferring")
				rep.RateLimited = true
				return rep, nil
			}
			return rep, err
		}

		rep.Claimed = 1
		p.postSingle(ctx, claimed, &rep)
		return rep, nil
	}
	return rep, nil
}

func (p *Poster) postSingle(ctx context.Context, claimed model.Message, rep *Report) {
	resolveCtx := context.WithoutCancel(ctx)

	path, err := p.renderer.Render(ctx, claimed.Text, claimed.ID)
	if err != nil {
		if ctx.Err() != nil {
			p.release(resolveCtx, claimed, rep)
			return
		}
		p.fail(resolveCtx, claimed, "render failed: "+err.Error(), rep)
		return
	}

	gen := p.generation()
	remoteID, err := p.publisher.PublishSingle(ctx, path, "message:"+strconv.FormatInt(claimed.ID, 10))
	if err != nil {
		if ctx.Err() != nil {
			p.leaveClaimed(claimed, err)
			return
		}
		p.onPublishError(gen, err)
		p.fail(resolveCtx, claimed, "publish failed: "+err.Error(), rep)
		return
	}

	p.resolvePosted(resolveCtx, claimed, remoteID, rep)
	rep.RemoteID = remoteID
}

// PostDaily publishes every approved message created on day (in the
// configured location) as one batch sharing one remote id.
func (p *Poster) PostDaily(ctx context.Context, day time.Time) (Report, error) {
	var rep Report

	day = day.In(p.cfg.Location)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, p.cfg.Location)
	end := start.AddDate(0, 0, 1)

	candidates, err := p.ctrl.Store().FindApproved(ctx, repo.ApprovedQuery{From: &start, To: &end, Limit: p.cfg.DailyCap})
	if err != nil {
		return rep, fmt.Errorf("find approved: %w", err)
	}

	var claimed []model.Message
	for _, c := range candidates {
		m, err := p.ctrl.Claim(ctx, c.ID)
		if errors.Is(err, lifecycle.ErrConflict) {
			rep.Conflicts++
			continue
		}
		if err != nil {
			p.log.Error("daily claim failed", zap.Int64("message_id", c.ID), zap.Error(err))
			continue
		}
		claimed = append(claimed, m)
	}
	rep.Claimed = len(claimed)
	if len(claimed) == 0 {
		p.log.Info("daily batch: nothing to publish", zap.Time("day", start))
		return rep, nil
	}

	resolveCtx := context.WithoutCancel(ctx)

	var (
		rendered []model.Message
		paths    []string
	)
	for i, m := range claimed {
		path, err := p.renderer.Render(ctx, m.Text, m.ID)
		if err != nil && ctx.Err() != nil {
			// Nothing was published yet: hand every open claim back.
			for _, open := range append(rendered, claimed[i:]...) {
				p.release(resolveCtx, open, &rep)
			}
			return rep, nil
		}
		if err != nil {
			p.fail(resolveCtx, m, "render failed: "+err.Error(), &rep)
			continue
		}
		rendered = append(rendered, m)
		paths = append(paths, path)
	}
	if len(rendered) == 0 {
		return rep, nil
	}

	date := start.Format("02/01/2006")
	caption := strings.ReplaceAll(p.cfg.Caption, "{date}", date)

	gen := p.generation()
	remoteID, err := p.publisher.PublishBatch(ctx, paths, caption, batchKey(start, rendered))
	if err != nil {
		if ctx.Err() != nil {
			for _, m := range rendered {
				p.leaveClaimed(m, err)
			}
			return rep, nil
		}
		p.onPublishError(gen, err)
		for _, m := range rendered {
			p.fail(resolveCtx, m, "batch publish failed: "+err.Error(), &rep)
		}
		return rep, nil
	}

	for _, m := range rendered {
		p.resolvePosted(resolveCtx, m, remoteID, &rep)
	}
	rep.RemoteID = remoteID
	p.log.Info("daily batch published",
		zap.String("remote_id", remoteID),
		zap.Int("posted", len(rep.Posted)),
		zap.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

func batchKey(day time.Time, msgs []model.Message) string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, strconv.FormatInt(m.ID, 10))
	}
	return "batch:" + day.Format("2006-01-02") + ":" + strings.Join(ids, ",")
}

func (p *Poster) resolvePosted(ctx context.Context, claimed model.Message, remoteID string, rep *Report) {
	posted, err := p.ctrl.MarkPosted(ctx, claimed, remoteID)
	if err != nil {
		return
	}
	rep.Posted = append(rep.Posted, claimed.ID)

	if p.receipts != nil && posted.PostedAt != nil {
		if err := p.receipts.StoreSent(ctx, posted.ID, remoteID, *posted.PostedAt); err != nil {
			p.log.Warn("receipt cache write failed", zap.Int64("message_id", posted.ID), zap.Error(err))
		}
	}
}

func (p *Poster) fail(ctx context.Context, claimed model.Message, reason string, rep *Report) {
	if _, err := p.ctrl.MarkFailed(ctx, claimed, reason); err != nil {
		p.log.Warn("could not record failure", zap.Int64("message_id", claimed.ID), zap.Error(err))
		return
	}
	rep.Failed = append(rep.Failed, claimed.ID)
}

func (p *Poster) release(ctx context.Context, claimed model.Message, rep *Report) {
	if _, err := p.ctrl.Release(context.WithoutCancel(ctx), claimed); err != nil {
		p.log.Warn("could not release claim", zap.Int64("message_id", claimed.ID), zap.Error(err))
		return
	}
	rep.Released = append(rep.Released, claimed.ID)
}

// leaveClaimed keeps the claim of a publish that was interrupted in flight.
// The feed may have accepted it, so the stale-claim sweep re-offers it later
// under the same idempotency key instead of failing it now.
func (p *Poster) leaveClaimed(claimed model.Message, err error) {
	p.log.Warn("publish interrupted, claim left for recovery",
		zap.Int64("message_id", claimed.ID),
		zap.Duration("claim_ttl", p.cfg.ClaimTTL),
		zap.Error(err),
	)
}

func (p *Poster) generation() uint64 {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	return p.sessionGen
}

// onPublishError invalidates the publisher session on an auth failure. When
// several attempts fail against the same session only the first invalidates.
func (p *Poster) onPublishError(seen uint64, err error) {
	if !gateway.IsAuthFailure(err) {
		return
	}
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	if p.sessionGen != seen {
		return
	}
	p.publisher.InvalidateSession()
	p.sessionGen++
	p.log.Warn("publish session invalidated after auth failure", zap.Error(err))
}
