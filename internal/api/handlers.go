package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/cache"
	"github.com/gtacat51-art/insta-spotter/internal/lifecycle"
	"github.com/gtacat51-art/insta-spotter/internal/model"
	"github.com/gtacat51-art/insta-spotter/internal/repo"
	"github.com/gtacat51-art/insta-spotter/internal/service"
)

type SchedulerControl interface {
	Start() bool
	Stop() bool
	IsRunning() bool
}

type Submitter interface {
	Submit(ctx context.Context, text string) (model.Message, error)
}

type Poster interface {
	PostNext(ctx context.Context) (service.Report, error)
	PostDaily(ctx context.Context, day time.Time) (service.Report, error)
}

type Handler struct {
	sched      SchedulerControl
	ctrl       *lifecycle.Controller
	submitter  Submitter
	dispatcher service.Dispatcher
	poster     Poster
	receipts   cache.MessageCache
	log        *zap.Logger
	loc        *time.Location
	now        func() time.Time

	background sync.WaitGroup
}

type Deps struct {
	Scheduler  SchedulerControl
	Controller *lifecycle.Controller
	Submitter  Submitter
	Dispatcher service.Dispatcher
	Poster     Poster
	Receipts   cache.MessageCache
	Logger     *zap.Logger
	// Location decides which calendar day a manual daily run covers.
	Location *time.Location
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		sched:      d.Scheduler,
		ctrl:       d.Controller,
		submitter:  d.Submitter,
		dispatcher: d.Dispatcher,
		poster:     d.Poster,
		receipts:   d.Receipts,
		log:        log,
		loc:        loc,
		now:        time.Now,
	}
}

// Wait blocks until manually triggered publish runs have finished.
func (h *Handler) Wait() {
	h.background.Wait()
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(c *gin.Context) {
	h.sched.Start()
	c.JSON(http.StatusOK, gin.H{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(c *gin.Context) {
	h.sched.Stop()
	c.JSON(http.StatusOK, gin.H{"running": h.sched.IsRunning()})
}

type submitRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *Handler) SubmitMessage(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	m, err := h.submitter.Submit(c.Request.Context(), req.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMessages(c *gin.Context) {
	f := repo.Filter{
		Limit:  parseInt(c.Query("limit"), 50),
		Offset: parseInt(c.Query("offset"), 0),
	}
	if raw := c.Query("status"); raw != "" {
		st, err := model.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = &st
	}

	items, err := h.ctrl.Store().List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (h *Handler) ListPostedMessages(c *gin.Context) {
	posted := model.Posted
	items, err := h.ctrl.Store().List(c.Request.Context(), repo.Filter{
		Status: &posted,
		Limit:  parseInt(c.Query("limit"), 50),
		Offset: parseInt(c.Query("offset"), 0),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (h *Handler) GetMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := h.ctrl.Store().Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetPublication answers from the receipt cache first and falls back to the store.
func (h *Handler) GetPublication(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if h.receipts != nil {
		r, hit, err := h.receipts.LookupSent(ctx, id)
		if err != nil {
			h.log.Warn("receipt cache read failed", zap.Int64("message_id", id), zap.Error(err))
		}
		if hit {
			c.JSON(http.StatusOK, gin.H{"remoteId": r.RemoteID, "postedAt": r.PostedAt, "source": "cache"})
			return
		}
	}

	m, err := h.ctrl.Store().Get(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if m.Status != model.Posted {
		c.JSON(http.StatusNotFound, gin.H{"error": "message is not posted", "status": m.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"remoteId": *m.RemoteID, "postedAt": *m.PostedAt, "source": "store"})
}

func (h *Handler) Approve(c *gin.Context) {
	h.override(c, h.ctrl.Approve)
}

func (h *Handler) Reject(c *gin.Context) {
	h.override(c, h.ctrl.Reject)
}

func (h *Handler) Resubmit(c *gin.Context) {
	m, ok := h.override(c, h.ctrl.Resubmit)
	if ok && h.dispatcher != nil {
		h.dispatcher.Dispatch(m)
	}
}

func (h *Handler) override(c *gin.Context, fn func(context.Context, int64) (model.Message, error)) (model.Message, bool) {
	id, ok := pathID(c)
	if !ok {
		return model.Message{}, false
	}
	m, err := fn(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return model.Message{}, false
	}
	c.JSON(http.StatusOK, m)
	return m, true
}

type bulkRequest struct {
	IDs    []int64 `json:"ids" binding:"required"`
	Action string  `json:"action" binding:"required"`
}

func (h *Handler) BulkUpdate(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids and action are required"})
		return
	}
	action := lifecycle.Action(req.Action)
	if action != lifecycle.ActionApprove && action != lifecycle.ActionReject {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be approve or reject"})
		return
	}

	res, err := h.ctrl.BulkOverride(c.Request.Context(), req.IDs, action)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type editTextRequest struct {
	Text     string `json:"text" binding:"required"`
	Resubmit bool   `json:"resubmit"`
}

func (h *Handler) EditText(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req editTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	m, err := h.ctrl.EditText(c.Request.Context(), id, req.Text, req.Resubmit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.Resubmit && h.dispatcher != nil {
		h.dispatcher.Dispatch(m)
	}
	c.JSON(http.StatusOK, m)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (h *Handler) SetNote(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	m, err := h.ctrl.SetNote(c.Request.Context(), id, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.ctrl.Store().CountByStatus(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts, "total": total})
}

func (h *Handler) PublishNext(c *gin.Context) {
	h.trigger(c, "single", func(ctx context.Context) (service.Report, error) {
		return h.poster.PostNext(ctx)
	})
}

func (h *Handler) PublishDaily(c *gin.Context) {
	day := h.now().In(h.loc)
	if raw := c.Query("day"); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, h.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = d
	}
	h.trigger(c, "daily", func(ctx context.Context) (service.Report, error) {
		return h.poster.PostDaily(ctx, day)
	})
}

// trigger runs a publish job. With ?wait=true the report is returned,
// otherwise the job continues in the background and 202 is returned at once.
func (h *Handler) trigger(c *gin.Context, name string, run func(context.Context) (service.Report, error)) {
	if c.Query("wait") == "true" {
		rep, err := run(c.Request.Context())
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		rep, err := run(ctx)
		if err != nil {
			h.log.Error("manual publish failed", zap.String("mode", name), zap.Error(err))
			return
		}
		h.log.Info("manual publish finished",
			zap.String("mode", name),
			zap.Int("claimed", rep.Claimed),
			zap.Int("posted", len(rep.Posted)),
			zap.Int("failed", len(rep.Failed)),
		)
	}()
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "mode": name})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, lifecycle.ErrInFlight),
		errors.Is(err, lifecycle.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrNoText),
		errors.Is(err, service.ErrTooShort),
		errors.Is(err, service.ErrTooLong):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func nonNil(items []model.Message) []model.Message {
	if items == nil {
		return []model.Message{}
	}
	return items
}
