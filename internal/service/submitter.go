package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/lifecycle"
	"github.com/gtacat51-art/insta-spotter/internal/model"
)

const (
	DefaultMinLength = 10
	DefaultMaxLength = 1000
)

var (
	ErrTooShort = errors.New("text is too short")
	ErrTooLong  = errors.New("text is too long")
)

// Dispatcher schedules moderation for a newly stored message without
// blocking the caller.
type Dispatcher interface {
	Dispatch(m model.Message)
}

type Submitter struct {
	ctrl       *lifecycle.Controller
	dispatcher Dispatcher
	minLength  int
	maxLength  int
	now        func() time.Time
	log        *zap.Logger
}

func NewSubmitter(ctrl *lifecycle.Controller, dispatcher Dispatcher, minLength, maxLength int, log *zap.Logger) *Submitter {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		ctrl:       ctrl,
		dispatcher: dispatcher,
		minLength:  minLength,
		maxLength:  maxLength,
		now:        time.Now,
		log:        log,
	}
}

// Submit validates and stores the text as a pending message, then hands it to
// moderation. Text outside the length bounds never reaches the store.
func (s *Submitter) Submit(ctx context.Context, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < s.minLength {
		return model.Message{}, fmt.Errorf("%w: minimum is %d characters", ErrTooShort, s.minLength)
	}
	if n > s.maxLength {
		return model.Message{}, fmt.Errorf("%w: maximum is %d characters", ErrTooLong, s.maxLength)
	}

	m, err := s.ctrl.Store().Create(ctx, text, s.now())
	if err != nil {
		return model.Message{}, err
	}
	s.log.Info("message submitted", zap.Int64("message_id", m.ID), zap.Int("chars", n))

	s.ctrl.Submitted(ctx, m)
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(m)
	}
	return m, nil
}
