package repo

import (
	"context"
	"errors"
	"time"

	"github.com/gtacat51-art/insta-spotter/internal/model"
)

var (
	ErrNotFound        = errors.New("message not found")
	ErrVersionConflict = errors.New("message was modified concurrently")
)

type MessageRepository interface {
	Create(ctx context.Context, text string, createdAt time.Time) (model.Message, error)
	Get(ctx context.Context, id int64) (model.Message, error)
	// Update writes every mutable field of m only if the stored version still
	// equals m.Version. The returned message carries the new version.
	Update(ctx context.Context, m model.Message) (model.Message, error)
	List(ctx context.Context, f Filter) ([]model.Message, error)
	// FindApproved returns approved messages oldest first.
	FindApproved(ctx context.Context, q ApprovedQuery) ([]model.Message, error)
	FindStaleClaims(ctx context.Context, claimedBefore time.Time) ([]model.Message, error)
	// FindUnmoderated returns pending messages that never received a verdict.
	FindUnmoderated(ctx context.Context, limit int) ([]model.Message, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

type Filter struct {
	Status *model.Status
	Limit  int
	Offset int
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ApprovedQuery bounds candidates by creation time: From inclusive, To exclusive.
type ApprovedQuery struct {
	From  *time.Time
	To    *time.Time
	Limit int
}
