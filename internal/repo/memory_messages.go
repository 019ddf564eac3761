package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gtacat51-art/insta-spotter/internal/model"
)

// MemoryMessageRepo keeps messages in process memory. It is used by tests and
// by STORE_DRIVER=memory for local runs.
type MemoryMessageRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]model.Message
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{rows: make(map[int64]model.Message)}
}

func (r *MemoryMessageRepo) Create(ctx context.Context, text string, createdAt time.Time) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	m := model.Message{
		ID:        r.nextID,
		Text:      text,
		Status:    model.Pending,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
		Version:   1,
	}
	r.rows[m.ID] = m
	return m, nil
}

func (r *MemoryMessageRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

func (r *MemoryMessageRepo) Update(ctx context.Context, m model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rows[m.ID]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	if cur.Version != m.Version {
		return model.Message{}, ErrVersionConflict
	}
	m.CreatedAt = cur.CreatedAt
	m.Version = cur.Version + 1
	r.rows[m.ID] = m
	return m, nil
}

func (r *MemoryMessageRepo) selectSorted(match func(model.Message) bool, asc bool) []model.Message {
	var out []model.Message
	for _, m := range r.rows {
		if match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if asc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	return out
}

func (r *MemoryMessageRepo) List(ctx context.Context, f Filter) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f = f.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.selectSorted(func(m model.Message) bool {
		return f.Status == nil || m.Status == *f.Status
	}, false)
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (r *MemoryMessageRepo) FindApproved(ctx context.Context, q ApprovedQuery) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.selectSorted(func(m model.Message) bool {
		if m.Status != model.Approved {
			return false
		}
		if q.From != nil && m.CreatedAt.Before(*q.From) {
			return false
		}
		if q.To != nil && !m.CreatedAt.Before(*q.To) {
			return false
		}
		return true
	}, true)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) FindStaleClaims(ctx context.Context, claimedBefore time.Time) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selectSorted(func(m model.Message) bool {
		return m.Status == model.Claimed && m.ClaimedAt != nil && m.ClaimedAt.Before(claimedBefore)
	}, true), nil
}

func (r *MemoryMessageRepo) FindUnmoderated(ctx context.Context, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.selectSorted(func(m model.Message) bool {
		return m.Status == model.Pending && m.ModerationReason == nil
	}, true)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[model.Status]int)
	for _, m := range r.rows {
		out[m.Status]++
	}
	return out, nil
}
