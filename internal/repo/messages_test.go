package repo

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtacat51-art/insta-spotter/internal/model"
)

func TestMemoryRepo(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) MessageRepository {
		return NewMemoryMessageRepo()
	})
}

func TestPostgresRepo(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping postgres integration test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runRepositoryContract(t, func(t *testing.T) MessageRepository {
		r := NewPostgresMessageRepo(pool)
		require.NoError(t, r.Migrate(ctx))
		_, err := pool.Exec(ctx, `TRUNCATE spotted_messages RESTART IDENTITY`)
		require.NoError(t, err)
		return r
	})
}

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) MessageRepository) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		m, err := r.Create(ctx, "Ho visto una persona al parco", base)
		require.NoError(t, err)
		assert.NotZero(t, m.ID)
		assert.Equal(t, model.Pending, m.Status)
		assert.True(t, m.CreatedAt.Equal(base))

		got, err := r.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.Text, got.Text)
		assert.Equal(t, m.Version, got.Version)

		_, err = r.Get(ctx, m.ID+1000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update is conditional on version", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		m, err := r.Create(ctx, "text", base)
		require.NoError(t, err)

		next := m
		next.Status = model.Approved
		next.ModerationReason = model.StrPtr("fine")
		next.UpdatedAt = base.Add(time.Minute)
		updated, err := r.Update(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, m.Version+1, updated.Version)
		assert.Equal(t, model.Approved, updated.Status)

		stale := m
		stale.Status = model.Rejected
		_, err = r.Update(ctx, stale)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := r.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.Approved, got.Status)

		missing := updated
		missing.ID = 9999
		_, err = r.Update(ctx, missing)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent updates exactly one wins", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		m, err := r.Create(ctx, "text", base)
		require.NoError(t, err)

		var wins atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := m
				next.Status = model.Review
				next.UpdatedAt = base
				if _, err := r.Update(ctx, next); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), wins.Load())
	})

	t.Run("find approved orders oldest first within window", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		yesterday := createWithStatus(t, r, "yesterday", base.Add(-24*time.Hour), model.Approved)
		second := createWithStatus(t, r, "second", base.Add(2*time.Hour), model.Approved)
		first := createWithStatus(t, r, "first", base.Add(time.Hour), model.Approved)
		createWithStatus(t, r, "pending", base.Add(30*time.Minute), model.Pending)

		all, err := r.FindApproved(ctx, ApprovedQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{yesterday.ID, first.ID, second.ID}, ids(all))

		from := base.Truncate(24 * time.Hour)
		to := from.Add(24 * time.Hour)
		today, err := r.FindApproved(ctx, ApprovedQuery{From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, []int64{first.ID, second.ID}, ids(today))

		limited, err := r.FindApproved(ctx, ApprovedQuery{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{yesterday.ID}, ids(limited))
	})

	t.Run("list filters and pages newest first", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := createWithStatus(t, r, "a", base, model.Review)
		b := createWithStatus(t, r, "b", base.Add(time.Minute), model.Rejected)
		c := createWithStatus(t, r, "c", base.Add(2*time.Minute), model.Review)

		all, err := r.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, []int64{c.ID, b.ID, a.ID}, ids(all))

		review := model.Review
		only, err := r.List(ctx, Filter{Status: &review})
		require.NoError(t, err)
		assert.Equal(t, []int64{c.ID, a.ID}, ids(only))

		page, err := r.List(ctx, Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{b.ID}, ids(page))
	})

	t.Run("stale claims and unmoderated", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		m, err := r.Create(ctx, "claimed", base)
		require.NoError(t, err)
		m.Status = model.Claimed
		m.ClaimToken = model.StrPtr("tok")
		m.ClaimedAt = model.TimePtr(base)
		m.UpdatedAt = base
		_, err = r.Update(ctx, m)
		require.NoError(t, err)

		fresh, err := r.FindStaleClaims(ctx, base)
		require.NoError(t, err)
		assert.Empty(t, fresh)

		stale, err := r.FindStaleClaims(ctx, base.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, []int64{m.ID}, ids(stale))

		p, err := r.Create(ctx, "pending", base)
		require.NoError(t, err)
		withReason := createWithStatus(t, r, "reasoned", base, model.Pending)
		withReason.ModerationReason = model.StrPtr("gateway down")
		_, err = r.Update(ctx, withReason)
		require.NoError(t, err)

		un, err := r.FindUnmoderated(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{p.ID}, ids(un))

		counts, err := r.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.Claimed])
		assert.Equal(t, 2, counts[model.Pending])
	})
}

func createWithStatus(t *testing.T, r MessageRepository, text string, at time.Time, status model.Status) model.Message {
	t.Helper()
	ctx := context.Background()

	m, err := r.Create(ctx, text, at)
	require.NoError(t, err)
	if status == model.Pending {
		return m
	}
	m.Status = status
	m.UpdatedAt = at
	m, err = r.Update(ctx, m)
	require.NoError(t, err)
	return m
}

func ids(msgs []model.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
