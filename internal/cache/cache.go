package cache

import (
	"context"
	"sync"
	"time"
)

// Receipt is the publication record kept for quick lookups.
type Receipt struct {
	RemoteID string    `json:"remoteId"`
	PostedAt time.Time `json:"postedAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, internalID int64, remoteID string, postedAt time.Time) error
	LookupSent(ctx context.Context, internalID int64) (Receipt, bool, error)
}

// DailyMarker records that the batch for a calendar day has been started.
// MarkRun returns true only for the first caller for a given day.
type DailyMarker interface {
	MarkRun(ctx context.Context, day string) (bool, error)
}

type MemoryMarker struct {
	mu   sync.Mutex
	days map[string]struct{}
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{days: make(map[string]struct{})}
}

func (m *MemoryMarker) MarkRun(ctx context.Context, day string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.days[day]; ok {
		return false, nil
	}
	m.days[day] = struct{}{}
	return true, nil
}
