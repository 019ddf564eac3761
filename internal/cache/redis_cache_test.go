package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, NewRedisCache(rdb, ttl)
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, 10*time.Second)

	ctx := context.Background()
	postedAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := cache.StoreSent(ctx, 42, "remote-123", postedAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "spotter:posted:42"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttlRemaining := mr.TTL(key); ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got Receipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.RemoteID != "remote-123" {
		t.Fatalf("expected RemoteID %q, got %q", "remote-123", got.RemoteID)
	}
	if !got.PostedAt.Equal(postedAt) {
		t.Fatalf("expected PostedAt %v, got %v", postedAt, got.PostedAt)
	}
}

func TestRedisCache_LookupSent(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, ok, err := cache.LookupSent(ctx, 1); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	postedAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	if err := cache.StoreSent(ctx, 1, "album-9", postedAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	r, ok, err := cache.LookupSent(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if r.RemoteID != "album-9" || !r.PostedAt.Equal(postedAt) {
		t.Fatalf("unexpected receipt %+v", r)
	}
}

func TestRedisCache_LookupSent_Corrupt(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, time.Minute)
	if err := mr.Set("spotter:posted:5", "{nope"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, _, err := cache.LookupSent(context.Background(), 5); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRedisCache_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreSent(ctx, 1, "x", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

func TestRedisCache_MarkRun(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	first, err := cache.MarkRun(ctx, "2026-03-10")
	if err != nil || !first {
		t.Fatalf("expected first mark to win, got %v err=%v", first, err)
	}
	again, err := cache.MarkRun(ctx, "2026-03-10")
	if err != nil || again {
		t.Fatalf("expected second mark to lose, got %v err=%v", again, err)
	}
	other, err := cache.MarkRun(ctx, "2026-03-11")
	if err != nil || !other {
		t.Fatalf("expected a new day to win, got %v err=%v", other, err)
	}

	if ttl := mr.TTL("spotter:daily:2026-03-10"); ttl != dailyMarkerTTL {
		t.Fatalf("expected marker TTL %v, got %v", dailyMarkerTTL, ttl)
	}
}

func TestMemoryMarker(t *testing.T) {
	t.Parallel()

	m := NewMemoryMarker()
	ctx := context.Background()

	if ok, _ := m.MarkRun(ctx, "d"); !ok {
		t.Fatalf("expected first mark to win")
	}
	if ok, _ := m.MarkRun(ctx, "d"); ok {
		t.Fatalf("expected second mark to lose")
	}
}
