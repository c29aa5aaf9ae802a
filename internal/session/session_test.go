package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := OpenRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestCreateThenIsLive(t *testing.T) {
	store, mr := newRedis(t)
	m := NewManager(store)
	ctx := context.Background()

	id, err := m.Create(ctx, 7)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(id) != 36 {
		t.Fatalf("expected uuid session id, got %q", id)
	}
	live, err := m.IsLive(ctx, id)
	if err != nil || !live {
		t.Fatalf("expected live session, got %v %v", live, err)
	}
	if got, _ := mr.Get(SessionKey(id)); got != "7" {
		t.Fatalf("session value = %q, want 7", got)
	}
	if ttl := mr.TTL(SessionKey(id)); ttl != time.Hour {
		t.Fatalf("session ttl = %v, want 1h", ttl)
	}
	owner, err := m.Owner(ctx, id)
	if err != nil || owner != 7 {
		t.Fatalf("owner = %d %v", owner, err)
	}
}

func TestRevokeBlacklistsToken(t *testing.T) {
	store, mr := newRedis(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, err := m.Create(ctx, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Revoke(ctx, id, "tok-abc", now.Add(10*time.Minute)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if live, _ := m.IsLive(ctx, id); live {
		t.Fatal("session should be gone after revoke")
	}
	if mr.Exists(SessionKey(id)) {
		t.Fatal("session key still present")
	}
	bl, err := m.IsBlacklisted(ctx, "tok-abc")
	if err != nil || !bl {
		t.Fatalf("expected token blacklisted, got %v %v", bl, err)
	}
	if got, _ := mr.Get(BlacklistKey("tok-abc")); got != "true" {
		t.Fatalf("blacklist value = %q", got)
	}
	ttl := mr.TTL(BlacklistKey("tok-abc"))
	if ttl < 10*time.Minute || ttl > 10*time.Minute+time.Second {
		t.Fatalf("blacklist ttl = %v, want remaining token life", ttl)
	}

	mr.FastForward(11 * time.Minute)
	if bl, _ := m.IsBlacklisted(ctx, "tok-abc"); bl {
		t.Fatal("blacklist entry should self-expire")
	}
}

func TestBlacklistSkipsExpiredToken(t *testing.T) {
	store, mr := newRedis(t)
	m := NewManager(store)
	if err := m.Blacklist(context.Background(), "old", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if mr.Exists(BlacklistKey("old")) {
		t.Fatal("expired token should not be stored")
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	store, mr := newRedis(t)
	m := NewManager(store)
	ctx := context.Background()
	id, _ := m.Create(ctx, 1)

	mr.FastForward(50 * time.Minute)
	if err := m.Touch(ctx, id); err != nil {
		t.Fatalf("touch: %v", err)
	}
	mr.FastForward(50 * time.Minute)
	if live, _ := m.IsLive(ctx, id); !live {
		t.Fatal("touched session should still be live")
	}
	mr.FastForward(time.Hour)
	if err := m.Touch(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestUnreachableStoreIsUnavailable(t *testing.T) {
	store, mr := newRedis(t)
	m := NewManager(store, WithTimeout(200*time.Millisecond))
	mr.Close()

	if _, err := m.IsLive(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := m.IsBlacklisted(context.Background(), "tok"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := m.Touch(context.Background(), "x"); errors.Is(err, ErrNotFound) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("touch on a dead store must not look like not-found: %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.SetClock(func() time.Time { return now })
	m := NewManager(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, err := m.Create(ctx, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(59 * time.Minute)
	if live, _ := m.IsLive(ctx, id); !live {
		t.Fatal("expected live")
	}
	now = now.Add(2 * time.Minute)
	if live, _ := m.IsLive(ctx, id); live {
		t.Fatal("expected expired")
	}

	store.SetDown(true)
	if err := m.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMemoryStoreSweepDropsExpiredKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := NewMemoryStore()
	store.SetClock(clock)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := store.SetEx(ctx, "blacklist:"+strconv.Itoa(i), "1", time.Minute); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	_ = store.SetEx(ctx, "session:keep", "7", time.Hour)

	if n := store.Sweep(); n != 0 {
		t.Fatalf("nothing has expired yet, swept %d", n)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	stop := store.StartSweeper(5 * time.Millisecond)
	defer stop()
	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expired keys were not swept, %d left", store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v, err := store.Get(ctx, "session:keep"); err != nil || v != "7" {
		t.Fatalf("live key lost: %q %v", v, err)
	}
	stop()
}

func TestRedact(t *testing.T) {
	if got := redact("blacklist:eyJhbGciOiJIUzI1NiJ9.payload.sig"); got != "blacklist:eyJhbGci..." {
		t.Fatalf("redact = %q", got)
	}
	if got := redact("session:abc"); got != "session:abc" {
		t.Fatalf("session keys are not secret: %q", got)
	}
}
