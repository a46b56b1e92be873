package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MKDD07/adotrip/internal/config"
)

func TestEntry_Windows(t *testing.T) {
	stored := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := NewEntry([]byte(`{}`), 200, "application/json", stored, time.Hour, 24*time.Hour)

	tests := []struct {
		name       string
		at         time.Time
		wantFresh  bool
		wantUsable bool
	}{
		{"just stored", stored, true, true},
		{"inside freshness", stored.Add(59 * time.Minute), true, true},
		{"freshness boundary", stored.Add(time.Hour), false, true},
		{"inside stale window", stored.Add(10 * time.Hour), false, true},
		{"stale boundary", stored.Add(25 * time.Hour), false, false},
		{"long expired", stored.Add(30 * 24 * time.Hour), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Fresh(tt.at); got != tt.wantFresh {
				t.Errorf("Fresh() = %v, want %v", got, tt.wantFresh)
			}
			if got := e.Usable(tt.at); got != tt.wantUsable {
				t.Errorf("Usable() = %v, want %v", got, tt.wantUsable)
			}
		})
	}

	if got := e.Age(stored.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Age() = %v, want 90s", got)
	}
	if got := e.Age(stored.Add(-time.Second)); got != 0 {
		t.Errorf("Age() before StoredAt = %v, want 0", got)
	}
}

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	got, err := s.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
	}

	e := NewEntry([]byte(`{"photos":[]}`), 200, "application/json", time.Now(), time.Hour, time.Hour)
	if err := s.Set(ctx, "k", e); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err = s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want entry")
	}
	if string(got.Body) != `{"photos":[]}` {
		t.Errorf("Body = %q, want %q", got.Body, `{"photos":[]}`)
	}
	if got.StatusCode != 200 || got.ContentType != "application/json" {
		t.Errorf("entry = %d %q, want 200 application/json", got.StatusCode, got.ContentType)
	}
}

func TestMemoryStore_ExpiresAfterStaleWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, "k", NewEntry([]byte("x"), 200, "text/plain", now, time.Minute, time.Minute))

	now = now.Add(90 * time.Second)
	got, _ := s.Get(ctx, "k")
	if got == nil {
		t.Fatal("Get() inside stale window = nil, want entry")
	}
	if got.Fresh(now) {
		t.Error("entry should no longer be fresh")
	}

	now = now.Add(time.Minute)
	got, _ = s.Get(ctx, "k")
	if got != nil {
		t.Fatal("Get() after stale window should miss")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy expiry", s.Len())
	}
}

func TestMemoryStore_EvictsWhenFull(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(2)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, "short", NewEntry([]byte("a"), 200, "", now, time.Minute, 0))
	_ = s.Set(ctx, "long", NewEntry([]byte("b"), 200, "", now, time.Hour, 0))
	_ = s.Set(ctx, "new", NewEntry([]byte("c"), 200, "", now, time.Hour, 0))

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if got, _ := s.Get(ctx, "short"); got != nil {
		t.Error("entry closest to expiry should have been evicted")
	}
	for _, k := range []string{"long", "new"} {
		if got, _ := s.Get(ctx, k); got == nil {
			t.Errorf("Get(%q) = nil, want entry", k)
		}
	}

	// Overwriting an existing key never evicts.
	_ = s.Set(ctx, "long", NewEntry([]byte("b2"), 200, "", now, time.Hour, 0))
	if s.Len() != 2 {
		t.Errorf("Len() after overwrite = %d, want 2", s.Len())
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Set(context.Background(), "k", &Entry{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Set() after Close error = %v, want ErrClosed", err)
	}
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	got, err := s.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
	}

	e := NewEntry([]byte(`{"photos":[{"id":1}]}`), 200, "application/json", time.Now(), time.Hour, 2*time.Hour)
	if err := s.Set(ctx, "https://api.pexels.com/v1/search?query=goa", e); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if !mr.Exists("test:https://api.pexels.com/v1/search?query=goa") {
		t.Fatal("expected prefixed key in redis")
	}
	ttl := mr.TTL("test:https://api.pexels.com/v1/search?query=goa")
	if ttl <= 2*time.Hour || ttl > 3*time.Hour {
		t.Errorf("TTL = %v, want within (2h, 3h]", ttl)
	}

	got, err = s.Get(ctx, "https://api.pexels.com/v1/search?query=goa")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want entry")
	}
	if string(got.Body) != `{"photos":[{"id":1}]}` {
		t.Errorf("Body = %q", got.Body)
	}
	if !got.FreshUntil.Equal(e.FreshUntil) {
		t.Errorf("FreshUntil = %v, want %v", got.FreshUntil, e.FreshUntil)
	}
}

func TestRedisStore_ExpiresWithTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", NewEntry([]byte("x"), 200, "", time.Now(), time.Minute, time.Minute))
	mr.FastForward(3 * time.Minute)

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Error("Get() after TTL should miss")
	}
}

func TestRedisStore_SkipsExpiredEntry(t *testing.T) {
	s, mr := newTestRedisStore(t)

	past := time.Now().Add(-time.Hour)
	if err := s.Set(context.Background(), "k", NewEntry([]byte("x"), 200, "", past, time.Minute, time.Minute)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if mr.Exists("test:k") {
		t.Error("already-expired entry should not be written")
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	if err := mr.Set("test:k", "not-json"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Get(context.Background(), "k")
	if err == nil {
		t.Fatal("Get() expected decode error, got nil")
	}
}

func TestRedisStore_Unreachable(t *testing.T) {
	s, err := NewRedisStore(RedisOptions{Addr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Get(ctx, "k"); err == nil {
		t.Fatal("Get() expected connection error, got nil")
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem, err := New(&config.Config{Cache: config.CacheConfig{Backend: "memory", MaxEntries: 5}}, logger)
	if err != nil {
		t.Fatalf("New(memory) error = %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Errorf("New(memory) = %T, want *MemoryStore", mem)
	}

	mr := miniredis.RunT(t)
	rs, err := New(&config.Config{Cache: config.CacheConfig{Backend: "redis", RedisAddr: mr.Addr()}}, logger)
	if err != nil {
		t.Fatalf("New(redis) error = %v", err)
	}
	defer func() { _ = rs.Close() }()
	if _, ok := rs.(*RedisStore); !ok {
		t.Errorf("New(redis) = %T, want *RedisStore", rs)
	}

	if _, err := New(&config.Config{Cache: config.CacheConfig{Backend: "bogus"}}, logger); err == nil {
		t.Error("New(bogus) expected error, got nil")
	}
}
