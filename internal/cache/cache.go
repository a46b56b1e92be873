// Package cache provides the shared response cache used by the proxy.
//
// Entries carry two deadlines: FreshUntil, before which they are served as-is,
// and StaleUntil, before which they may still be served while a refresh runs.
// Backends expire entries on their own once StaleUntil passes; the proxy never
// deletes them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MKDD07/adotrip/internal/config"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("cache: store closed")

// Entry is a cached upstream response.
type Entry struct {
	Body        []byte    `json:"body"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
	FreshUntil  time.Time `json:"fresh_until"`
	StaleUntil  time.Time `json:"stale_until"`
}

// NewEntry builds an entry stored at now with the given freshness and stale windows.
// The stale window starts when freshness ends.
func NewEntry(body []byte, status int, contentType string, now time.Time, fresh, stale time.Duration) *Entry {
	return &Entry{
		Body:        body,
		StatusCode:  status,
		ContentType: contentType,
		StoredAt:    now,
		FreshUntil:  now.Add(fresh),
		StaleUntil:  now.Add(fresh + stale),
	}
}

// Fresh reports whether the entry can be served without revalidation.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.FreshUntil)
}

// Usable reports whether the entry can be served at all.
func (e *Entry) Usable(now time.Time) bool {
	return now.Before(e.StaleUntil)
}

// Age is how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	if d := now.Sub(e.StoredAt); d > 0 {
		return d
	}
	return 0
}

// Store is a concurrency-safe key/value store for cached responses.
// Get returns (nil, nil) on a miss, including entries past StaleUntil.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry) error
	Close() error
}

// New builds the store selected by cfg.Cache.Backend.
func New(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		logger.Info("using in-memory response cache", "max_entries", cfg.Cache.MaxEntries)
		return NewMemoryStore(cfg.Cache.MaxEntries), nil
	case "redis":
		s, err := NewRedisStore(RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   cfg.Cache.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis response cache", "addr", cfg.Cache.RedisAddr, "db", cfg.Cache.RedisDB)
		return s, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Cache.Backend)
	}
}
