// Package service implements the caching, retrying photo search proxy.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MKDD07/adotrip/internal/cache"
	"github.com/MKDD07/adotrip/internal/client"
	"github.com/MKDD07/adotrip/internal/config"
	"github.com/MKDD07/adotrip/internal/metrics"
	"github.com/MKDD07/adotrip/internal/model"
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.pexels.com": true,
}

// storeTimeout bounds a single asynchronous cache write.
const storeTimeout = 5 * time.Second

// ProxyService answers photo searches from the shared cache, falling back to
// the upstream with bounded linear-backoff retries.
type ProxyService struct {
	client  *client.PexelsClient
	store   cache.Store
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL
	allowed map[string]bool

	group   singleflight.Group
	pending sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.PexelsClient, store cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	s, err := newProxyService(c, store, cfg, logger, m)
	if err != nil {
		return nil, err
	}
	if !allowedUpstreamHosts[s.baseURL.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", s.baseURL.Hostname())
	}
	return s, nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.PexelsClient, store cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	return newProxyService(c, store, cfg, logger, m)
}

func newProxyService(c *client.PexelsClient, store cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.Proxy.AllowedParams))
	for _, p := range cfg.Proxy.AllowedParams {
		allowed[p] = true
	}

	return &ProxyService{
		client:  c,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: u,
		allowed: allowed,
		sleep:   sleepContext,
		now:     time.Now,
	}, nil
}

// Search answers a photo search. Cache lookup always precedes any upstream
// call; a successful upstream response is stored asynchronously.
//
// Errors: ErrMissingAPIKey, *UpstreamError, *ExhaustedError, ErrInvalidPayload
// (wrapped), or the caller's context error.
func (s *ProxyService) Search(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if !s.Configured() {
		return nil, ErrMissingAPIKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.buildUpstreamURL(pr.Query)

	if resp := s.lookup(ctx, key); resp != nil {
		return resp, nil
	}

	ch := s.group.DoChan(key, s.fetchFunc(ctx, key))
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := *res.Val.(*model.ProxyResponse)
		return &resp, nil
	case <-ctx.Done():
		// The shared fetch keeps running and still populates the cache.
		return nil, ctx.Err()
	}
}

// Configured reports whether an upstream credential is set.
func (s *ProxyService) Configured() bool {
	return s.cfg.Pexels.APIKey != ""
}

// Drain waits for background revalidations and cache writes to finish.
func (s *ProxyService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup returns a response built from the cache, or nil on a miss.
// Store failures count as misses.
func (s *ProxyService) lookup(ctx context.Context, key string) *model.ProxyResponse {
	e, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed", "err", err)
		s.countLookup("error")
		return nil
	}
	now := s.now()
	if e == nil || !e.Usable(now) {
		s.countLookup("miss")
		return nil
	}

	status := model.CacheHit
	if e.Fresh(now) {
		s.countLookup("hit")
	} else {
		status = model.CacheStale
		s.countLookup("stale")
		s.revalidate(ctx, key)
	}

	return &model.ProxyResponse{
		StatusCode:  e.StatusCode,
		ContentType: e.ContentType,
		Body:        e.Body,
		Cache:       status,
	}
}

// revalidate refreshes a stale key in the background. Concurrent refreshes
// and misses for the same key share one upstream fetch.
func (s *ProxyService) revalidate(ctx context.Context, key string) {
	s.logger.Debug("revalidating stale entry", "key", key)
	s.pending.Add(1)
	ch := s.group.DoChan(key, s.fetchFunc(ctx, key))
	go func() {
		defer s.pending.Done()
		if res := <-ch; res.Err != nil {
			s.logger.Warn("revalidation failed", "err", res.Err)
		}
	}()
}

// fetchFunc detaches the fetch from the caller's cancellation so that one
// disconnecting caller does not fail the others sharing it.
func (s *ProxyService) fetchFunc(ctx context.Context, key string) func() (any, error) {
	return func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.budget())
		defer cancel()
		return s.fetch(fctx, key)
	}
}

// fetch calls upstream up to MaxAttempts times. Attempt n (n>0) waits
// n*Backoff first. 429s and transport failures are retried; any other
// non-2xx is returned at once.
func (s *ProxyService) fetch(ctx context.Context, key string) (*model.ProxyResponse, error) {
	attempts := max(s.cfg.Upstream.MaxAttempts, 1)
	backoff := s.cfg.Upstream.Backoff()

	var last error
	made := 0
	for attempt := range attempts {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(attempt)*backoff); err != nil {
				last = err
				break
			}
			if s.metrics != nil {
				s.metrics.UpstreamRetries.Inc()
			}
		}
		made++

		resp, err := s.client.Get(ctx, key, s.cfg.Pexels.APIKey)
		tooLarge := errors.Is(err, client.ErrBodyTooLarge)
		if err != nil && !tooLarge {
			s.logger.Warn("upstream attempt failed", "attempt", made, "err", err)
			last = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			s.logger.Warn("upstream rate limited", "attempt", made)
			last = ErrRateLimited
			continue
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			// Body may be truncated when tooLarge.
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
		case tooLarge:
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		result, err := decodeSearchResult(resp.Body)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("upstream search ok", "attempt", made, "photos", len(result.Photos))

		out := &model.ProxyResponse{
			StatusCode:  resp.StatusCode,
			ContentType: "application/json",
			Body:        resp.Body,
			Cache:       model.CacheMiss,
		}
		s.storeAsync(key, out)
		return out, nil
	}

	return nil, &ExhaustedError{Attempts: made, Last: last}
}

// decodeSearchResult accepts only bodies carrying a photos array; an empty
// array is a valid result.
func decodeSearchResult(body []byte) (*model.SearchResult, error) {
	var result model.SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if result.Photos == nil {
		return nil, fmt.Errorf("%w: missing photos", ErrInvalidPayload)
	}
	return &result, nil
}

// storeAsync writes resp to the cache without holding up the caller.
func (s *ProxyService) storeAsync(key string, resp *model.ProxyResponse) {
	entry := cache.NewEntry(resp.Body, resp.StatusCode, resp.ContentType, s.now(),
		s.cfg.Cache.FreshTTL(), s.cfg.Cache.StaleTTL())

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if err := s.store.Set(ctx, key, entry); err != nil {
			s.logger.Warn("cache write failed", "err", err)
			s.countWrite("error")
			return
		}
		s.countWrite("ok")
	}()
}

// budget is the longest a full retry sequence may take.
func (s *ProxyService) budget() time.Duration {
	u := s.cfg.Upstream
	n := time.Duration(max(u.MaxAttempts, 1))
	return n*(u.Timeout()+u.MinInterval()) + u.Backoff()*n*(n-1)/2
}

// buildUpstreamURL forwards only allow-listed parameters. The result is also
// the cache key, so parameters are encoded sorted by name.
func (s *ProxyService) buildUpstreamURL(query url.Values) string {
	u := *s.baseURL
	u.Path = s.cfg.Upstream.SearchPath
	u.Fragment = ""

	q := make(url.Values)
	for k, v := range query {
		if s.allowed[k] {
			q[k] = v
		}
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (s *ProxyService) countLookup(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (s *ProxyService) countWrite(outcome string) {
	if s.metrics != nil {
		s.metrics.CacheWrites.WithLabelValues(outcome).Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
