// Package client provides the upstream HTTP client for the Pexels API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/MKDD07/adotrip/internal/config"
	"github.com/MKDD07/adotrip/internal/metrics"
	"github.com/MKDD07/adotrip/internal/pacer"
)

const userAgent = "adotrip-edge-proxy/1.0"

// ErrBodyTooLarge is returned with a truncated Response when the upstream body
// exceeds the configured limit. The status code is still valid.
var ErrBodyTooLarge = errors.New("upstream body too large")

// Response is a fully read upstream response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// PexelsClient sends single search attempts to the upstream Pexels API.
// Retrying is the caller's concern.
type PexelsClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	pacer        *pacer.Pacer
	maxBodyBytes int64
}

// NewPexelsClient creates a PexelsClient with connection pooling and a per-attempt timeout.
// The metrics and pacer parameters are optional; pass nil to disable them.
func NewPexelsClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, p *pacer.Pacer) *PexelsClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxBody := cfg.Upstream.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 5 * 1024 * 1024
	}

	return &PexelsClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
		},
		logger:       logger.With("component", "pexels_client"),
		metrics:      m,
		pacer:        p,
		maxBodyBytes: maxBody,
	}
}

// Get performs one GET against rawURL, authenticating with the Authorization header.
// A non-2xx status is not an error; only transport failures are, plus
// ErrBodyTooLarge, which comes with a usable Response.
func (c *PexelsClient) Get(ctx context.Context, rawURL, apiKey string) (*Response, error) {
	if err := c.pacer.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("wait for upstream slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("upstream request", "path", req.URL.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(time.Since(start), "error")
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	c.observe(time.Since(start), strconv.Itoa(resp.StatusCode))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if int64(len(body)) > c.maxBodyBytes {
		out.Body = body[:c.maxBodyBytes]
		return out, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, c.maxBodyBytes)
	}
	return out, nil
}

func (c *PexelsClient) observe(d time.Duration, status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(d.Seconds())
	c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, status).Inc()
}
