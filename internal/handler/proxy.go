package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/MKDD07/adotrip/internal/config"
	"github.com/MKDD07/adotrip/internal/model"
	"github.com/MKDD07/adotrip/internal/service"
)

// HeaderXCache reports whether a response came from the shared cache.
const HeaderXCache = "X-Cache"

// credentialPattern matches credential-looking values embedded in error messages.
var credentialPattern = regexp.MustCompile(`(?i)((?:api_?key|authorization)[=:]\s*)[^&\s"]+`)

// searchParams is the validated view of an inbound search request.
type searchParams struct {
	Query string `query:"query" validate:"required"`
}

// ProxyHandler serves the photo search proxy route.
type ProxyHandler struct {
	service      *service.ProxyService
	logger       *slog.Logger
	requireQuery bool
	cacheControl string
	staleControl string
	cdnControl   string
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	fresh := cfg.Cache.FreshSeconds
	stale := cfg.Cache.StaleSeconds
	return &ProxyHandler{
		service:      svc,
		logger:       logger.With("component", "proxy_handler"),
		requireQuery: cfg.Proxy.QueryRequired(),
		cacheControl: fmt.Sprintf("public, max-age=%d, s-maxage=%d, stale-while-revalidate=%d", fresh, fresh, stale),
		staleControl: fmt.Sprintf("public, max-age=0, s-maxage=0, stale-while-revalidate=%d", stale),
		cdnControl:   fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate=%d", fresh, stale),
	}
}

// Handle answers a photo search from the cache or the upstream API.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	switch req.Method {
	case http.MethodGet:
	case http.MethodOptions:
		// Normally answered by the CORS middleware.
		return c.NoContent(http.StatusNoContent)
	default:
		c.Response().Header().Set(echo.HeaderAllow, "GET, OPTIONS")
		return c.JSON(http.StatusMethodNotAllowed, errorBody("Method not allowed"))
	}

	if !h.service.Configured() {
		return h.mapError(c, service.ErrMissingAPIKey)
	}

	if h.requireQuery {
		var p searchParams
		if err := c.Bind(&p); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("Invalid query parameters"))
		}
		p.Query = strings.TrimSpace(p.Query)
		if err := c.Validate(&p); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("Query parameter is required"))
		}
	}

	resp, err := h.service.Search(req.Context(), &model.ProxyRequest{
		Method: req.Method,
		Query:  req.URL.Query(),
	})
	if err != nil {
		return h.mapError(c, err)
	}

	hdr := c.Response().Header()
	if resp.Cache == model.CacheStale {
		hdr.Set(echo.HeaderCacheControl, h.staleControl)
	} else {
		hdr.Set(echo.HeaderCacheControl, h.cacheControl)
	}
	hdr.Set("CDN-Cache-Control", h.cdnControl)
	hdr.Set(HeaderXCache, string(resp.Cache))
	c.Set("cache", string(resp.Cache))

	return c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, resp.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrMissingAPIKey) {
		return c.JSON(http.StatusInternalServerError, errorBody("API key not configured"))
	}

	var upstreamErr *service.UpstreamError
	if errors.As(err, &upstreamErr) {
		return c.JSON(upstreamErr.StatusCode, detailedBody(upstreamErr.Error(), upstreamErr.Body))
	}

	if errors.Is(err, service.ErrInvalidPayload) {
		return c.JSON(http.StatusBadGateway, errorBody("invalid upstream payload"))
	}

	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		return c.JSON(http.StatusBadGateway, errorBody("client disconnected"))
	}

	var exhausted *service.ExhaustedError
	if errors.As(err, &exhausted) {
		return c.JSON(http.StatusBadGateway,
			detailedBody("Failed to fetch from Pexels API", failureReason(exhausted)))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody("upstream request timed out"))
	}

	return c.JSON(http.StatusBadGateway, detailedBody("Failed to fetch from Pexels API", sanitizeError(err)))
}

// failureReason describes the last failed attempt without leaking transport internals.
func failureReason(e *service.ExhaustedError) string {
	last := e.Last
	switch {
	case errors.Is(last, service.ErrRateLimited):
		return fmt.Sprintf("rate limited by upstream after %d attempts", e.Attempts)
	case errors.Is(last, context.DeadlineExceeded):
		return "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(last, &dnsErr) {
		return "upstream host unreachable"
	}
	var netErr net.Error
	if errors.As(last, &netErr) {
		return "upstream connection failed"
	}
	if last == nil {
		return "upstream request failed"
	}
	return sanitizeError(last)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func detailedBody(msg, details string) map[string]string {
	return map[string]string{"error": msg, "details": details}
}

// sanitizeError redacts credentials from error messages that may embed upstream requests.
func sanitizeError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
