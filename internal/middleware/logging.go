// Package middleware provides Echo middleware for logging, CORS and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Handlers may record a cache outcome under the "cache" context key.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the central error handler write the response first so
				// the logged status matches what the client sees.
				c.Error(err)
				err = nil
			}

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if v, ok := c.Get("cache").(string); ok && v != "" {
				attrs = append(attrs, "cache", v)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
