package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// CORSConfig holds the cross-origin headers attached to responses.
type CORSConfig struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
	MaxAge       time.Duration
}

// DefaultCORSConfig lets any origin read responses and preflight GET requests.
var DefaultCORSConfig = CORSConfig{
	AllowOrigin:  "*",
	AllowMethods: "GET, OPTIONS",
	AllowHeaders: "Content-Type",
	MaxAge:       24 * time.Hour,
}

// CORS returns an Echo middleware that sets Access-Control-Allow-Origin on every
// response, whether or not the request carried an Origin header, and answers
// OPTIONS requests on any path with a 204 preflight response.
func CORS(cfg CORSConfig) echo.MiddlewareFunc {
	maxAge := strconv.Itoa(int(cfg.MaxAge.Seconds()))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, cfg.AllowOrigin)

			if c.Request().Method != http.MethodOptions {
				return next(c)
			}

			h.Set(echo.HeaderAccessControlAllowMethods, cfg.AllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, cfg.AllowHeaders)
			h.Set(echo.HeaderAccessControlMaxAge, maxAge)
			return c.NoContent(http.StatusNoContent)
		}
	}
}
