package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/MKDD07/adotrip/internal/cache"
	"github.com/MKDD07/adotrip/internal/client"
	"github.com/MKDD07/adotrip/internal/config"
	"github.com/MKDD07/adotrip/internal/handler"
	"github.com/MKDD07/adotrip/internal/metrics"
	"github.com/MKDD07/adotrip/internal/middleware"
	"github.com/MKDD07/adotrip/internal/pacer"
	"github.com/MKDD07/adotrip/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// pacerQueueSize bounds how many upstream attempts may wait for a slot.
const pacerQueueSize = 256

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edge-proxy"),
		kong.Description("Caching edge proxy for the Pexels photo search API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newPacer,
			newStore,
			client.NewPexelsClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			warnConfigPermissions,
			warnMissingAPIKey,
			drainOnStop,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewRequestValidator()
	e.HTTPErrorHandler = handler.NewErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks. Responses are buffered
	// JSON, so a write timeout can cover the full retry budget.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 60 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.CORS(middleware.DefaultCORSConfig))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		paths := metrics.NewPathNormalizer(cfg.Proxy.Path, "/healthz", "/proxy/status", cfg.Metrics.Path)
		e.Use(middleware.MetricsMiddleware(m, paths))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newPacer returns nil when pacing is disabled; a nil pacer never blocks.
func newPacer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) *pacer.Pacer {
	interval := cfg.Upstream.MinInterval()
	if interval <= 0 {
		return nil
	}
	logger.Info("upstream pacing enabled", "min_interval", interval)
	p := pacer.New(interval, pacerQueueSize)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			p.Close()
			return nil
		},
	})
	return p
}

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	store, err := cache.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if rs, ok := store.(*cache.RedisStore); ok {
				// The proxy still serves without a cache, so an unreachable redis only warns.
				if err := rs.Ping(ctx); err != nil {
					logger.Warn("redis cache unreachable; requests will miss", "err", err)
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func warnMissingAPIKey(cfg *config.Config, logger *slog.Logger) {
	if cfg.Pexels.APIKey == "" {
		logger.Error("pexels api key not configured; proxy requests will fail until PEXELS_API_KEY is set")
	}
}

// drainOnStop waits for background cache writes. It is invoked after the store
// is constructed, so its stop hook runs before the store closes.
func drainOnStop(lc fx.Lifecycle, svc *service.ProxyService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := svc.Drain(ctx); err != nil {
				logger.Warn("pending cache writes abandoned", "err", err)
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "proxy_path", cfg.Proxy.Path)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
