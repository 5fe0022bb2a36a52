package router

import (
	"net/http"

	"github.com/erp/platformsync/internal/infrastructure/auth"
	"github.com/erp/platformsync/internal/infrastructure/config"
	"github.com/erp/platformsync/internal/infrastructure/logger"
	"github.com/erp/platformsync/internal/interfaces/http/dto"
	"github.com/erp/platformsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HealthPath is served without authentication, tracing or access logs
const HealthPath = "/health"

// EngineConfig groups what the HTTP engine is assembled from
type EngineConfig struct {
	App            config.AppConfig
	HTTP           config.HTTPConfig
	ServiceName    string
	Tracing        bool
	TracerProvider trace.TracerProvider
	Meter          metric.Meter
	JWT            *auth.JWTService
	RateLimiter    *middleware.RateLimiter
	Logger         *zap.Logger
	Health         gin.HandlerFunc
	Registrars     []RouteRegistrar
}

// NewEngine builds the gin engine. The global chain is recovery, request ID,
// tracing, access log, security headers, CORS and body limit; the API group
// adds JWT, span attributes and the per-user rate limit.
func NewEngine(cfg EngineConfig) (*gin.Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := middleware.SetupValidator(); err != nil {
		return nil, err
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		return nil, err
	}

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.Tracing(middleware.TracingConfig{
			ServiceName:    cfg.ServiceName,
			Enabled:        cfg.Tracing,
			TracerProvider: cfg.TracerProvider,
			SkipPaths:      []string{HealthPath},
		}),
		logger.GinMiddleware(log, HealthPath),
		middleware.Secure(middleware.SecurityConfigFor(cfg.App.Env)),
		middleware.CORSWithConfig(middleware.CORSConfigFrom(cfg.HTTP)),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
	)
	if cfg.Meter != nil {
		metrics, err := middleware.Metrics(cfg.Meter)
		if err != nil {
			return nil, err
		}
		engine.Use(metrics)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(dto.ErrCodeNotFound, "Route not found", middleware.GetRequestID(c)))
	})
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, dto.NewErrorResponseWithRequestID(dto.ErrCodeBadRequest, "Method not allowed", middleware.GetRequestID(c)))
	})
	engine.HandleMethodNotAllowed = true

	if cfg.Health != nil {
		engine.GET(HealthPath, cfg.Health)
	}

	apiMiddleware := []gin.HandlerFunc{
		middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
			JWTService: cfg.JWT,
			Logger:     log,
		}),
		middleware.SpanAttributes(),
	}
	if cfg.HTTP.RateLimitEnabled && cfg.RateLimiter != nil {
		apiMiddleware = append(apiMiddleware, middleware.RateLimit(cfg.RateLimiter))
	}

	r := NewRouter(engine, WithAPIMiddleware(apiMiddleware...))
	for _, registrar := range cfg.Registrars {
		r.Register(registrar)
	}
	r.Setup()

	return engine, nil
}
