package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/evalcache/pkg/config"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/tracing"
)

// maxEvaluateBody caps POST /api/v1/evaluate bodies
const maxEvaluateBody = 1 << 20

// NewRouter creates and configures the API router. Metrics and tracing are optional.
func NewRouter(cfg *config.Config, svc Service, m *metrics.Metrics, ts *tracing.TracingService, logger *logging.Logger) *gin.Engine {
	if logger == nil {
		logger = logging.GetLogger()
	}

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RecoveryMiddleware(logger))
	router.Use(RequestIDMiddleware())
	if ts != nil {
		router.Use(ts.TracingMiddleware())
	}
	router.Use(LoggingMiddleware(logger))
	if m != nil {
		router.Use(m.PrometheusMiddleware())
	}
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())

	h := NewHandler(svc, logger)
	hs := NewHealthService(cfg, svc, logger)

	// Health check endpoints (no auth required)
	router.GET("/health", hs.Handler())
	router.GET("/health/live", hs.LivenessHandler())
	router.GET("/health/ready", hs.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// API version info (no auth required)
	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":        "evalcache",
			"version":     Version,
			"environment": cfg.Server.Environment,
			"status":      "ok",
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/evaluate", newRateLimiter(cfg.RateLimit, logger), RequestSizeMiddleware(maxEvaluateBody), h.Evaluate)
		v1.GET("/stats", h.Stats)

		admin := v1.Group("/admin")
		admin.Use(AdminAuthMiddleware(cfg.Admin.JWTSecret))
		{
			admin.POST("/cache/clear", h.ClearCache)
			admin.POST("/circuit-breaker/reset", h.ResetCircuitBreaker)
			admin.PUT("/enabled", h.SetEnabled)
		}
	}

	// Catch-all route for undefined endpoints
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
