package api

import (
	"context"
	"time"

	"github.com/NikhilSetiya/evalcache/pkg/config"
	"github.com/NikhilSetiya/evalcache/pkg/health"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
)

// Version is reported by the health and info endpoints
var Version = "dev"

// NewHealthService registers the pipeline checks. An open breaker only
// degrades the service since evaluations still fall back to the direct path.
func NewHealthService(cfg *config.Config, svc Service, logger *logging.Logger) *health.Service {
	hs := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"version": Version, "environment": cfg.Server.Environment},
	})

	hs.RegisterChecker("processor", health.NewCustomChecker("processor", func(ctx context.Context) (health.Status, string, error) {
		if !svc.Stats().Initialized {
			return health.StatusUnhealthy, "not initialized", nil
		}
		if !svc.Enabled() {
			return health.StatusHealthy, "bypassed, evaluating directly", nil
		}
		return health.StatusHealthy, "", nil
	}))

	hs.RegisterChecker("circuit_breaker", health.NewCustomChecker("circuit_breaker", func(ctx context.Context) (health.Status, string, error) {
		state := svc.Stats().CircuitBreaker.State
		if state == resilience.StateOpen.String() {
			return health.StatusDegraded, state, nil
		}
		return health.StatusHealthy, state, nil
	}))

	if cfg.Evaluator.HealthURL != "" {
		hs.RegisterChecker("evaluator", health.NewHTTPChecker(cfg.Evaluator.HealthURL, "evaluator", 3*time.Second))
	}

	return hs
}
