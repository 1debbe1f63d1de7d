package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/evalcache/internal/evaluation"
	"github.com/NikhilSetiya/evalcache/internal/performance"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// Service is the part of the performance manager exposed over HTTP
type Service interface {
	EvaluateResponse(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*evaluation.Result, error)
	Stats() performance.Statistics
	ClearCache()
	ResetCircuitBreaker()
	SetEnabled(enabled bool)
	Enabled() bool
}

// Handler serves the evaluation and admin endpoints
type Handler struct {
	svc    Service
	logger *logging.Logger
}

// NewHandler creates a new handler
func NewHandler(svc Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Handler{svc: svc, logger: logger}
}

// Evaluate handles POST /api/v1/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.svc.EvaluateResponse(c.Request.Context(), req.AgentType, req.ResponseText, req.Context)
	if err != nil {
		_ = c.Error(err)
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, result)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(c *gin.Context) {
	SuccessResponse(c, h.svc.Stats())
}

// ClearCache handles POST /api/v1/admin/cache/clear
func (h *Handler) ClearCache(c *gin.Context) {
	h.svc.ClearCache()
	h.logger.WithContext(c.Request.Context()).WithField("admin", c.GetString("admin_subject")).Info("Evaluation cache cleared")
	SuccessResponse(c, gin.H{"cleared": true})
}

// ResetCircuitBreaker handles POST /api/v1/admin/circuit-breaker/reset
func (h *Handler) ResetCircuitBreaker(c *gin.Context) {
	h.svc.ResetCircuitBreaker()
	h.logger.WithContext(c.Request.Context()).WithField("admin", c.GetString("admin_subject")).Info("Circuit breaker reset")
	SuccessResponse(c, gin.H{"state": h.svc.Stats().CircuitBreaker.State})
}

// SetEnabled handles PUT /api/v1/admin/enabled
func (h *Handler) SetEnabled(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	h.svc.SetEnabled(*req.Enabled)
	SuccessResponse(c, gin.H{"enabled": h.svc.Enabled()})
}
