package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalcache/internal/evaluation"
	"github.com/NikhilSetiya/evalcache/internal/performance"
	"github.com/NikhilSetiya/evalcache/pkg/config"
	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/health"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
)

const testSecret = "test-admin-secret"

// MockService is a mock implementation of Service
type MockService struct {
	mock.Mock
}

func (m *MockService) EvaluateResponse(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*evaluation.Result, error) {
	args := m.Called(ctx, agentType, responseText, attrs)
	result, _ := args.Get(0).(*evaluation.Result)
	return result, args.Error(1)
}

func (m *MockService) Stats() performance.Statistics {
	args := m.Called()
	return args.Get(0).(performance.Statistics)
}

func (m *MockService) ClearCache() {
	m.Called()
}

func (m *MockService) ResetCircuitBreaker() {
	m.Called()
}

func (m *MockService) SetEnabled(enabled bool) {
	m.Called(enabled)
}

func (m *MockService) Enabled() bool {
	args := m.Called()
	return args.Bool(0)
}

func setupTestRouter(svc Service, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}, Environment: "test"},
		Admin:  config.AdminConfig{JWTSecret: testSecret},
	}

	return NewRouter(cfg, svc, m, nil, logging.NewNopLogger())
}

func generateTestToken(t *testing.T, secret, role string) string {
	t.Helper()

	claims := AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func doRequest(router *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestEvaluateEndpoint(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)

	attrs := map[string]interface{}{"lang": "go"}
	svc.On("EvaluateResponse", mock.Anything, "code_review", "LGTM", attrs).
		Return(&evaluation.Result{Score: 0.8, Passed: true}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		AgentType:    "code_review",
		ResponseText: "LGTM",
		Context:      attrs,
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 0.8, data["score"])
	assert.Equal(t, true, data["passed"])

	svc.AssertExpectations(t)
}

func TestEvaluateEndpoint_PropagatesRequestID(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)

	svc.On("EvaluateResponse", mock.MatchedBy(func(ctx context.Context) bool {
		return logging.GetRequestID(ctx) == "req-42"
	}), "qa", "x", mock.Anything).Return(&evaluation.Result{Score: 1}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate",
		bytes.NewBufferString(`{"agent_type":"qa","response_text":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	svc.AssertExpectations(t)
}

func TestEvaluateEndpoint_InvalidBody(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"agent_type":`},
		{"missing agent type", `{"response_text":"x"}`},
		{"missing response text", `{"agent_type":"qa"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
		})
	}

	svc.AssertNotCalled(t, "EvaluateResponse", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluateEndpoint_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "evaluator failure",
			err:    &apperrors.EvaluationError{AgentType: "qa", Cause: errors.New("boom")},
			status: http.StatusBadGateway,
			code:   "EXTERNAL_SERVICE_ERROR",
		},
		{
			name:   "not initialized",
			err:    apperrors.ErrNotInitialized,
			status: http.StatusServiceUnavailable,
			code:   "SERVICE_UNAVAILABLE",
		},
		{
			name:   "rate limited upstream",
			err:    apperrors.NewRateLimitError("slow down"),
			status: http.StatusTooManyRequests,
			code:   "RATE_LIMIT_EXCEEDED",
		},
		{
			name:   "timeout",
			err:    apperrors.NewTimeoutError("evaluator request"),
			status: http.StatusGatewayTimeout,
			code:   "TIMEOUT",
		},
		{
			name:   "unexpected",
			err:    errors.New("secret internals"),
			status: http.StatusInternalServerError,
			code:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			router := setupTestRouter(svc, nil)
			svc.On("EvaluateResponse", mock.Anything, "qa", "x", mock.Anything).Return(nil, tt.err)

			w := doRequest(router, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{AgentType: "qa", ResponseText: "x"}, "")

			assert.Equal(t, tt.status, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.NotContains(t, resp.Error.Message, "secret internals")
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)

	svc.On("Stats").Return(performance.Statistics{
		Enabled:          true,
		Initialized:      true,
		TotalEvaluations: 7,
		Fallbacks:        2,
	})

	w := doRequest(router, http.MethodGet, "/api/v1/stats", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, float64(7), data["total_evaluations"])
	assert.Equal(t, float64(2), data["fallbacks"])
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		initialized  bool
		breakerState resilience.CircuitState
		status       int
		overall      health.Status
	}{
		{"healthy", true, resilience.StateClosed, http.StatusOK, health.StatusHealthy},
		{"breaker open", true, resilience.StateOpen, http.StatusOK, health.StatusDegraded},
		{"not initialized", false, resilience.StateClosed, http.StatusServiceUnavailable, health.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			router := setupTestRouter(svc, nil)
			svc.On("Stats").Return(performance.Statistics{
				Initialized:    tt.initialized,
				CircuitBreaker: resilience.BreakerStats{State: tt.breakerState.String()},
			})
			svc.On("Enabled").Return(true).Maybe()

			w := doRequest(router, http.MethodGet, "/health", nil, "")
			assert.Equal(t, tt.status, w.Code)

			var resp health.Report
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.overall, resp.Status)
			require.Contains(t, resp.Checks, "circuit_breaker")
			assert.Equal(t, tt.breakerState.String(), resp.Checks["circuit_breaker"].Message)
			assert.Equal(t, "test", resp.Metadata["environment"])
		})
	}
}

func TestHealthEndpoint_EvaluatorProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	gin.SetMode(gin.TestMode)
	svc := new(MockService)
	svc.On("Stats").Return(performance.Statistics{Initialized: true})
	svc.On("Enabled").Return(true)

	cfg := &config.Config{Evaluator: config.EvaluatorConfig{HealthURL: upstream.URL}}
	router := NewRouter(cfg, svc, nil, nil, logging.NewNopLogger())

	w := doRequest(router, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doRequest(router, http.MethodGet, "/health/live", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminEndpoints_Auth(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", generateTestToken(t, "other-secret", "admin"), http.StatusUnauthorized},
		{"not an admin", generateTestToken(t, testSecret, "viewer"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/api/v1/admin/cache/clear", nil, tt.token)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	svc.AssertNotCalled(t, "ClearCache")
}

func TestAdminEndpoints_DisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := new(MockService)
	router := NewRouter(&config.Config{}, svc, nil, nil, logging.NewNopLogger())

	w := doRequest(router, http.MethodPost, "/api/v1/admin/cache/clear", nil, generateTestToken(t, testSecret, "admin"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	svc.AssertNotCalled(t, "ClearCache")
}

func TestAdminEndpoints(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)
	token := generateTestToken(t, testSecret, "admin")

	t.Run("clear cache", func(t *testing.T) {
		svc.On("ClearCache").Once()
		w := doRequest(router, http.MethodPost, "/api/v1/admin/cache/clear", nil, token)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("reset circuit breaker", func(t *testing.T) {
		svc.On("ResetCircuitBreaker").Once()
		svc.On("Stats").Return(performance.Statistics{
			CircuitBreaker: resilience.BreakerStats{State: resilience.StateClosed.String()},
		}).Once()

		w := doRequest(router, http.MethodPost, "/api/v1/admin/circuit-breaker/reset", nil, token)
		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w).Data.(map[string]interface{})
		assert.Equal(t, "CLOSED", data["state"])
	})

	t.Run("disable", func(t *testing.T) {
		svc.On("SetEnabled", false).Once()
		svc.On("Enabled").Return(false).Once()

		w := doRequest(router, http.MethodPut, "/api/v1/admin/enabled", map[string]bool{"enabled": false}, token)
		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w).Data.(map[string]interface{})
		assert.Equal(t, false, data["enabled"])
	})

	t.Run("enabled flag required", func(t *testing.T) {
		w := doRequest(router, http.MethodPut, "/api/v1/admin/enabled", map[string]string{}, token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	svc.AssertExpectations(t)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := new(MockService)
	svc.On("Stats").Return(performance.Statistics{Initialized: true})
	svc.On("Enabled").Return(true)

	m := metrics.NewMetrics(&metrics.Config{Namespace: "apitest", Enabled: true})
	router := setupTestRouter(svc, m)

	doRequest(router, http.MethodGet, "/health", nil, "")
	w := doRequest(router, http.MethodGet, "/metrics", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "apitest_http_requests_total")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	router := setupTestRouter(new(MockService), nil)

	w := doRequest(router, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNoRoute(t *testing.T) {
	router := setupTestRouter(new(MockService), nil)

	w := doRequest(router, http.MethodGet, "/api/v1/scans", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeResponse(t, w).Error.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	svc := new(MockService)
	svc.On("EvaluateResponse", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("handler exploded") })
	router := setupTestRouter(svc, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{AgentType: "qa", ResponseText: "x"}, "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeResponse(t, w).Error.Code)
}

func TestSecurityHeaders(t *testing.T) {
	router := setupTestRouter(new(MockService), nil)

	w := doRequest(router, http.MethodGet, "/api/v1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestEvaluateEndpoint_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := new(MockService)
	svc.On("EvaluateResponse", mock.Anything, "qa", "x", mock.Anything).Return(&evaluation.Result{Score: 1}, nil)

	cfg := &config.Config{RateLimit: config.RateLimitConfig{PerIPRequests: 1, Window: time.Hour}}
	router := NewRouter(cfg, svc, nil, nil, logging.NewNopLogger())

	body := EvaluateRequest{AgentType: "qa", ResponseText: "x"}
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/api/v1/evaluate", body, "").Code)

	w := doRequest(router, http.MethodPost, "/api/v1/evaluate", body, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeResponse(t, w).Error.Code)
	svc.AssertNumberOfCalls(t, "EvaluateResponse", 1)
}

func TestEvaluateEndpoint_BodyTooLarge(t *testing.T) {
	svc := new(MockService)
	router := setupTestRouter(svc, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		AgentType:    "qa",
		ResponseText: strings.Repeat("x", maxEvaluateBody),
	}, "")

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "REQUEST_TOO_LARGE", decodeResponse(t, w).Error.Code)
	svc.AssertNotCalled(t, "EvaluateResponse", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
