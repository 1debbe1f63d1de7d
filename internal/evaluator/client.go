package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/NikhilSetiya/evalcache/internal/evaluation"
	"github.com/NikhilSetiya/evalcache/pkg/config"
	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
	"github.com/NikhilSetiya/evalcache/pkg/tracing"
)

// maxErrorBody caps how much of an error response is kept for messages
const maxErrorBody = 4 << 10

// Client calls a remote scoring service over HTTP. It implements evaluation.Evaluator.
type Client struct {
	url        string
	httpClient *http.Client
	retrier    *resilience.Retrier
	logger     *logging.Logger
}

type clientOptions struct {
	httpClient  *http.Client
	tracing     *tracing.TracingService
	logger      *logging.Logger
	retryConfig *resilience.RetryConfig
}

// Option configures a Client
type Option func(*clientOptions)

// WithHTTPClient replaces the base HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithTracing adds client spans and trace propagation to outgoing calls
func WithTracing(ts *tracing.TracingService) Option {
	return func(o *clientOptions) {
		o.tracing = ts
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithRetryConfig overrides the retry policy
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(o *clientOptions) {
		o.retryConfig = &cfg
	}
}

// NewClient creates an evaluator client. When a token URL is configured every
// request carries an OAuth2 client-credentials bearer token.
func NewClient(cfg config.EvaluatorConfig, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: evaluator URL is required", apperrors.ErrInvalidConfig)
	}

	o := clientOptions{logger: logging.GetLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := o.httpClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}
	if o.tracing != nil {
		base = o.tracing.InstrumentHTTPClient(base)
	}

	httpClient := base
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = base.Timeout
	}

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.MaxRetries + 1
	if o.retryConfig != nil {
		retryConfig = *o.retryConfig
	}
	retryConfig.Logger = o.logger

	return &Client{
		url:        cfg.URL,
		httpClient: httpClient,
		retrier:    resilience.NewRetrier(retryConfig),
		logger:     o.logger,
	}, nil
}

// Evaluate posts the request to the scoring service. Transient failures
// (transport errors, 429 and 5xx) are retried with backoff.
func (c *Client) Evaluate(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*evaluation.Result, error) {
	body, err := json.Marshal(evaluation.Request{
		AgentType:    agentType,
		ResponseText: responseText,
		Context:      attrs,
	})
	if err != nil {
		return nil, apperrors.NewValidationError("evaluation context cannot be encoded").WithCause(err)
	}

	return resilience.ExecuteWithResult(ctx, c.retrier, func(ctx context.Context) (*evaluation.Result, error) {
		return c.post(ctx, body)
	})
}

func (c *Client) post(ctx context.Context, body []byte) (*evaluation.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build evaluator request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := logging.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if id := logging.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Evaluator responded",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, string(bytes.TrimSpace(msg)))
	}

	var result evaluation.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.NewExternalError("evaluator", "invalid response body").WithCause(err)
	}
	if result.EvaluatedAt.IsZero() {
		result.EvaluatedAt = time.Now().UTC()
	}

	return &result, nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTimeoutError("evaluator request").WithCause(err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return apperrors.NewAuthenticationError("evaluator token request rejected").WithCause(err)
	}

	return apperrors.NewExternalError("evaluator", "request failed").WithCause(err)
}

func statusError(status int, body string) error {
	msg := fmt.Sprintf("evaluator returned HTTP %d", status)
	if body != "" {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitError(msg)
	case status == http.StatusUnauthorized:
		return apperrors.NewAuthenticationError(msg)
	case status == http.StatusForbidden:
		return apperrors.NewAuthorizationError(msg)
	case status == http.StatusNotFound:
		return apperrors.NewNotFoundError("evaluator endpoint")
	case status == http.StatusServiceUnavailable:
		return apperrors.NewUnavailableError(msg)
	case status >= 500:
		return apperrors.NewExternalError("evaluator", msg)
	default:
		return apperrors.NewValidationError(msg)
	}
}
