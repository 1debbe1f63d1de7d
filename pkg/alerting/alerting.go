package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert
type Alert struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Component   string            `json:"component"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels,omitempty"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// NotificationChannel represents a notification channel
type NotificationChannel interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// Service tracks active alerts and fans notifications out to its channels
type Service struct {
	channels     []NotificationChannel
	activeAlerts map[string]*Alert
	logger       *logging.Logger
	mutex        sync.RWMutex
	config       *Config
	wg           sync.WaitGroup
}

// Config holds alerting configuration
type Config struct {
	Enabled bool `json:"enabled"`
	// SendTimeout bounds each notification
	SendTimeout time.Duration `json:"send_timeout"`
	MaxAlerts   int           `json:"max_alerts"`
}

// DefaultConfig returns default alerting configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		SendTimeout: 10 * time.Second,
		MaxAlerts:   1000,
	}
}

// NewService creates a new alerting service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		channels:     make([]NotificationChannel, 0),
		activeAlerts: make(map[string]*Alert),
		logger:       logger,
		config:       config,
	}
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel NotificationChannel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels = append(s.channels, channel)
}

// TriggerAlert activates an alert and notifies every channel. Re-triggering an
// active alert only refreshes it.
func (s *Service) TriggerAlert(ctx context.Context, alert *Alert) error {
	if !s.config.Enabled {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Component, time.Now().Unix())
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	if existing, exists := s.activeAlerts[alert.ID]; exists {
		existing.Description = alert.Description
		existing.Labels = alert.Labels
		return nil
	}

	if len(s.activeAlerts) >= s.config.MaxAlerts {
		s.logger.WithContext(ctx).Warn("Maximum number of active alerts reached, dropping alert")
		return fmt.Errorf("maximum number of active alerts reached")
	}

	s.activeAlerts[alert.ID] = alert

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"severity":  alert.Severity,
		"component": alert.Component,
	}).Warn("Alert triggered")

	s.sendNotificationsLocked(ctx, *alert)
	return nil
}

// ResolveAlert resolves an active alert
func (s *Service) ResolveAlert(ctx context.Context, alertID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	alert, exists := s.activeAlerts[alertID]
	if !exists {
		return fmt.Errorf("alert %s not found", alertID)
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(s.activeAlerts, alertID)

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"component": alert.Component,
		"duration":  now.Sub(alert.Timestamp).String(),
	}).Info("Alert resolved")

	s.sendNotificationsLocked(ctx, *alert)
	return nil
}

// GetActiveAlerts returns all active alerts
func (s *Service) GetActiveAlerts() []*Alert {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	alerts := make([]*Alert, 0, len(s.activeAlerts))
	for _, alert := range s.activeAlerts {
		alerts = append(alerts, alert)
	}
	return alerts
}

// GetAlert returns a specific alert
func (s *Service) GetAlert(alertID string) (*Alert, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	alert, exists := s.activeAlerts[alertID]
	return alert, exists
}

// Wait blocks until every notification in flight has been sent or failed
func (s *Service) Wait() {
	s.wg.Wait()
}

// sendNotificationsLocked sends a copy of alert to every channel in the
// background. Notifications outlive the caller's context.
func (s *Service) sendNotificationsLocked(ctx context.Context, alert Alert) {
	fields := logrus.Fields{
		"alert_id":       alert.ID,
		"correlation_id": logging.GetCorrelationID(ctx),
	}

	for _, channel := range s.channels {
		s.wg.Add(1)
		go func(ch NotificationChannel) {
			defer s.wg.Done()

			sendCtx, cancel := context.WithTimeout(context.Background(), s.config.SendTimeout)
			defer cancel()

			if err := ch.Send(sendCtx, &alert); err != nil {
				s.logger.WithError(err).WithFields(fields).WithField("channel", ch.Name()).
					Error("Failed to send alert notification")
			}
		}(channel)
	}
}

// BreakerListener raises a critical alert while a breaker is open and
// resolves it once the breaker closes again.
func (s *Service) BreakerListener() func(name string, from, to resilience.CircuitState) {
	return func(name string, from, to resilience.CircuitState) {
		id := "circuit_breaker_open:" + name
		ctx := context.Background()

		switch to {
		case resilience.StateOpen:
			_ = s.TriggerAlert(ctx, &Alert{
				ID:          id,
				Title:       fmt.Sprintf("Circuit breaker %q is open", name),
				Description: "Evaluator calls are failing. Requests are being rejected by the breaker and evaluated directly.",
				Severity:    SeverityCritical,
				Component:   "circuit_breaker",
				Labels:      map[string]string{"breaker": name, "from": from.String()},
			})
		case resilience.StateClosed:
			if _, active := s.GetAlert(id); active {
				_ = s.ResolveAlert(ctx, id)
			}
		}
	}
}

// SlackChannel posts alerts to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Send sends an alert to Slack
func (sc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	color := colorForSeverity(alert.Severity)
	status := "FIRING"
	if alert.Resolved {
		status = "RESOLVED"
		color = "good"
	}

	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Component", "value": alert.Component, "short": true},
	}
	for key, value := range alert.Labels {
		fields = append(fields, map[string]interface{}{"title": key, "value": value, "short": true})
	}

	payload := map[string]interface{}{
		"channel":  sc.channel,
		"username": sc.username,
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     fmt.Sprintf("[%s] %s", status, alert.Title),
				"text":      alert.Description,
				"timestamp": alert.Timestamp.Unix(),
				"fields":    fields,
			},
		},
	}

	return postJSON(ctx, sc.client, sc.webhookURL, nil, payload)
}

func colorForSeverity(severity Severity) string {
	switch severity {
	case SeverityInfo:
		return "#36a64f"
	case SeverityWarning:
		return "#ff9500"
	case SeverityCritical:
		return "#ff0000"
	default:
		return "#808080"
	}
}

// WebhookChannel posts the alert as JSON to an arbitrary endpoint
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send sends an alert via webhook
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, wc.client, wc.url, wc.headers, alert)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
