// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	maxRetryDelay        = 30 * time.Second

	payloadVersion = "1.0"
	payloadSource  = "usds-yield-tracker"
	userAgent      = "USDs-Yield-Tracker/1.0"
)

// RebasePayload is the JSON body posted for every stored rebase.
type RebasePayload struct {
	Type      string              `json:"type"`
	Source    string              `json:"source"`
	Version   string              `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Data      *models.RebaseEvent `json:"data"`
}

// WebhookResponse describes one delivery attempt
type WebhookResponse struct {
	StatusCode   int
	ResponseTime time.Duration
	Success      bool
	Error        error
	Body         string
}

// RebaseNotifier posts rebase events to the configured webhooks.
type RebaseNotifier struct {
	config         config.NotificationConfig
	logger         *logrus.Entry
	httpClient     *http.Client
	metricsManager *metrics.Manager
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewRebaseNotifier creates a notifier. Zero timeouts and retry settings take
// their defaults.
func NewRebaseNotifier(cfg *config.NotificationConfig, metricsManager *metrics.Manager) *RebaseNotifier {
	var c config.NotificationConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	return &RebaseNotifier{
		config: c,
		logger: utils.ComponentLogger("webhook_sender"),
		httpClient: &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		metricsManager: metricsManager,
		sleep:          sleepContext,
	}
}

// Enabled reports whether notifications are on and have somewhere to go.
func (n *RebaseNotifier) Enabled() bool {
	return n.config.Enabled && len(n.config.Webhooks) > 0
}

// Notify delivers event to every webhook. It has the signature of a monitor
// callback; the returned error joins the failed deliveries.
func (n *RebaseNotifier) Notify(ctx context.Context, event *models.RebaseEvent) error {
	if !n.Enabled() {
		return nil
	}

	payload := &RebasePayload{
		Type:      "rebase",
		Source:    payloadSource,
		Version:   payloadVersion,
		Timestamp: time.Now().UTC(),
		Data:      event,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	var errs []error
	for _, url := range n.config.Webhooks {
		response := n.sendWithRetry(ctx, url, body)
		if n.metricsManager != nil {
			n.metricsManager.GetPrometheusMetrics().RecordNotification(response.Error)
		}

		fields := logrus.Fields{
			"url":           url,
			"block":         event.BlockNumber,
			"status_code":   response.StatusCode,
			"response_time": response.ResponseTime,
		}
		if response.Success {
			n.logger.WithFields(fields).Debug("Webhook sent successfully")
			continue
		}
		fields["error"] = response.Error
		n.logger.WithFields(fields).Error("Webhook failed")
		errs = append(errs, response.Error)
	}
	return errors.Join(errs...)
}

func (n *RebaseNotifier) sendWithRetry(ctx context.Context, url string, body []byte) *WebhookResponse {
	var last *WebhookResponse
	for attempt := 1; attempt <= n.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := n.retryDelay(attempt)
			n.logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
				"max":     n.config.RetryAttempts,
				"delay":   delay,
			}).Warn("Retrying webhook")
			if err := n.sleep(ctx, delay); err != nil {
				return &WebhookResponse{Error: err}
			}
		}

		last = n.send(ctx, url, body)
		if last.Success {
			return last
		}
	}
	return last
}

func (n *RebaseNotifier) send(ctx context.Context, url string, body []byte) *WebhookResponse {
	start := time.Now()
	response := &WebhookResponse{}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		response.Error = utils.NewAppError(utils.ErrCodeValidation, "Invalid webhook URL", err.Error())
		return response
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Request-ID", utils.GenerateID())

	resp, err := n.httpClient.Do(req)
	response.ResponseTime = time.Since(start)
	if err != nil {
		response.Error = utils.NewAppError(utils.ErrCodeConnection, "Failed to send webhook", err.Error())
		return response
	}
	defer resp.Body.Close()

	response.StatusCode = resp.StatusCode
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	response.Body = string(snippet)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		response.Success = true
		return response
	}
	response.Error = utils.NewAppError(utils.ErrCodeConnection,
		"Webhook returned non-success status",
		fmt.Sprintf("status: %d, body: %s", resp.StatusCode, response.Body))
	return response
}

// retryDelay is exponential: RetryDelay * 2^(attempt-2), capped.
func (n *RebaseNotifier) retryDelay(attempt int) time.Duration {
	delay := n.config.RetryDelay << uint(attempt-2)
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
