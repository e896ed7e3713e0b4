// Package notify delivers best-effort webhook notifications about
// execution milestones. Delivery failures are logged and dropped; no
// notification ever fails or delays a remediation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/config"
)

// Event is one notification payload.
type Event struct {
	Kind        string                 `json:"kind"`
	ExecutionID string                 `json:"execution_id"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Notifier posts events to a webhook with bounded retries.
type Notifier struct {
	logger *zap.Logger
	cfg    config.NotifyConfig
	client *http.Client
}

// New creates a notifier. client may be nil.
func New(logger *zap.Logger, cfg config.NotifyConfig, client *http.Client) *Notifier {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Notifier{logger: logger, cfg: cfg, client: client}
}

// Notify posts the event asynchronously. It returns immediately; delivery
// happens in the background with exponential backoff.
func (n *Notifier) Notify(event Event) {
	if n.cfg.WebhookURL == "" {
		return
	}
	go n.deliver(event)
}

func (n *Notifier) deliver(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("Failed to marshal notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return nil
	}

	retries := uint64(n.cfg.MaxRetries)
	if retries == 0 {
		retries = 3
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		n.logger.Warn("Notification dropped",
			zap.String("kind", event.Kind),
			zap.String("execution", event.ExecutionID),
			zap.Error(err),
		)
	}
}
