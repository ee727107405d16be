package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	// AlertTypeFeeCapped fires when a replacement was executed at the
	// configured maximum while the escalated round fee exceeded it.
	AlertTypeFeeCapped    AlertType = "FEE_CAPPED"
	AlertTypeNodeUnsynced AlertType = "NODE_UNSYNCED"
	AlertTypeRecovery     AlertType = "RECOVERY"
	AlertTypeConfigError  AlertType = "CONFIG_ERROR"
)

// Alert represents a single alert event.
type Alert struct {
	Type AlertType
	// Node identifies the Lotus endpoint the daemon is attached to.
	Node string
	// Subject narrows the cooldown key, e.g. a message CID for FEE_CAPPED.
	Subject string
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

// Len returns the number of configured channels.
func (m *MultiAlerter) Len() int { return len(m.alerters) }

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Node, a.Subject)
}

// Send dispatches alert to all channels, respecting cooldown. Recovery alerts
// clear the cooldown of the unsynced alert for the same node.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	if alert.Type == AlertTypeRecovery {
		delete(m.lastSent, cooldownKey(Alert{Type: AlertTypeNodeUnsynced, Node: alert.Node}))
	}
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	case *NoopAlerter:
		return "noop"
	default:
		return "unknown"
	}
}

// SlackAlerter sends alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func slackEmoji(t AlertType) string {
	switch t {
	case AlertTypeRecovery:
		return ":white_check_mark:"
	case AlertTypeFeeCapped:
		return ":money_with_wings:"
	case AlertTypeNodeUnsynced:
		return ":hourglass:"
	case AlertTypeConfigError:
		return ":wrench:"
	default:
		return ":warning:"
	}
}

// Send posts the alert as a Slack message. Fields are listed in key order.
func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *[%s]* %s: %s\n%s", slackEmoji(alert.Type), alert.Type, alert.Node, alert.Title, alert.Message)

	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}

	body, err := json.Marshal(map[string]string{"text": sb.String()})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return post(ctx, s.client, s.webhookURL, body, "slack")
}

// WebhookAlerter sends alerts to a generic HTTP webhook as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":    string(alert.Type),
		"node":    alert.Node,
		"subject": alert.Subject,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return post(ctx, w.client, w.url, body, "webhook")
}

func post(ctx context.Context, client *http.Client, url string, body []byte, channel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }

// FromURLs builds the alerter for the configured channels, falling back to a
// NoopAlerter when none are set.
func FromURLs(slackURL, webhookURL string, cooldown time.Duration, logger *slog.Logger) Alerter {
	var channels []Alerter
	if slackURL != "" {
		channels = append(channels, NewSlackAlerter(slackURL))
	}
	if webhookURL != "" {
		channels = append(channels, NewWebhookAlerter(webhookURL))
	}
	if len(channels) == 0 {
		return &NoopAlerter{}
	}
	return NewMultiAlerter(cooldown, logger, channels...)
}
