package shield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// AlertDispatcher fans one alert payload out to the configured channels.
// Dispatch is fire-and-forget: a slow or unreachable channel never adds
// latency to a response, and one channel's failure never blocks another.
// Channels without credentials are silently skipped.
type AlertDispatcher struct {
	mu      sync.RWMutex
	senders map[string]AlertSender
	enabled map[string]bool
	logger  *log.Logger
	metrics MetricsCollector
	timeout time.Duration
}

func NewAlertDispatcher(policy *PolicyConfig, indexer EventIndexer, logger *log.Logger, metrics MetricsCollector) *AlertDispatcher {
	d := &AlertDispatcher{
		senders: make(map[string]AlertSender),
		enabled: policy.AlertChannels,
		logger:  logger,
		metrics: metrics,
		timeout: 15 * time.Second,
	}
	client := &http.Client{Timeout: 10 * time.Second}
	creds := policy.AlertCredentials
	d.Register(&LogAlertSender{logger: logger})
	d.Register(&IndexAlertSender{indexer: indexer})
	d.Register(&WebhookAlertSender{client: client, creds: creds["webhook"]})
	d.Register(&SlackAlertSender{client: client, creds: creds["slack"]})
	d.Register(&EmailAlertSender{creds: creds["email"]})
	d.Register(&PagerDutyAlertSender{client: client, creds: creds["pagerduty"]})
	d.Register(&SMSAlertSender{client: client, creds: creds["sms"]})
	return d
}

func (d *AlertDispatcher) Register(sender AlertSender) {
	d.mu.Lock()
	d.senders[sender.Name()] = sender
	d.mu.Unlock()
}

// Dispatch sends the alert to the named channels, or to every enabled channel
// when channels is empty. Each send runs in its own goroutine.
func (d *AlertDispatcher) Dispatch(alert *Alert, channels []string) {
	if alert == nil {
		return
	}
	if len(channels) == 0 {
		d.mu.RLock()
		for name := range d.senders {
			if d.enabled[name] {
				channels = append(channels, name)
			}
		}
		d.mu.RUnlock()
	}
	for _, name := range channels {
		d.mu.RLock()
		sender, exists := d.senders[name]
		d.mu.RUnlock()
		if !exists {
			d.logger.Warn().Str("channel", name).Msg("alert channel not registered")
			continue
		}
		if !sender.Configured() {
			continue
		}
		go func(s AlertSender) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Send(ctx, alert); err != nil {
				d.logger.Warn().Err(err).Str("channel", s.Name()).Str("rule", alert.RuleID).Msg("alert delivery failed")
				d.metrics.IncrementCounter("shield_alert_failures_total", map[string]string{"channel": s.Name()})
				return
			}
			d.metrics.IncrementCounter("shield_alerts_sent_total", map[string]string{"channel": s.Name()})
		}(sender)
	}
}

// LogAlertSender writes the alert to the structured log. Always configured;
// it is the default channel of the built-in policy.
type LogAlertSender struct {
	logger *log.Logger
}

func (s *LogAlertSender) Name() string     { return "log" }
func (s *LogAlertSender) Configured() bool { return true }

func (s *LogAlertSender) Send(_ context.Context, alert *Alert) error {
	s.logger.Warn().
		Str("title", alert.Title).
		Str("severity", string(alert.Severity)).
		Str("rule", alert.RuleID).
		Str("source", alert.Source).
		Int("score", alert.Score).
		Msg("security alert")
	return nil
}

// IndexAlertSender is the durable index write channel.
type IndexAlertSender struct {
	indexer EventIndexer
}

func (s *IndexAlertSender) Name() string { return "index" }

func (s *IndexAlertSender) Configured() bool {
	_, noop := s.indexer.(*NoopIndexer)
	return s.indexer != nil && !noop
}

func (s *IndexAlertSender) Send(ctx context.Context, alert *Alert) error {
	index := MonthlyIndex("shield-alerts", alert.Timestamp)
	id := fmt.Sprintf("%s-%d", alert.RuleID, alert.Timestamp.UnixNano())
	return s.indexer.IndexDocument(ctx, index, id, alert)
}

// WebhookAlertSender posts the raw alert JSON to a configured URL.
type WebhookAlertSender struct {
	client *http.Client
	creds  map[string]string
}

func (s *WebhookAlertSender) Name() string     { return "webhook" }
func (s *WebhookAlertSender) Configured() bool { return s.creds["url"] != "" }

func (s *WebhookAlertSender) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, s.client, s.creds["url"], alert, nil)
}

// SlackAlertSender posts a formatted message to a Slack incoming webhook.
type SlackAlertSender struct {
	client *http.Client
	creds  map[string]string
}

func (s *SlackAlertSender) Name() string     { return "slack" }
func (s *SlackAlertSender) Configured() bool { return s.creds["webhook_url"] != "" }

func (s *SlackAlertSender) Send(ctx context.Context, alert *Alert) error {
	var detail strings.Builder
	for k, v := range alert.Detail {
		fmt.Fprintf(&detail, "• *%s:* %s\n", k, v)
	}
	payload := map[string]any{
		"text": fmt.Sprintf(":rotating_light: *%s* [%s]\nrule=%s source=%s score=%d\n%s",
			alert.Title, alert.Severity, alert.RuleID, alert.Source, alert.Score, detail.String()),
	}
	return postJSON(ctx, s.client, s.creds["webhook_url"], payload, nil)
}

// EmailAlertSender delivers over SMTP.
type EmailAlertSender struct {
	creds map[string]string
}

func (s *EmailAlertSender) Name() string { return "email" }

func (s *EmailAlertSender) Configured() bool {
	return s.creds["smtp_host"] != "" && s.creds["to"] != "" && s.creds["from"] != ""
}

func (s *EmailAlertSender) Send(_ context.Context, alert *Alert) error {
	addr := s.creds["smtp_host"] + ":" + smtpPort(s.creds)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\nrule=%s source=%s score=%d time=%s\r\n",
		s.creds["from"], s.creds["to"], alert.Severity, alert.Title,
		alert.RuleID, alert.Source, alert.Score, alert.Timestamp.Format(time.RFC3339))
	var auth smtp.Auth
	if s.creds["username"] != "" {
		auth = smtp.PlainAuth("", s.creds["username"], s.creds["password"], s.creds["smtp_host"])
	}
	return smtp.SendMail(addr, auth, s.creds["from"], []string{s.creds["to"]}, []byte(body))
}

func smtpPort(creds map[string]string) string {
	if p := creds["smtp_port"]; p != "" {
		return p
	}
	return "587"
}

// PagerDutyAlertSender pushes through the Events API v2.
type PagerDutyAlertSender struct {
	client *http.Client
	creds  map[string]string
}

func (s *PagerDutyAlertSender) Name() string     { return "pagerduty" }
func (s *PagerDutyAlertSender) Configured() bool { return s.creds["routing_key"] != "" }

func (s *PagerDutyAlertSender) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"routing_key":  s.creds["routing_key"],
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":   fmt.Sprintf("%s (rule %s, source %s)", alert.Title, alert.RuleID, alert.Source),
			"severity":  strings.ToLower(string(alert.Severity)),
			"source":    alert.Source,
			"timestamp": alert.Timestamp.Format(time.RFC3339),
			"custom_details": map[string]any{
				"score":  alert.Score,
				"detail": alert.Detail,
			},
		},
	}
	return postJSON(ctx, s.client, "https://events.pagerduty.com/v2/enqueue", payload, nil)
}

// SMSAlertSender posts to an SMS gateway webhook.
type SMSAlertSender struct {
	client *http.Client
	creds  map[string]string
}

func (s *SMSAlertSender) Name() string     { return "sms" }
func (s *SMSAlertSender) Configured() bool { return s.creds["gateway_url"] != "" && s.creds["to"] != "" }

func (s *SMSAlertSender) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"to":      s.creds["to"],
		"message": fmt.Sprintf("[%s] %s rule=%s source=%s score=%d", alert.Severity, alert.Title, alert.RuleID, alert.Source, alert.Score),
	}
	headers := map[string]string{}
	if key := s.creds["api_key"]; key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	return postJSON(ctx, s.client, s.creds["gateway_url"], payload, headers)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
