package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/capgate/capgate/internal/model"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// Send posts one event to a webhook endpoint, retrying on 5xx.
func Send(cfg Config, event Event) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("alert: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("alert: webhook rejected: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("alert: webhook server error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("alert: webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return json.Marshal(event)
	}
}

func formatSlack(event Event) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("capgate: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:* %s", event.AgentID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Request:* %s", event.RequestID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", event.Risk)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	severity := "info"
	switch event.Risk {
	case model.RiskCritical:
		severity = "critical"
	case model.RiskHigh:
		severity = "error"
	case model.RiskMedium:
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("capgate %s: %s", event.Type, event.Reason),
			"severity": severity,
			"source":   "capgate",
			"custom_details": map[string]any{
				"request_id": event.RequestID,
				"agent_id":   event.AgentID,
				"invariant":  event.Invariant,
				"outcome":    event.Outcome,
				"risk":       event.Risk,
			},
		},
	}
	return json.Marshal(payload)
}
