// Package alert fans out critical pipeline events to webhook
// endpoints. Invariant violations page someone; denials and pending
// confirmations can notify a channel. Delivery is best-effort and
// asynchronous: alerting never blocks or fails a decision.
package alert

import (
	"time"

	"github.com/capgate/capgate/internal/model"
)

// Event names the alertable occurrences in the pipeline.
const (
	EventInvariantViolation = "invariant_violation"
	EventDeny               = "deny"
	EventNeedConfirmation   = "need_confirmation"
	EventEvaluatorTimeout   = "evaluator_timeout"
)

// Config defines one webhook alert destination.
type Config struct {
	URL     string            `yaml:"url" json:"url"`
	Format  string            `yaml:"format" json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events" json:"events"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Invariant model.Invariant `json:"invariant,omitempty"`
	Outcome   model.Outcome   `json:"outcome,omitempty"`
	Risk      model.RiskLevel `json:"risk,omitempty"`
	Reason    string          `json:"reason"`
}

// ViolationEvent builds an Event from an invariant violation.
func ViolationEvent(v *model.InvariantViolation, requestID, agentID string) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      EventInvariantViolation,
		RequestID: requestID,
		AgentID:   agentID,
		Invariant: v.Invariant,
		Risk:      model.RiskCritical,
		Reason:    v.Detail,
	}
}

// Dispatcher fans out events to matching webhook configurations.
type Dispatcher struct {
	configs []Config

	// send is swappable in tests.
	send func(Config, Event) error
}

// NewDispatcher creates a Dispatcher. Returns nil when no destinations
// are configured; Dispatch on a nil Dispatcher is a no-op.
func NewDispatcher(configs []Config) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs, send: Send}
}

// Dispatch sends the event to every destination subscribed to its
// type. Fires goroutines and returns immediately.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if subscribed(cfg.Events, event.Type) {
			go func(cfg Config) { _ = d.send(cfg, event) }(cfg)
		}
	}
}

func subscribed(events []string, eventType string) bool {
	if len(events) == 0 {
		return eventType == EventInvariantViolation
	}
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
