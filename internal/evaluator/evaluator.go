// Package evaluator defines the semantic policy evaluator boundary.
// The evaluator is a black box consulted for per-intent outcomes; the
// policy engine treats its output as advisory and enforces invariants
// and hard rules on top of whatever it says.
package evaluator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/capgate/capgate/internal/model"
)

// Evaluator scores proposed intents against their envelope and emits a
// structured decision. Implementations must respect ctx deadlines.
type Evaluator interface {
	// Name identifies the implementation for audit reasons.
	Name() string

	// Evaluate returns one sub-decision per intent. An error means the
	// evaluator could not produce a decision at all; callers fail
	// closed on error.
	Evaluate(ctx context.Context, env *model.Envelope, intents []model.Intent) (*model.Decision, error)
}

// TimeoutReason is the reason string recorded when the evaluator's
// deadline elapses. Monitoring keys on it to distinguish timeouts from
// explicit denials.
const TimeoutReason = "evaluator_timeout"

// DefaultTimeout bounds the evaluator call. The semantic evaluator is
// the dominant latency source in the pipeline.
const DefaultTimeout = 10 * time.Second

// FailClosed wraps an Evaluator with a bounded timeout. On timeout or
// error the decision resolves to deny for every intent: never fail
// open, never left pending.
type FailClosed struct {
	Inner   Evaluator
	Timeout time.Duration

	// Warnf receives one line per closed failure. Defaults to no-op.
	Warnf func(format string, args ...any)
}

// NewFailClosed wraps inner with the default timeout.
func NewFailClosed(inner Evaluator) *FailClosed {
	return &FailClosed{Inner: inner, Timeout: DefaultTimeout, Warnf: func(string, ...any) {}}
}

// Name implements Evaluator.
func (f *FailClosed) Name() string { return f.Inner.Name() + "+failclosed" }

// Evaluate runs the inner evaluator under a deadline. Timeout yields a
// deny decision with the distinct timeout reason; any other error
// yields a deny decision naming the failure.
func (f *FailClosed) Evaluate(ctx context.Context, env *model.Envelope, intents []model.Intent) (*model.Decision, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		dec *model.Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dec, err := f.Inner.Evaluate(ctx, env, intents)
		ch <- result{dec, err}
	}()

	select {
	case <-ctx.Done():
		f.Warnf("evaluator %s timed out after %s (request %s)", f.Inner.Name(), timeout, env.RequestID)
		return DenyAll(intents, TimeoutReason), nil
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				f.Warnf("evaluator %s timed out after %s (request %s)", f.Inner.Name(), timeout, env.RequestID)
				return DenyAll(intents, TimeoutReason), nil
			}
			f.Warnf("evaluator %s failed, failing closed: %v", f.Inner.Name(), r.err)
			return DenyAll(intents, "evaluator_error: "+r.err.Error()), nil
		}
		return r.dec, nil
	}
}

// DenyAll builds a decision denying every intent with one reason.
func DenyAll(intents []model.Intent, reason string) *model.Decision {
	subs := make([]model.SubDecision, 0, len(intents))
	for _, in := range intents {
		subs = append(subs, model.SubDecision{
			IntentID: in.ID,
			Outcome:  model.OutcomeDeny,
			Reason:   reason,
		})
	}
	return &model.Decision{
		ID:        "dec-" + uuid.NewString(),
		Outcome:   model.OutcomeDeny,
		Risk:      model.RiskHigh,
		Intents:   subs,
		Timestamp: time.Now().UTC(),
	}
}
