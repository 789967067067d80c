// Package runner executes exactly one side effect per valid capability
// token, or rejects. It is the only component that performs effects:
// every precondition from the decision is re-validated here from the
// signed token, independent of the decision record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/capgate/capgate/internal/audit"
	"github.com/capgate/capgate/internal/captoken"
	"github.com/capgate/capgate/internal/model"
)

// ToolFunc performs one side effect. Implementations receive the
// intent parameters exactly as bound into the token.
type ToolFunc func(ctx context.Context, params map[string]any) (string, error)

// Result is the outcome of one execution attempt.
type Result struct {
	IntentID   string `json:"intent_id"`
	TokenID    string `json:"token_id,omitempty"`
	Executed   bool   `json:"executed"`
	Output     string `json:"output,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// Runner validates tokens and dispatches to registered tools. Safe for
// concurrent use; per-call state only.
type Runner struct {
	minter *captoken.Minter
	trail  *audit.Buffered

	mu    sync.RWMutex
	tools map[string]ToolFunc // "tool/operation"
}

// New creates a Runner. The audit trail is flushed before any success
// acknowledgment leaves Execute.
func New(minter *captoken.Minter, trail *audit.Buffered) *Runner {
	return &Runner{
		minter: minter,
		trail:  trail,
		tools:  make(map[string]ToolFunc),
	}
}

// Register installs a tool implementation for tool/operation. Any
// invocation path that is not a registered tool behind a token is
// rejected at this boundary.
func (r *Runner) Register(tool, operation string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool+"/"+operation] = fn
}

// Execute performs the intent's effect if and only if every
// precondition holds: token signature and expiry, nonce unspent,
// binding match on tool/operation/parameters, and every declared
// constraint against the actual call. On any failure the effect is not
// performed and a failed snapshot is still recorded.
func (r *Runner) Execute(ctx context.Context, agentID string, intent *model.Intent, tokenString string) (*Result, error) {
	res := &Result{IntentID: intent.ID}

	claims, err := r.minter.Verify(tokenString)
	if err != nil {
		return r.reject(agentID, intent, res, err)
	}
	res.TokenID = claims.ID

	if err := r.checkBinding(agentID, intent, claims); err != nil {
		return r.reject(agentID, intent, res, err)
	}

	if err := CheckConstraints(claims.Constraints, intent.Params); err != nil {
		return r.reject(agentID, intent, res, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err))
	}

	r.mu.RLock()
	fn, ok := r.tools[intent.Tool+"/"+intent.Operation]
	r.mu.RUnlock()
	if !ok {
		return r.reject(agentID, intent, res,
			fmt.Errorf("runner: no tool registered for %s/%s", intent.Tool, intent.Operation))
	}

	// Consume the nonce last among preconditions so a rejected call
	// does not burn the token.
	if err := r.minter.Redeem(claims); err != nil {
		return r.reject(agentID, intent, res, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err))
	}

	output, err := fn(ctx, intent.Params)
	if err != nil {
		res.Reason = fmt.Sprintf("tool failed: %v", err)
		toolErr := fmt.Errorf("runner: tool %s/%s: %w", intent.Tool, intent.Operation, err)
		if recErr := r.record(agentID, intent, res, false); recErr != nil {
			toolErr = errors.Join(toolErr, fmt.Errorf("%w: %v", model.ErrAuditNotDurable, recErr))
		}
		return res, toolErr
	}

	res.Executed = true
	res.Output = output
	if recErr := r.record(agentID, intent, res, true); recErr != nil {
		return res, fmt.Errorf("%w: %v", model.ErrAuditNotDurable, recErr)
	}
	return res, nil
}

// reject records a failed attempt and returns err. If the snapshot
// itself cannot be durably written, that failure is joined in rather
// than discarded.
func (r *Runner) reject(agentID string, intent *model.Intent, res *Result, err error) (*Result, error) {
	res.Reason = err.Error()
	if recErr := r.record(agentID, intent, res, false); recErr != nil {
		err = errors.Join(err, fmt.Errorf("%w: %v", model.ErrAuditNotDurable, recErr))
	}
	return res, err
}

// record writes the audit snapshot and flushes before returning, so
// success is never acknowledged ahead of durable audit. Flush surfaces
// deferred Append failures from the buffered writer.
func (r *Runner) record(agentID string, intent *model.Intent, res *Result, success bool) error {
	if r.trail == nil {
		return nil
	}
	snap := audit.Snapshot{
		AgentID:    agentID,
		RequestID:  intent.ID,
		InputHash:  audit.HashInput(intent.Tool + "/" + intent.Operation + "/" + captoken.ParamsDigest(intent.Params)),
		OutputHash: audit.HashInput(res.Output),
		Intents:    []model.Intent{*intent},
		Executions: []audit.Execution{{
			IntentID: intent.ID,
			TokenID:  res.TokenID,
			Success:  success,
			Detail:   res.Reason,
		}},
		Success: success,
	}
	if err := r.trail.Append(snap); err != nil {
		return err
	}
	return r.trail.Flush()
}

// checkBinding verifies the executing call matches the token's bound
// subject, tool, operation, and parameter digest.
func (r *Runner) checkBinding(agentID string, intent *model.Intent, claims *captoken.Claims) error {
	if claims.Subject != agentID {
		return fmt.Errorf("%w: token subject %q does not match agent %q", model.ErrTokenInvalid, claims.Subject, agentID)
	}
	if claims.Tool != intent.Tool || claims.Operation != intent.Operation {
		return fmt.Errorf("%w: token bound to %s/%s, call is %s/%s",
			model.ErrTokenInvalid, claims.Tool, claims.Operation, intent.Tool, intent.Operation)
	}
	if !captoken.DigestEqual(claims.ParamsDigest, captoken.ParamsDigest(intent.Params)) {
		return fmt.Errorf("%w: parameters differ from token binding", model.ErrTokenInvalid)
	}
	return nil
}

// CheckConstraints re-validates declarative constraints against the
// actual call parameters. Constraints come from the signed token, not
// the decision record.
func CheckConstraints(constraints map[string]any, params map[string]any) error {
	for key, val := range constraints {
		switch key {
		case "max_bytes":
			limit := toInt(val)
			if limit <= 0 {
				continue
			}
			if size := toInt(params["bytes"]); size > limit {
				return fmt.Errorf("constraint max_bytes: %d exceeds %d", size, limit)
			}
			if body, ok := params["content"].(string); ok && len(body) > limit {
				return fmt.Errorf("constraint max_bytes: content %d exceeds %d", len(body), limit)
			}
		case "max_amount_cents":
			limit := toInt(val)
			if limit <= 0 {
				continue
			}
			if amount := toInt(params["amount_cents"]); amount > limit {
				return fmt.Errorf("constraint max_amount_cents: %d exceeds %d", amount, limit)
			}
		case "destination":
			want, _ := val.(string)
			got, _ := params["destination"].(string)
			if want != "" && got != want {
				return fmt.Errorf("constraint destination: %q does not match %q", got, want)
			}
		case "allowed_domains":
			domains := toStrings(val)
			if len(domains) == 0 {
				continue
			}
			target, _ := params["url"].(string)
			if target == "" {
				target, _ = params["domain"].(string)
			}
			if !domainAllowed(target, domains) {
				return fmt.Errorf("constraint allowed_domains: %q not in allow-list", target)
			}
		}
	}
	return nil
}

func domainAllowed(target string, domains []string) bool {
	if target == "" {
		return false
	}
	host := target
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
