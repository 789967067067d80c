// Package engine is the deterministic core of the authorization
// pipeline. It enforces the five immutable invariants, applies hard
// rules that override the semantic evaluator, and mints capability
// tokens for approved intents. The invariants are checks inside this
// call path, not middleware: no request reaches a token without
// passing through them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capgate/capgate/internal/agent"
	"github.com/capgate/capgate/internal/captoken"
	"github.com/capgate/capgate/internal/evaluator"
	"github.com/capgate/capgate/internal/model"
)

// State tracks an intent through the decision lifecycle.
type State string

const (
	StateProposed     State = "proposed"
	StateEvaluated    State = "evaluated"
	StateAllowed      State = "allowed"
	StateDenied       State = "denied"
	StateConstrained  State = "constrained"
	StateAwaiting     State = "awaiting_confirmation"
	StateTokenIssued  State = "token_issued"
	StateExecuted     State = "executed"
	StateExpired      State = "expired"
	StateRejected     State = "rejected"
)

// ConcatGuard probes whether a payload embeds raw stored evidence.
// Implemented by the evidence store.
type ConcatGuard interface {
	ContainsContent(sessionID, payload string) (bool, error)
}

// Engine wires the evaluator, agent registry, concatenation guard and
// token minter into one decision path. Stateless per call; safe for
// concurrent use.
type Engine struct {
	agents *agent.Registry
	eval   evaluator.Evaluator
	guard  ConcatGuard
	minter *captoken.Minter

	// Alertf receives one line per invariant violation. Defaults to
	// no-op; the gateway points it at the critical alert path.
	Alertf func(format string, args ...any)

	// DefaultTTL is the mint TTL for agents whose spec does not set
	// one. Zero falls through to the token package default.
	DefaultTTL time.Duration
}

// New creates an Engine. The evaluator should already be wrapped
// fail-closed by the caller.
func New(agents *agent.Registry, eval evaluator.Evaluator, guard ConcatGuard, minter *captoken.Minter) *Engine {
	return &Engine{
		agents: agents,
		eval:   eval,
		guard:  guard,
		minter: minter,
		Alertf: func(string, ...any) {},
	}
}

// Result is the engine's output for one envelope: the final decision
// and a signed token per permitted intent.
type Result struct {
	Decision *model.Decision
	States   map[string]State  // intent id -> terminal state
	Tokens   map[string]string // intent id -> signed token
}

// Decide runs the full decision path for one envelope and its proposed
// intents.
//
// Order (fixed):
//  1. envelope invariants (direct execution, memory isolation,
//     untrusted concatenation); violation halts the request
//  2. semantic evaluation
//  3. structural force-deny for untrusted executional intents
//  4. hard rules: money movement confirmation, secret egress
//  5. token minting with mandatory expiry
func (e *Engine) Decide(ctx context.Context, env *model.Envelope, intents []model.Intent) (*Result, error) {
	spec, ok := e.agents.Lookup(env.AgentID)
	if !ok {
		return nil, fmt.Errorf("engine: unknown agent %q", env.AgentID)
	}

	// Step 1: invariants. Fatal on violation: the request halts,
	// nothing degrades silently.
	if err := e.checkInvariants(env, spec, intents); err != nil {
		e.Alertf("CRITICAL: %v (request %s, agent %s)", err, env.RequestID, env.AgentID)
		return nil, err
	}

	states := make(map[string]State, len(intents))
	for _, in := range intents {
		states[in.ID] = StateProposed
	}

	// Step 2: semantic evaluation. The wrapped evaluator fails closed,
	// so an error here is a programming error, not a timeout.
	decision, err := e.eval.Evaluate(ctx, env, intents)
	if err != nil {
		return nil, fmt.Errorf("engine: evaluate: %w", err)
	}
	for id := range states {
		states[id] = StateEvaluated
	}

	// Steps 3 and 4: structural checks and hard rules override
	// whatever the evaluator said.
	for i := range decision.Intents {
		sub := &decision.Intents[i]
		in := findIntent(intents, sub.IntentID)
		if in == nil {
			sub.Outcome = model.OutcomeDeny
			sub.Reason = "decision references unknown intent"
			continue
		}
		e.applyHardRules(spec, in, sub)
	}
	decision.Outcome = model.Worst(decision.Intents)

	// Step 5: mint tokens for permitted intents.
	tokens := make(map[string]string)
	for i := range decision.Intents {
		sub := &decision.Intents[i]
		switch sub.Outcome {
		case model.OutcomeDeny:
			states[sub.IntentID] = StateDenied
			continue
		case model.OutcomeNeedConfirmation:
			states[sub.IntentID] = StateAwaiting
			continue
		case model.OutcomeConstrained:
			states[sub.IntentID] = StateConstrained
		case model.OutcomeAllow:
			states[sub.IntentID] = StateAllowed
		}

		in := findIntent(intents, sub.IntentID)
		signed, _, err := e.minter.Mint(env.AgentID, in, sub.Constraints, e.ttlFor(spec))
		if err != nil {
			if errors.Is(err, captoken.ErrMissingExpiry) {
				v := model.Violation(model.InvariantMandatoryExpiry,
					"token mint for intent %s requested without bounded expiry", sub.IntentID)
				e.Alertf("CRITICAL: %v (request %s)", v, env.RequestID)
				return nil, v
			}
			return nil, fmt.Errorf("engine: mint token for %s: %w", sub.IntentID, err)
		}
		tokens[sub.IntentID] = signed
		states[sub.IntentID] = StateTokenIssued
	}

	return &Result{Decision: decision, States: states, Tokens: tokens}, nil
}

// checkInvariants enforces the envelope-level invariants before the
// evaluator sees anything.
func (e *Engine) checkInvariants(env *model.Envelope, spec *agent.Spec, intents []model.Intent) error {
	// Invariant 1: agents propose, never execute. A spec flagged
	// executable can only come from a bypassed registry.
	if spec.CanExecute {
		return model.Violation(model.InvariantNoDirectExecution,
			"agent %s is flagged executable", spec.ID)
	}

	// Invariant 2: every intent must stay inside the proposing agent's
	// own memory namespace.
	for _, in := range intents {
		if in.Namespace == "" {
			continue
		}
		if in.Namespace != spec.Namespace || !e.agents.OwnsNamespace(spec.ID, in.Namespace) {
			return model.Violation(model.InvariantMemoryIsolation,
				"intent %s references namespace %q not owned by agent %s", in.ID, in.Namespace, spec.ID)
		}
	}

	// Invariant 4: no raw evidence content in anything headed for the
	// evaluator or a proposer.
	if e.guard != nil {
		payloads := []string{env.Instruction}
		for _, in := range intents {
			for _, v := range in.Params {
				if s, ok := v.(string); ok {
					payloads = append(payloads, s)
				}
			}
		}
		for _, p := range payloads {
			embedded, err := e.guard.ContainsContent(env.Identity.SessionID, p)
			if err != nil {
				return fmt.Errorf("engine: concatenation guard: %w", err)
			}
			if embedded {
				return model.Violation(model.InvariantNoConcatenation,
					"instruction-channel payload embeds raw evidence content (request %s)", env.RequestID)
			}
		}
	}

	return nil
}

// secretParamKeys are parameter names that mark a value as
// secret-bearing. Hard rule: secrets may never ride an outbound or
// export operation.
var secretParamKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"credential", "credentials", "private_key", "ssh_key",
}

// applyHardRules mutates the sub-decision in place where a
// non-negotiable rule overrides the evaluator.
func (e *Engine) applyHardRules(spec *agent.Spec, in *model.Intent, sub *model.SubDecision) {
	// Tool lists are agent policy, enforced before anything semantic.
	if in.Type.Executional() && !spec.ToolAllowed(in.Tool) {
		sub.Outcome = model.OutcomeDeny
		sub.Reason = fmt.Sprintf("tool %q not permitted for agent %s", in.Tool, spec.ID)
		return
	}

	// Structural force-deny: untrusted justification can never yield a
	// live execution, whatever the evaluator thought.
	if in.StructurallyIneligible() && sub.Outcome.Permits() {
		sub.Outcome = model.OutcomeDeny
		sub.Constraints = nil
		sub.Reason = "hard rule: executional intent justified by untrusted evidence"
		return
	}

	// Hostile citations poison executional intents outright.
	if in.Type.Executional() && in.CitesHostile() {
		sub.Outcome = model.OutcomeDeny
		sub.Constraints = nil
		sub.Reason = "hard rule: intent cites hostile evidence"
		return
	}

	// Money movement: trusted justification plus explicit destination
	// and amount confirmation, or no token.
	if in.Type == model.IntentMoneyMovement && sub.Outcome.Permits() {
		confirmed, _ := in.Params["confirmed_destination"].(bool)
		_, hasDest := in.Params["destination"]
		_, hasAmount := in.Params["amount_cents"]
		if in.Justification != model.JustifiedByUser || !confirmed || !hasDest || !hasAmount {
			sub.Outcome = model.OutcomeNeedConfirmation
			sub.Constraints = nil
			sub.Reason = "hard rule: money movement requires trusted request with confirmed destination and amount"
			return
		}
	}

	// Secret-bearing parameters never leave through outbound paths.
	if (in.Type == model.IntentExport || in.Type == model.IntentToolCall) && sub.Outcome.Permits() {
		for _, key := range secretParamKeys {
			if _, present := in.Params[key]; present {
				sub.Outcome = model.OutcomeDeny
				sub.Constraints = nil
				sub.Reason = fmt.Sprintf("hard rule: secret-bearing parameter %q on outbound operation", key)
				return
			}
		}
	}
}

func findIntent(intents []model.Intent, id string) *model.Intent {
	for i := range intents {
		if intents[i].ID == id {
			return &intents[i]
		}
	}
	return nil
}

// ttlFor returns the mint TTL for an agent spec: the spec's own TTL,
// then the engine default, then the token package default.
func (e *Engine) ttlFor(spec *agent.Spec) time.Duration {
	if spec != nil && spec.TokenTTL > 0 {
		return spec.TokenTTL
	}
	if e.DefaultTTL > 0 {
		return e.DefaultTTL
	}
	return captoken.DefaultTTL
}
