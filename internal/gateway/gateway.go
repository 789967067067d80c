// Package gateway wires the full pipeline: content ingestion,
// detection, trust classification, evidence storage, envelope
// construction, decision, and execution. It is the only composition
// point; components stay independently testable behind it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/capgate/capgate/internal/agent"
	"github.com/capgate/capgate/internal/alert"
	"github.com/capgate/capgate/internal/approval"
	"github.com/capgate/capgate/internal/audit"
	"github.com/capgate/capgate/internal/captoken"
	"github.com/capgate/capgate/internal/detect"
	"github.com/capgate/capgate/internal/engine"
	"github.com/capgate/capgate/internal/evaluator"
	"github.com/capgate/capgate/internal/evidence"
	"github.com/capgate/capgate/internal/model"
	"github.com/capgate/capgate/internal/ratelimit"
	"github.com/capgate/capgate/internal/runner"
	"github.com/capgate/capgate/internal/trust"
)

// Proposer is the external agent collaborator: envelope in, proposed
// intents out. It cannot execute anything itself.
type Proposer interface {
	Propose(ctx context.Context, env *model.Envelope) ([]model.Intent, error)
}

// Config assembles a Gateway. Evidence and AuditLog are required.
// Approvals, Alerts, and RateLimits are optional; a nil approval store
// disables the confirmation ledger, an empty alert list disables
// webhooks, and empty limits disable throttling.
type Config struct {
	Agents     *agent.Registry
	Evidence   *evidence.Store
	AuditLog   *audit.Store
	Evaluator  evaluator.Evaluator
	Keyring    *captoken.Keyring
	Approvals  *approval.Store
	Alerts     []alert.Config
	RateLimits map[string]ratelimit.Config

	// TokenTTL is the mint TTL for agents whose spec does not set one.
	// Zero keeps the token package default.
	TokenTTL time.Duration

	// EvaluatorTimeout bounds the semantic evaluator call. Zero keeps
	// the evaluator package default.
	EvaluatorTimeout time.Duration
}

// Gateway is the pipeline front door. Safe for concurrent use.
type Gateway struct {
	agents    *agent.Registry
	evidence  *evidence.Store
	auditLog  *audit.Store
	trail     *audit.Buffered
	engine    *engine.Engine
	runner    *runner.Runner
	minter    *captoken.Minter
	approvals *approval.Store
	alerts    *alert.Dispatcher
	limiter   *ratelimit.Enforcer
}

// New builds a Gateway from components. The evaluator is wrapped
// fail-closed here; callers pass the raw implementation.
func New(cfg Config) (*Gateway, error) {
	if cfg.Evidence == nil {
		return nil, fmt.Errorf("gateway: evidence store is required")
	}
	if cfg.AuditLog == nil {
		return nil, fmt.Errorf("gateway: audit store is required")
	}
	if cfg.Agents == nil {
		cfg.Agents = agent.DefaultRegistry()
	}
	if cfg.Keyring == nil {
		kr, err := captoken.NewKeyring()
		if err != nil {
			return nil, err
		}
		cfg.Keyring = kr
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = evaluator.Rules{}
	}

	minter := captoken.NewMinter(cfg.Keyring)
	trail := audit.NewBuffered(cfg.AuditLog)

	wrapped := evaluator.NewFailClosed(cfg.Evaluator)
	wrapped.Warnf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "gateway: "+format+"\n", args...)
	}
	if cfg.EvaluatorTimeout > 0 {
		wrapped.Timeout = cfg.EvaluatorTimeout
	}

	eng := engine.New(cfg.Agents, wrapped, cfg.Evidence, minter)
	eng.Alertf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "gateway: "+format+"\n", args...)
	}
	eng.DefaultTTL = cfg.TokenTTL

	g := &Gateway{
		agents:    cfg.Agents,
		evidence:  cfg.Evidence,
		auditLog:  cfg.AuditLog,
		trail:     trail,
		engine:    eng,
		runner:    runner.New(minter, trail),
		minter:    minter,
		approvals: cfg.Approvals,
		alerts:    alert.NewDispatcher(cfg.Alerts),
		limiter:   ratelimit.NewEnforcer(cfg.RateLimits),
	}
	cfg.Evidence.Logf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "gateway: "+format+"\n", args...)
	}
	return g, nil
}

// Runner exposes tool registration.
func (g *Gateway) Runner() *runner.Runner { return g.runner }

// Minter exposes the token minter for inspection commands.
func (g *Gateway) Minter() *captoken.Minter { return g.minter }

// IngestResult describes stored evidence.
type IngestResult struct {
	BundleID string              `json:"bundle_id"`
	Tier     model.Tier          `json:"tier"`
	Report   detect.Report       `json:"report"`
	Refs     []model.EvidenceRef `json:"refs"`
}

// Ingest runs content through detection and classification, stores it,
// and returns references. The content itself never leaves the store
// after this call.
func (g *Gateway) Ingest(content, sourceURI string, origin model.Origin, sessionID string) (*IngestResult, error) {
	report := detect.Detect(content)
	tier := trust.ClassifyReport(origin, report)

	bundleID, err := g.evidence.Put(content, sourceURI, sessionID, tier, report.Overall, report.Tags)
	if err != nil {
		return nil, fmt.Errorf("gateway: store evidence: %w", err)
	}
	refs, err := g.evidence.Reference(bundleID)
	if err != nil {
		return nil, fmt.Errorf("gateway: reference evidence: %w", err)
	}
	return &IngestResult{BundleID: bundleID, Tier: tier, Report: report, Refs: refs}, nil
}

// BuildEnvelope constructs the sole input a proposer receives. The
// instruction must be trusted text; evidence rides as references only.
func (g *Gateway) BuildEnvelope(agentID string, id model.Identity, instruction string, bundleIDs []string) (*model.Envelope, error) {
	if _, ok := g.agents.Lookup(agentID); !ok {
		return nil, fmt.Errorf("gateway: unknown agent %q", agentID)
	}

	var refs []model.EvidenceRef
	for _, b := range bundleIDs {
		r, err := g.evidence.Reference(b)
		if err != nil {
			return nil, fmt.Errorf("gateway: envelope evidence: %w", err)
		}
		refs = append(refs, r...)
	}

	env := &model.Envelope{
		RequestID:   "req-" + uuid.NewString(),
		AgentID:     agentID,
		Identity:    id,
		Instruction: instruction,
		Evidence:    refs,
		CreatedAt:   time.Now().UTC(),
	}

	// Invariant: no raw evidence content may be concatenated into the
	// instruction channel. Checked before the envelope exists.
	embedded, err := g.evidence.ContainsContent(id.SessionID, instruction)
	if err != nil {
		return nil, fmt.Errorf("gateway: concatenation guard: %w", err)
	}
	if embedded {
		v := model.Violation(model.InvariantNoConcatenation,
			"instruction embeds raw evidence content (session %s)", id.SessionID)
		fmt.Fprintf(os.Stderr, "gateway: CRITICAL: %v\n", v)
		return nil, v
	}
	return env, nil
}

// Submit runs proposed intents through the policy engine and records
// the envelope, decision, and tokens in the audit trail. Resubmitted
// intents whose confirmation was granted out of band pick it up here;
// intents that still need confirmation are parked for a human.
func (g *Gateway) Submit(ctx context.Context, env *model.Envelope, intents []model.Intent) (*engine.Result, error) {
	if err := g.limiter.AllowAll(env.AgentID, intents); err != nil {
		err = fmt.Errorf("%w: %v", model.ErrPolicyDenied, err)
		if aerr := g.auditError(env, intents, err); aerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %v", model.ErrAuditNotDurable, aerr))
		}
		return nil, err
	}

	g.applyConfirmations(env.RequestID, intents)

	res, err := g.engine.Decide(ctx, env, intents)

	snap := audit.Snapshot{
		AgentID:   env.AgentID,
		RequestID: env.RequestID,
		InputHash: audit.HashInput(env.Instruction),
		Intents:   intents,
		Success:   err == nil,
	}
	if res != nil {
		snap.Decision = res.Decision
		snap.OutputHash = audit.HashInput(fmt.Sprintf("%s:%d tokens", res.Decision.Outcome, len(res.Tokens)))
	} else if err != nil {
		snap.OutputHash = audit.HashInput(err.Error())
	}
	// No decision leaves this method, and no token reaches the caller,
	// ahead of a durable snapshot.
	if aerr := g.recordSnapshot(snap); aerr != nil {
		aerr = fmt.Errorf("%w: %v", model.ErrAuditNotDurable, aerr)
		if err != nil {
			err = errors.Join(err, aerr)
		} else {
			err = aerr
		}
	}

	if err != nil {
		var iv *model.InvariantViolation
		if errors.As(err, &iv) {
			g.alerts.Dispatch(alert.ViolationEvent(iv, env.RequestID, env.AgentID))
		}
		return nil, err
	}

	g.parkConfirmations(env, res)
	g.dispatchOutcome(env, res)
	return res, nil
}

// applyConfirmations consumes granted confirmations for matching
// intents, marking them confirmed before the engine decides. The
// consume is single-use: one grant covers one submission.
func (g *Gateway) applyConfirmations(requestID string, intents []model.Intent) {
	if g.approvals == nil {
		return
	}
	for i := range intents {
		in := &intents[i]
		if in.Type != model.IntentMoneyMovement {
			continue
		}
		if confirmed, _ := in.Params["confirmed_destination"].(bool); confirmed {
			continue
		}
		status, err := g.approvals.Check(requestID, in.ID)
		if err != nil || status != approval.StatusConfirmed {
			continue
		}
		if err := g.approvals.Consume(requestID, in.ID); err != nil {
			continue
		}
		if in.Params == nil {
			in.Params = make(map[string]any)
		}
		in.Params["confirmed_destination"] = true
	}
}

// parkConfirmations records every need_confirmation outcome for human
// resolution.
func (g *Gateway) parkConfirmations(env *model.Envelope, res *engine.Result) {
	if g.approvals == nil {
		return
	}
	for _, sub := range res.Decision.Intents {
		if sub.Outcome != model.OutcomeNeedConfirmation {
			continue
		}
		if err := g.approvals.Park(env.RequestID, sub.IntentID, env.AgentID, sub.Reason); err != nil {
			fmt.Fprintf(os.Stderr, "gateway: park confirmation: %v\n", err)
		}
	}
}

// dispatchOutcome raises webhook events for restrictive decisions.
func (g *Gateway) dispatchOutcome(env *model.Envelope, res *engine.Result) {
	if g.alerts == nil {
		return
	}
	event := alert.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: env.RequestID,
		AgentID:   env.AgentID,
		Outcome:   res.Decision.Outcome,
		Risk:      res.Decision.Risk,
	}
	switch res.Decision.Outcome {
	case model.OutcomeDeny:
		event.Type = alert.EventDeny
		if sub := worstSub(res.Decision); sub != nil {
			event.Reason = sub.Reason
			if sub.Reason == evaluator.TimeoutReason {
				event.Type = alert.EventEvaluatorTimeout
			}
		}
	case model.OutcomeNeedConfirmation:
		event.Type = alert.EventNeedConfirmation
		if sub := worstSub(res.Decision); sub != nil {
			event.Reason = sub.Reason
		}
	default:
		return
	}
	g.alerts.Dispatch(event)
}

// worstSub returns the sub-decision matching the overall outcome.
func worstSub(d *model.Decision) *model.SubDecision {
	for i := range d.Intents {
		if d.Intents[i].Outcome == d.Outcome {
			return &d.Intents[i]
		}
	}
	return nil
}

// auditError records a request that was rejected before reaching the
// engine.
func (g *Gateway) auditError(env *model.Envelope, intents []model.Intent, err error) error {
	snap := audit.Snapshot{
		AgentID:    env.AgentID,
		RequestID:  env.RequestID,
		InputHash:  audit.HashInput(env.Instruction),
		OutputHash: audit.HashInput(err.Error()),
		Intents:    intents,
		Success:    false,
	}
	return g.recordSnapshot(snap)
}

// recordSnapshot appends and durably flushes one snapshot. Flush
// surfaces deferred Append failures from the buffered writer.
func (g *Gateway) recordSnapshot(snap audit.Snapshot) error {
	if err := g.trail.Append(snap); err != nil {
		return err
	}
	return g.trail.Flush()
}

// Confirm grants a parked confirmation. The next submission of the
// same request/intent pair consumes it.
func (g *Gateway) Confirm(requestID, intentID string) error {
	if g.approvals == nil {
		return fmt.Errorf("gateway: no approval store configured")
	}
	return g.approvals.Confirm(requestID, intentID)
}

// DenyConfirmation resolves a parked confirmation as denied.
func (g *Gateway) DenyConfirmation(requestID, intentID string) error {
	if g.approvals == nil {
		return fmt.Errorf("gateway: no approval store configured")
	}
	return g.approvals.Deny(requestID, intentID)
}

// PendingConfirmations lists unresolved confirmations.
func (g *Gateway) PendingConfirmations() ([]approval.Entry, error) {
	if g.approvals == nil {
		return nil, nil
	}
	return g.approvals.Pending()
}

// Run drives one full request: propose, decide, and return the result.
// Execution stays a separate explicit call per intent.
func (g *Gateway) Run(ctx context.Context, env *model.Envelope, p Proposer) (*engine.Result, error) {
	intents, err := p.Propose(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("gateway: propose: %w", err)
	}
	return g.Submit(ctx, env, intents)
}

// Execute performs one approved intent under its token.
func (g *Gateway) Execute(ctx context.Context, agentID string, intent *model.Intent, token string) (*runner.Result, error) {
	return g.runner.Execute(ctx, agentID, intent, token)
}

// Fetch retrieves one evidence chunk explicitly, rate-limited per
// request.
func (g *Gateway) Fetch(requestID, bundleID, chunkID string) ([]byte, error) {
	return g.evidence.Fetch(requestID, bundleID, chunkID)
}

// EndSession garbage-collects a session's evidence.
func (g *Gateway) EndSession(sessionID string) error {
	return g.evidence.ReleaseSession(sessionID)
}

// VerifyAudit validates the audit hash chain.
func (g *Gateway) VerifyAudit() audit.VerifyResult {
	if g.auditLog == nil {
		return audit.VerifyResult{Error: "no audit store"}
	}
	_ = g.trail.Flush()
	return g.auditLog.Verify()
}

// AuditByRequest returns the audit snapshots for one request.
func (g *Gateway) AuditByRequest(requestID string) ([]audit.Snapshot, error) {
	_ = g.trail.Flush()
	return g.auditLog.ByRequest(requestID)
}

// Close flushes the audit trail.
func (g *Gateway) Close() error {
	return g.trail.Close()
}
