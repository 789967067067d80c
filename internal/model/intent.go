package model

import "time"

// IntentType classifies what kind of operation an intent proposes.
type IntentType string

const (
	IntentRead          IntentType = "read"
	IntentExtract       IntentType = "extract"
	IntentSummarize     IntentType = "summarize"
	IntentToolCall      IntentType = "tool_call"
	IntentExport        IntentType = "export"
	IntentMoneyMovement IntentType = "money_movement"
)

// Executional reports whether the intent type performs a live side
// effect when executed, as opposed to pure reading or summarization.
func (t IntentType) Executional() bool {
	switch t {
	case IntentToolCall, IntentExport, IntentMoneyMovement:
		return true
	}
	return false
}

// JustificationSource names what an intent claims as its reason to act.
type JustificationSource string

const (
	JustifiedByUser     JustificationSource = "trusted_user_request"
	JustifiedByEvidence JustificationSource = "untrusted_evidence"
)

// RiskLevel is the proposer's own risk estimate. Advisory only; the
// policy engine never trusts it for enforcement.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Citation names one piece of evidence an intent relies on. It carries
// the source id and its tier, never the content itself.
type Citation struct {
	SourceID string `json:"source_id"`
	Tier     Tier   `json:"tier"`
}

// Intent is a single proposed action. Proposers emit intents; only the
// tool runner, gated by a capability token, ever executes one.
type Intent struct {
	ID            string              `json:"id"`
	Type          IntentType          `json:"type"`
	Tool          string              `json:"tool"`
	Operation     string              `json:"operation"`
	Params        map[string]any      `json:"params,omitempty"`
	Justification JustificationSource `json:"justification_source"`
	Risk          RiskLevel           `json:"risk"`
	Citations     []Citation          `json:"citations,omitempty"`
	Namespace     string              `json:"namespace,omitempty"`
}

// StructurallyIneligible reports whether the intent can never be
// allowed regardless of evaluator opinion: an executional intent
// justified only by untrusted evidence.
func (in *Intent) StructurallyIneligible() bool {
	return in.Justification == JustifiedByEvidence && in.Type.Executional()
}

// CitesHostile reports whether any citation carries a hostile tier.
func (in *Intent) CitesHostile() bool {
	for _, c := range in.Citations {
		if c.Tier == TierHostile {
			return true
		}
	}
	return false
}

// Outcome is the policy decision for an intent or a whole request.
type Outcome string

const (
	OutcomeAllow            Outcome = "allow"
	OutcomeDeny             Outcome = "deny"
	OutcomeConstrained      Outcome = "allow_with_constraints"
	OutcomeNeedConfirmation Outcome = "need_confirmation"
)

// Permits reports whether the outcome permits token minting.
func (o Outcome) Permits() bool {
	return o == OutcomeAllow || o == OutcomeConstrained
}

// SubDecision is the per-intent slice of a policy decision.
type SubDecision struct {
	IntentID    string         `json:"intent_id"`
	Outcome     Outcome        `json:"outcome"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Reason      string         `json:"reason"`
}

// Decision is the structured output of policy evaluation over one
// envelope's proposed intents.
type Decision struct {
	ID        string        `json:"id"`
	Outcome   Outcome       `json:"outcome"`
	Risk      RiskLevel     `json:"risk"`
	Intents   []SubDecision `json:"intents"`
	Timestamp time.Time     `json:"ts"`
}

// ForIntent returns the sub-decision for the given intent id, or nil.
func (d *Decision) ForIntent(intentID string) *SubDecision {
	for i := range d.Intents {
		if d.Intents[i].IntentID == intentID {
			return &d.Intents[i]
		}
	}
	return nil
}

// Worst returns the most restrictive overall outcome across
// sub-decisions: deny > need_confirmation > allow_with_constraints >
// allow. An empty decision denies.
func Worst(subs []SubDecision) Outcome {
	rank := map[Outcome]int{
		OutcomeAllow:            0,
		OutcomeConstrained:      1,
		OutcomeNeedConfirmation: 2,
		OutcomeDeny:             3,
	}
	worst := OutcomeAllow
	if len(subs) == 0 {
		return OutcomeDeny
	}
	for _, s := range subs {
		if rank[s.Outcome] > rank[worst] {
			worst = s.Outcome
		}
	}
	return worst
}
