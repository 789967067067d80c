package model

import "testing"

func TestIntentTypeExecutional(t *testing.T) {
	tests := []struct {
		typ  IntentType
		want bool
	}{
		{IntentRead, false},
		{IntentExtract, false},
		{IntentSummarize, false},
		{IntentToolCall, true},
		{IntentExport, true},
		{IntentMoneyMovement, true},
	}
	for _, tt := range tests {
		if got := tt.typ.Executional(); got != tt.want {
			t.Errorf("%s.Executional() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestStructurallyIneligible(t *testing.T) {
	tests := []struct {
		name string
		in   Intent
		want bool
	}{
		{"untrusted executional", Intent{Type: IntentToolCall, Justification: JustifiedByEvidence}, true},
		{"untrusted money", Intent{Type: IntentMoneyMovement, Justification: JustifiedByEvidence}, true},
		{"untrusted summarize", Intent{Type: IntentSummarize, Justification: JustifiedByEvidence}, false},
		{"trusted executional", Intent{Type: IntentToolCall, Justification: JustifiedByUser}, false},
	}
	for _, tt := range tests {
		if got := tt.in.StructurallyIneligible(); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWorstOutcome(t *testing.T) {
	tests := []struct {
		name string
		subs []SubDecision
		want Outcome
	}{
		{"empty denies", nil, OutcomeDeny},
		{"all allow", []SubDecision{{Outcome: OutcomeAllow}, {Outcome: OutcomeAllow}}, OutcomeAllow},
		{"constrained dominates allow", []SubDecision{{Outcome: OutcomeAllow}, {Outcome: OutcomeConstrained}}, OutcomeConstrained},
		{"confirmation dominates constrained", []SubDecision{{Outcome: OutcomeConstrained}, {Outcome: OutcomeNeedConfirmation}}, OutcomeNeedConfirmation},
		{"deny dominates everything", []SubDecision{{Outcome: OutcomeAllow}, {Outcome: OutcomeDeny}, {Outcome: OutcomeNeedConfirmation}}, OutcomeDeny},
	}
	for _, tt := range tests {
		if got := Worst(tt.subs); got != tt.want {
			t.Errorf("%s: Worst = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestOutcomePermits(t *testing.T) {
	if !OutcomeAllow.Permits() || !OutcomeConstrained.Permits() {
		t.Error("allow and allow_with_constraints permit minting")
	}
	if OutcomeDeny.Permits() || OutcomeNeedConfirmation.Permits() {
		t.Error("deny and need_confirmation must not permit minting")
	}
}

func TestViolationError(t *testing.T) {
	err := Violation(InvariantMemoryIsolation, "agent %s crossed into %s", "a1", "ns-b")
	if !IsViolation(err) {
		t.Fatal("Violation must satisfy IsViolation")
	}
	if IsViolation(ErrPolicyDenied) {
		t.Error("sentinel errors are not violations")
	}
}
