package ratelimit

import (
	"testing"
	"time"

	"github.com/capgate/capgate/internal/model"
)

func TestAllowWithinBudget(t *testing.T) {
	e := NewEnforcer(map[string]Config{
		"agent-1": {"money_movement": {MaxIntents: 2, Window: time.Minute}},
	})

	for i := 0; i < 2; i++ {
		if err := e.Allow("agent-1", model.IntentMoneyMovement); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
	}
	if err := e.Allow("agent-1", model.IntentMoneyMovement); err == nil {
		t.Fatal("third intent must exceed the budget")
	}

	// Other types are untouched.
	if err := e.Allow("agent-1", model.IntentRead); err != nil {
		t.Fatalf("unrelated type limited: %v", err)
	}
}

func TestWindowReset(t *testing.T) {
	e := NewEnforcer(map[string]Config{
		"agent-1": {"tool_call": {MaxIntents: 1, Window: time.Minute}},
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return base })

	if err := e.Allow("agent-1", model.IntentToolCall); err != nil {
		t.Fatal(err)
	}
	if err := e.Allow("agent-1", model.IntentToolCall); err == nil {
		t.Fatal("budget should be spent")
	}

	e.SetClock(func() time.Time { return base.Add(61 * time.Second) })
	if err := e.Allow("agent-1", model.IntentToolCall); err != nil {
		t.Fatalf("budget should reset after the window: %v", err)
	}
}

func TestWildcardFallbacks(t *testing.T) {
	e := NewEnforcer(map[string]Config{
		"*": {"*": {MaxIntents: 1, Window: time.Minute}},
	})

	if err := e.Allow("anyone", model.IntentExport); err != nil {
		t.Fatal(err)
	}
	if err := e.Allow("anyone", model.IntentExport); err == nil {
		t.Fatal("wildcard limit should apply to unknown agents and types")
	}
	// Budget is tracked per agent even under the wildcard config.
	if err := e.Allow("someone-else", model.IntentExport); err != nil {
		t.Fatalf("other agent has its own budget: %v", err)
	}
}

func TestNoLimitsConfigured(t *testing.T) {
	e := NewEnforcer(nil)
	for i := 0; i < 1000; i++ {
		if err := e.Allow("agent-1", model.IntentToolCall); err != nil {
			t.Fatalf("unlimited enforcer rejected call %d: %v", i, err)
		}
	}
}

func TestAllowAllAtomic(t *testing.T) {
	e := NewEnforcer(map[string]Config{
		"agent-1": {"tool_call": {MaxIntents: 3, Window: time.Minute}},
	})

	oversized := []model.Intent{
		{ID: "i1", Type: model.IntentToolCall},
		{ID: "i2", Type: model.IntentToolCall},
		{ID: "i3", Type: model.IntentToolCall},
		{ID: "i4", Type: model.IntentToolCall},
	}
	if err := e.AllowAll("agent-1", oversized); err == nil {
		t.Fatal("proposal over budget must be rejected")
	}

	// The rejected proposal consumed nothing.
	fitting := oversized[:3]
	if err := e.AllowAll("agent-1", fitting); err != nil {
		t.Fatalf("fitting proposal after rejection: %v", err)
	}
	if err := e.Allow("agent-1", model.IntentToolCall); err == nil {
		t.Fatal("budget should now be spent")
	}
}

func TestHasLimits(t *testing.T) {
	if (Config{}).HasLimits() {
		t.Error("empty config has no limits")
	}
	if (Config{"read": {MaxIntents: 0, Window: time.Minute}}).HasLimits() {
		t.Error("zero max is not a limit")
	}
	if !(Config{"read": {MaxIntents: 1, Window: time.Minute}}).HasLimits() {
		t.Error("positive limit should register")
	}
}
