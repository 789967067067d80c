package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capgate/capgate/internal/audit"
	"github.com/capgate/capgate/internal/captoken"
	"github.com/capgate/capgate/internal/model"
)

type fixture struct {
	minter *captoken.Minter
	store  *audit.Store
	trail  *audit.Buffered
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := captoken.NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	trail := audit.NewBuffered(store)
	t.Cleanup(func() {
		trail.Close()
		store.Close()
	})
	minter := captoken.NewMinter(kr)
	return &fixture{
		minter: minter,
		store:  store,
		trail:  trail,
		runner: New(minter, trail),
	}
}

func transferIntent() *model.Intent {
	return &model.Intent{
		ID:            "intent-001",
		Type:          model.IntentMoneyMovement,
		Tool:          "payments",
		Operation:     "transfer",
		Justification: model.JustifiedByUser,
		Params:        map[string]any{"destination": "acct_good", "amount_cents": 1200, "confirmed_destination": true},
	}
}

func (f *fixture) mint(t *testing.T, in *model.Intent, constraints map[string]any, ttl time.Duration) string {
	t.Helper()
	signed, _, err := f.minter.Mint("agent-1", in, constraints, ttl)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return signed
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	var called bool
	f.runner.Register("payments", "transfer", func(_ context.Context, params map[string]any) (string, error) {
		called = true
		return "txn-abc", nil
	})

	in := transferIntent()
	tok := f.mint(t, in, map[string]any{"destination": "acct_good", "max_amount_cents": 5000}, 30*time.Second)

	res, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !called || !res.Executed {
		t.Fatal("tool should have run")
	}
	if res.Output != "txn-abc" {
		t.Errorf("output = %q", res.Output)
	}

	// Success was audited before the ack.
	snaps, err := f.store.ByRequest(in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || !snaps[0].Success {
		t.Fatalf("expected one successful snapshot, got %+v", snaps)
	}
}

func TestExecuteReplayRejected(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		calls++
		return "txn", nil
	})

	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	if _, err := f.runner.Execute(context.Background(), "agent-1", in, tok); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if !errors.Is(err, model.ErrTokenInvalid) {
		t.Fatalf("replay err = %v, want ErrTokenInvalid", err)
	}
	if calls != 1 {
		t.Fatalf("tool ran %d times, want 1", calls)
	}
}

func TestExecuteExpiredToken(t *testing.T) {
	f := newFixture(t)
	executed := false
	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		executed = true
		return "", nil
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.minter.SetClock(func() time.Time { return base })
	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	f.minter.SetClock(func() time.Time { return base.Add(31 * time.Second) })
	_, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if executed {
		t.Fatal("expired token must not execute")
	}

	// The failure is still on the audit trail.
	snaps, err := f.store.ByRequest(in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Success {
		t.Fatalf("expected one failed snapshot, got %+v", snaps)
	}
}

func TestExecuteBindingMismatch(t *testing.T) {
	f := newFixture(t)
	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		t.Fatal("must not run")
		return "", nil
	})
	f.runner.Register("mail", "send", func(context.Context, map[string]any) (string, error) {
		t.Fatal("must not run")
		return "", nil
	})

	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	t.Run("wrong agent", func(t *testing.T) {
		if _, err := f.runner.Execute(context.Background(), "agent-2", in, tok); !errors.Is(err, model.ErrTokenInvalid) {
			t.Errorf("err = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("wrong operation", func(t *testing.T) {
		other := *in
		other.Tool, other.Operation = "mail", "send"
		if _, err := f.runner.Execute(context.Background(), "agent-1", &other, tok); !errors.Is(err, model.ErrTokenInvalid) {
			t.Errorf("err = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("mutated params", func(t *testing.T) {
		other := *in
		other.Params = map[string]any{"destination": "acct_evil", "amount_cents": 1200, "confirmed_destination": true}
		if _, err := f.runner.Execute(context.Background(), "agent-1", &other, tok); !errors.Is(err, model.ErrTokenInvalid) {
			t.Errorf("err = %v, want ErrTokenInvalid", err)
		}
	})
}

func TestRejectedCallDoesNotBurnNonce(t *testing.T) {
	f := newFixture(t)
	// Tool deliberately not registered yet.
	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	if _, err := f.runner.Execute(context.Background(), "agent-1", in, tok); err == nil {
		t.Fatal("unregistered tool must fail")
	}

	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		return "txn", nil
	})
	if _, err := f.runner.Execute(context.Background(), "agent-1", in, tok); err != nil {
		t.Fatalf("token should still be redeemable after a rejected call: %v", err)
	}
}

func TestExecuteConstraintViolation(t *testing.T) {
	f := newFixture(t)
	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		t.Fatal("must not run")
		return "", nil
	})

	in := transferIntent()
	in.Params["amount_cents"] = 999999
	tok := f.mint(t, in, map[string]any{"max_amount_cents": 5000}, 30*time.Second)

	_, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if !errors.Is(err, model.ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid wrapping constraint failure", err)
	}
}

func TestToolFailureAudited(t *testing.T) {
	f := newFixture(t)
	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		return "", errors.New("bank unreachable")
	})

	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	res, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if err == nil {
		t.Fatal("tool failure must surface")
	}
	if res.Executed {
		t.Error("result must not claim execution")
	}
	snaps, serr := f.store.ByRequest(in.ID)
	if serr != nil {
		t.Fatal(serr)
	}
	if len(snaps) != 1 || snaps[0].Success {
		t.Fatalf("expected one failed snapshot, got %d", len(snaps))
	}
}

func TestExecuteAuditFailureBlocksAck(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.runner.Register("payments", "transfer", func(context.Context, map[string]any) (string, error) {
		ran = true
		return "txn", nil
	})

	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	// Kill audit storage underneath the buffered writer.
	if err := f.store.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if !errors.Is(err, model.ErrAuditNotDurable) {
		t.Fatalf("err = %v, want ErrAuditNotDurable", err)
	}
	if !ran || !res.Executed {
		t.Error("the effect did run; the result must say so")
	}
}

func TestRejectionAuditFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	in := transferIntent()
	tok := f.mint(t, in, nil, 30*time.Second)

	if err := f.store.Close(); err != nil {
		t.Fatal(err)
	}

	// Unregistered tool: the rejection itself must still surface, with
	// the lost snapshot joined in.
	_, err := f.runner.Execute(context.Background(), "agent-1", in, tok)
	if err == nil {
		t.Fatal("unregistered tool must fail")
	}
	if !errors.Is(err, model.ErrAuditNotDurable) {
		t.Fatalf("err = %v, want ErrAuditNotDurable joined", err)
	}
}

func TestCheckConstraints(t *testing.T) {
	tests := []struct {
		name        string
		constraints map[string]any
		params      map[string]any
		wantErr     bool
	}{
		{"no constraints", nil, map[string]any{"x": 1}, false},
		{"bytes under limit", map[string]any{"max_bytes": 100}, map[string]any{"content": "short"}, false},
		{"bytes over limit", map[string]any{"max_bytes": 4}, map[string]any{"content": "too long"}, true},
		{"explicit byte count over", map[string]any{"max_bytes": 10}, map[string]any{"bytes": 11}, true},
		{"amount under", map[string]any{"max_amount_cents": 5000}, map[string]any{"amount_cents": 1200}, false},
		{"amount over", map[string]any{"max_amount_cents": 5000}, map[string]any{"amount_cents": 5001}, true},
		{"amount as float", map[string]any{"max_amount_cents": float64(5000)}, map[string]any{"amount_cents": float64(5001)}, true},
		{"destination match", map[string]any{"destination": "acct_good"}, map[string]any{"destination": "acct_good"}, false},
		{"destination mismatch", map[string]any{"destination": "acct_good"}, map[string]any{"destination": "acct_evil"}, true},
		{"domain allowed", map[string]any{"allowed_domains": []string{"example.com"}}, map[string]any{"url": "https://api.example.com/v1"}, false},
		{"domain denied", map[string]any{"allowed_domains": []string{"example.com"}}, map[string]any{"url": "https://evil.net/x"}, true},
		{"domain suffix trick denied", map[string]any{"allowed_domains": []string{"example.com"}}, map[string]any{"url": "https://notexample.com/"}, true},
		{"domain from json list", map[string]any{"allowed_domains": []any{"example.com"}}, map[string]any{"domain": "example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckConstraints(tt.constraints, tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
