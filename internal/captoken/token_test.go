package captoken

import (
	"errors"
	"testing"
	"time"

	"github.com/capgate/capgate/internal/model"
)

func testMinter(t *testing.T) *Minter {
	t.Helper()
	kr, err := NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return NewMinter(kr)
}

func sampleIntent() *model.Intent {
	return &model.Intent{
		ID:        "intent-001",
		Type:      model.IntentToolCall,
		Tool:      "payments",
		Operation: "transfer",
		Params:    map[string]any{"destination": "acct_good", "amount_cents": 1200},
	}
}

func TestMintVerify(t *testing.T) {
	m := testMinter(t)
	in := sampleIntent()

	signed, minted, err := m.Mint("agent-1", in, map[string]any{"max_amount_cents": 5000}, DefaultTTL)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if signed == "" {
		t.Fatal("empty token string")
	}

	claims, err := m.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "agent-1" {
		t.Errorf("subject = %q, want agent-1", claims.Subject)
	}
	if claims.Tool != "payments" || claims.Operation != "transfer" {
		t.Errorf("binding = %s/%s, want payments/transfer", claims.Tool, claims.Operation)
	}
	if claims.ParamsDigest != minted.ParamsDigest {
		t.Error("params digest changed between mint and verify")
	}
	if claims.Constraints["max_amount_cents"] == nil {
		t.Error("constraints lost in round trip")
	}
	if claims.ID == "" {
		t.Error("nonce missing")
	}
}

func TestMintRejectsZeroTTL(t *testing.T) {
	m := testMinter(t)
	for _, ttl := range []time.Duration{0, -time.Second} {
		if _, _, err := m.Mint("agent-1", sampleIntent(), nil, ttl); !errors.Is(err, ErrMissingExpiry) {
			t.Errorf("ttl %v: err = %v, want ErrMissingExpiry", ttl, err)
		}
	}
}

func TestMintCapsTTL(t *testing.T) {
	m := testMinter(t)
	_, claims, err := m.Mint("agent-1", sampleIntent(), nil, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != MaxTTL {
		t.Errorf("ttl = %v, want capped at %v", ttl, MaxTTL)
	}
}

func TestExpiry(t *testing.T) {
	m := testMinter(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base })

	signed, _, err := m.Mint("agent-1", sampleIntent(), nil, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Still valid just inside the window.
	m.SetClock(func() time.Time { return base.Add(29 * time.Second) })
	if _, err := m.Verify(signed); err != nil {
		t.Fatalf("verify at T+29s: %v", err)
	}

	// One second past expiry the token is dead.
	m.SetClock(func() time.Time { return base.Add(31 * time.Second) })
	if _, err := m.Verify(signed); !errors.Is(err, model.ErrTokenExpired) {
		t.Errorf("verify at T+31s: err = %v, want ErrTokenExpired", err)
	}
}

func TestRedeemSingleUse(t *testing.T) {
	m := testMinter(t)
	signed, _, err := m.Mint("agent-1", sampleIntent(), nil, DefaultTTL)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := m.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := m.Redeem(claims); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := m.Redeem(claims); !errors.Is(err, ErrNonceConsumed) {
		t.Errorf("replay redeem: err = %v, want ErrNonceConsumed", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m := testMinter(t)
	signed, _, err := m.Mint("agent-1", sampleIntent(), nil, DefaultTTL)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tampered := signed[:len(signed)-2] + "xx"
	if _, err := m.Verify(tampered); !errors.Is(err, model.ErrTokenInvalid) {
		t.Errorf("tampered verify: err = %v, want ErrTokenInvalid", err)
	}
}

func TestKeyRotation(t *testing.T) {
	kr, err := NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	m := NewMinter(kr)

	oldTok, _, err := m.Mint("agent-1", sampleIntent(), nil, DefaultTTL)
	if err != nil {
		t.Fatalf("mint pre-rotation: %v", err)
	}

	oldKid := kr.active
	if _, err := kr.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Pre-rotation tokens verify until the old key is retired.
	if _, err := m.Verify(oldTok); err != nil {
		t.Fatalf("verify old token after rotation: %v", err)
	}
	newTok, _, err := m.Mint("agent-1", sampleIntent(), nil, DefaultTTL)
	if err != nil {
		t.Fatalf("mint post-rotation: %v", err)
	}
	if _, err := m.Verify(newTok); err != nil {
		t.Fatalf("verify new token: %v", err)
	}

	kr.Retire(oldKid)
	if _, err := m.Verify(oldTok); !errors.Is(err, model.ErrTokenInvalid) {
		t.Errorf("verify retired-key token: err = %v, want ErrTokenInvalid", err)
	}
}

func TestParamsDigest(t *testing.T) {
	a := ParamsDigest(map[string]any{"x": 1, "y": "z"})
	b := ParamsDigest(map[string]any{"y": "z", "x": 1})
	if !DigestEqual(a, b) {
		t.Error("equal param sets should digest identically")
	}
	c := ParamsDigest(map[string]any{"x": 2, "y": "z"})
	if DigestEqual(a, c) {
		t.Error("different param sets should not collide")
	}
	if ParamsDigest(nil) == "" {
		t.Error("nil params should still digest")
	}
}
