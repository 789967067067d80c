// Package captoken mints and verifies capability tokens: signed,
// time-boxed, single-use grants permitting exactly one bound tool
// operation. Tokens are HS256 JWTs signed with a rotating keyring;
// mint and verify live in the same trust domain, so a keyed MAC is
// sufficient and key ids in the token header support rotation.
package captoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/capgate/capgate/internal/model"
)

// Issuer is the iss claim on every minted token.
const Issuer = "capgate"

// DefaultTTL is deliberately short: seconds, not minutes. Expiry plus
// the single-use nonce is the system's only cancellation mechanism.
const DefaultTTL = 30 * time.Second

// MaxTTL caps how long any caller may stretch a token.
const MaxTTL = 5 * time.Minute

var (
	// ErrMissingExpiry rejects minting with zero or negative TTL.
	ErrMissingExpiry = errors.New("captoken: token TTL must be positive")

	// ErrNonceConsumed rejects a token whose nonce was already spent.
	ErrNonceConsumed = errors.New("captoken: nonce already consumed")

	// ErrUnknownKey rejects a token signed with a rotated-out key.
	ErrUnknownKey = errors.New("captoken: unknown signing key id")
)

// Claims binds a capability grant into the signed payload. Constraints
// are copied verbatim from the policy decision at mint time and are
// immutable thereafter; the tool runner re-validates them from here,
// independent of the decision record.
type Claims struct {
	jwt.RegisteredClaims
	Tool         string         `json:"tool"`
	Operation    string         `json:"operation"`
	ParamsDigest string         `json:"params_digest"`
	Constraints  map[string]any `json:"constraints,omitempty"`
}

// Keyring holds named HMAC secrets. The active key signs new tokens;
// older keys verify tokens minted before rotation.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	active string
}

// NewKeyring creates a keyring with a single generated key.
func NewKeyring() (*Keyring, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("captoken: generate key: %w", err)
	}
	kid := "k-" + hex.EncodeToString(secret[:4])
	return &Keyring{
		keys:   map[string][]byte{kid: secret},
		active: kid,
	}, nil
}

// Rotate adds a new signing key and makes it active. Previous keys
// remain valid for verification until removed.
func (kr *Keyring) Rotate() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("captoken: rotate: %w", err)
	}
	kid := "k-" + hex.EncodeToString(secret[:4])

	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[kid] = secret
	kr.active = kid
	return kid, nil
}

// Retire removes a key. Tokens signed with it stop verifying.
func (kr *Keyring) Retire(kid string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kid != kr.active {
		delete(kr.keys, kid)
	}
}

func (kr *Keyring) activeKey() (string, []byte) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active, kr.keys[kr.active]
}

func (kr *Keyring) lookup(kid string) ([]byte, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[kid]
	return k, ok
}

// Minter mints and verifies capability tokens and tracks nonce
// consumption. Safe for concurrent use.
type Minter struct {
	keyring *Keyring
	nonces  *nonceStore

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMinter creates a Minter over the given keyring.
func NewMinter(kr *Keyring) *Minter {
	return &Minter{
		keyring: kr,
		nonces:  newNonceStore(),
		now:     time.Now,
	}
}

// Mint issues a signed token for an approved intent. The TTL is
// mandatory; minting with a zero or unbounded expiry is refused.
func (m *Minter) Mint(agentID string, intent *model.Intent, constraints map[string]any, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		return "", nil, ErrMissingExpiry
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := m.now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "nonce-" + uuid.NewString(),
			Issuer:    Issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tool:         intent.Tool,
		Operation:    intent.Operation,
		ParamsDigest: ParamsDigest(intent.Params),
		Constraints:  constraints,
	}

	kid, secret := m.keyring.activeKey()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", nil, fmt.Errorf("captoken: sign: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token string: signature, expiry, and
// issuer. It does not consume the nonce; Redeem does.
func (m *Minter) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("captoken: unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		secret, ok := m.keyring.lookup(kid)
		if !ok {
			return nil, ErrUnknownKey
		}
		return secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}
	if !tok.Valid {
		return nil, model.ErrTokenInvalid
	}
	return claims, nil
}

// Redeem consumes the token's single-use nonce. The first call
// succeeds; every later call fails. Spent nonces are retained until
// well past token expiry.
func (m *Minter) Redeem(claims *Claims) error {
	if !m.nonces.consume(claims.ID, claims.ExpiresAt.Time) {
		return ErrNonceConsumed
	}
	return nil
}

// SetClock overrides the time source. Tests only.
func (m *Minter) SetClock(now func() time.Time) {
	m.now = now
}

// ParamsDigest returns a deterministic digest of intent parameters.
// json.Marshal sorts map keys, so identical parameter sets hash
// identically.
func ParamsDigest(params map[string]any) string {
	if len(params) == 0 {
		return "sha256:" + hex.EncodeToString(sha256.New().Sum(nil))
	}
	raw, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params can never match at execution time.
		raw = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DigestEqual compares digests in constant time.
func DigestEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// nonceStore tracks consumed nonces in memory with periodic sweeping.
type nonceStore struct {
	mu    sync.Mutex
	spent map[string]time.Time // nonce -> token expiry
}

func newNonceStore() *nonceStore {
	return &nonceStore{spent: make(map[string]time.Time)}
}

// consume marks a nonce spent. Returns false if already spent.
func (n *nonceStore) consume(nonce string, expiry time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.spent[nonce]; dup {
		return false
	}
	n.spent[nonce] = expiry
	n.sweepLocked()
	return true
}

// sweepLocked drops nonces whose tokens expired over an hour ago; a
// replay of those fails on expiry before the nonce check matters.
func (n *nonceStore) sweepLocked() {
	if len(n.spent) < 4096 {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for nonce, exp := range n.spent {
		if exp.Before(cutoff) {
			delete(n.spent, nonce)
		}
	}
}
