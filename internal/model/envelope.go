package model

import "time"

// AuthStrength records how strongly the requesting principal was
// authenticated when the request entered the system.
type AuthStrength string

const (
	AuthNone     AuthStrength = "none"
	AuthPassword AuthStrength = "password"
	AuthMFA      AuthStrength = "mfa"
)

// Identity is the immutable metadata attached at the trust boundary
// before any proposer sees the request. It is computed once per request
// and never derived from content.
type Identity struct {
	UserID    string       `json:"user_id"`
	SessionID string       `json:"session_id"`
	OrgID     string       `json:"org_id,omitempty"`
	Origin    Origin       `json:"origin"`
	Auth      AuthStrength `json:"auth"`
	Scopes    []string     `json:"scopes,omitempty"`
}

// HasScope reports whether the identity carries the named scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// EvidenceRef is the only form evidence may take inside an envelope or
// intent: an opaque chunk address plus risk tags. Never content.
type EvidenceRef struct {
	BundleID string   `json:"bundle_id"`
	ChunkID  string   `json:"chunk_id"`
	Tags     []string `json:"tags,omitempty"`
	Tier     Tier     `json:"tier"`
}

// Envelope is the sole input a proposer receives: a trusted
// instruction, the identity it runs under, and references to stored
// evidence. Raw untrusted content never rides in an envelope.
type Envelope struct {
	RequestID   string        `json:"request_id"`
	AgentID     string        `json:"agent_id"`
	Identity    Identity      `json:"identity"`
	Instruction string        `json:"instruction"`
	Evidence    []EvidenceRef `json:"evidence,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
