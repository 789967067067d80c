package model

// Tier classifies how much an origin or piece of content may be trusted.
type Tier string

const (
	TierTrusted     Tier = "trusted"
	TierSemiTrusted Tier = "semi_trusted"
	TierUntrusted   Tier = "untrusted"
	TierHostile     Tier = "hostile"
)

// TierRank maps tiers to comparable integers. Higher rank = less trusted.
var TierRank = map[Tier]int{
	TierTrusted:     0,
	TierSemiTrusted: 1,
	TierUntrusted:   2,
	TierHostile:     3,
}

// AtMost reports whether t is at least as trusted as other.
func (t Tier) AtMost(other Tier) bool {
	return TierRank[t] <= TierRank[other]
}

// CanJustifyExecution reports whether content at this tier may be cited
// as the justification for a live side effect. Only trusted content
// qualifies; semi-trusted is read-only, untrusted and hostile may only
// be summarized or analyzed.
func (t Tier) CanJustifyExecution() bool {
	return t == TierTrusted
}

// Origin identifies where a piece of content or a request came from.
type Origin string

const (
	OriginSystem    Origin = "system"
	OriginDeveloper Origin = "developer"
	OriginUserMFA   Origin = "user_mfa"
	OriginUser      Origin = "user"
	OriginInternal  Origin = "internal"
	OriginDocument  Origin = "document"
	OriginEmail     Origin = "email"
	OriginWeb       Origin = "web"
	OriginUnknown   Origin = "unknown"
)

// TrustedOrigin reports whether the origin alone qualifies for the
// trusted tier: system and developer instructions, and user requests
// authenticated with MFA. Never derivable from content.
func TrustedOrigin(o Origin) bool {
	switch o {
	case OriginSystem, OriginDeveloper, OriginUserMFA:
		return true
	}
	return false
}

// ExternalOrigin reports whether the origin is externally sourced
// content (documents, email, web pages). External content can never
// rise above untrusted.
func ExternalOrigin(o Origin) bool {
	switch o {
	case OriginDocument, OriginEmail, OriginWeb, OriginUnknown:
		return true
	}
	return false
}
