// Package trust maps (origin, detector risk) to a trust tier. The
// classifier is a pure, total function: every input combination yields
// a tier, and content can only lower trust, never raise it.
package trust

import (
	"github.com/capgate/capgate/internal/detect"
	"github.com/capgate/capgate/internal/model"
)

// hostileThreshold is the risk score at or above which externally
// sourced content is classified hostile outright.
const hostileThreshold = 0.5

// hostileTags force the hostile tier regardless of score.
var hostileTags = map[string]bool{
	"injection":    true,
	"exfiltration": true,
}

// Classify assigns a trust tier from origin and detector output.
//
// Tier rules (fixed, in order):
//  1. hostile: risk score >= 0.5, or a high-severity tag is present
//  2. trusted: system/developer instructions and MFA-authenticated
//     user requests, with no risk signal attached
//  3. semi_trusted: internally owned data with no risk tags
//  4. untrusted: everything else, including all external content
func Classify(origin model.Origin, score float64, tags []string) model.Tier {
	for _, t := range tags {
		if hostileTags[t] {
			return model.TierHostile
		}
	}
	if score >= hostileThreshold {
		return model.TierHostile
	}
	if model.TrustedOrigin(origin) && score == 0 && len(tags) == 0 {
		return model.TierTrusted
	}
	if origin == model.OriginInternal && len(tags) == 0 {
		return model.TierSemiTrusted
	}
	return model.TierUntrusted
}

// ClassifyReport is Classify fed from a detector report. A degraded
// report removes the optimistic-safety assumption: an otherwise clean
// result from a non-trusted origin stays untrusted even if the origin
// would have qualified for semi_trusted.
func ClassifyReport(origin model.Origin, r detect.Report) model.Tier {
	tier := Classify(origin, r.Overall, r.Tags)
	if r.Degraded && tier == model.TierSemiTrusted {
		return model.TierUntrusted
	}
	return tier
}
