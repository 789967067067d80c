// Package detect scans untrusted text for risk signals. Detection is a
// pure function: no state, no network, deterministic for identical
// input. It never fails: the degraded path returns an empty report and
// sets the Degraded flag so the trust classifier can bias toward
// caution instead.
package detect

import (
	"regexp"
	"sort"
	"strings"
)

// Category is a closed set of risk signal classes.
type Category string

const (
	CategoryInjection   Category = "prompt_injection"
	CategoryExfil       Category = "exfiltration"
	CategoryPhishing    Category = "credential_phishing"
	CategoryMoney       Category = "money_movement"
	CategoryDangerous   Category = "dangerous_command"
)

// Categories lists every category in stable order.
var Categories = []Category{
	CategoryInjection,
	CategoryExfil,
	CategoryPhishing,
	CategoryMoney,
	CategoryDangerous,
}

// maxScanBytes bounds detection work per call. Content beyond the
// bound is not scanned; the report is marked degraded so the classifier
// cannot promote the origin past untrusted on the unscanned remainder.
const maxScanBytes = 1 << 20

// pattern couples a compiled regexp with the tag it emits and the
// score weight of a hit.
type pattern struct {
	re     *regexp.Regexp
	tag    string
	weight float64
}

var patternBanks = map[Category][]pattern{
	CategoryInjection: {
		{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`), "injection", 0.8},
		{regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+(instructions|guidelines|rules|system\s+prompt)`), "injection", 0.8},
		{regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak|unrestricted)\s*(mode)?`), "injection", 0.7},
		{regexp.MustCompile(`(?i)new\s+(system\s+)?instructions?\s*:`), "injection", 0.6},
		{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s`), "injection", 0.4},
		{regexp.MustCompile(`(?i)do\s+not\s+(tell|inform|alert)\s+the\s+user`), "injection", 0.7},
		{regexp.MustCompile(`(?i)\bsystem\s+prompt\b`), "injection", 0.4},
	},
	CategoryExfil: {
		{regexp.MustCompile(`(?i)(send|forward|post|upload|exfiltrate)\s+.{0,40}\b(to|at)\s+https?://`), "exfiltration", 0.8},
		{regexp.MustCompile(`(?i)(send|forward|email)\s+.{0,40}\b(contents?|data|file|secret|history|conversation)s?\b.{0,40}\bto\b`), "exfiltration", 0.7},
		{regexp.MustCompile(`(?i)copy\s+.{0,30}(conversation|chat|memory|context)\s+.{0,20}(to|into)\b`), "exfiltration", 0.6},
		{regexp.MustCompile(`(?i)\bwebhook\.site\b|\brequestbin\b|\bpipedream\.net\b`), "exfiltration", 0.8},
	},
	CategoryPhishing: {
		{regexp.MustCompile(`(?i)(enter|provide|confirm|verify|re-?enter)\s+(your\s+)?(password|passphrase|credentials?)`), "credential_phishing", 0.8},
		{regexp.MustCompile(`(?i)(api[\s_-]?key|access\s+token|secret\s+key)s?\s+.{0,30}(required|needed|expired|share|send)`), "credential_phishing", 0.7},
		{regexp.MustCompile(`(?i)account\s+(has\s+been\s+)?(suspended|locked|compromised).{0,60}(verify|confirm|click)`), "credential_phishing", 0.7},
		{regexp.MustCompile(`(?i)\b(password|credentials?)\b.{0,40}\b(reply|respond|send\s+back)\b`), "credential_phishing", 0.7},
	},
	CategoryMoney: {
		{regexp.MustCompile(`(?i)(transfer|wire|send|move|pay(\s+out)?)\s+.{0,20}([$€£]\s?\d[\d,]*(\.\d+)?|\d[\d,]*(\.\d+)?\s?(usd|eur|gbp|dollars?|euros?))`), "money_movement", 0.7},
		{regexp.MustCompile(`(?i)(routing|account|iban|swift)\s+(number|code)\s*[:#]?\s*\S+`), "money_movement", 0.5},
		{regexp.MustCompile(`(?i)\b(to|into)\s+acc(oun)?t[_\s-]?\w+`), "money_movement", 0.5},
		{regexp.MustCompile(`(?i)(urgent|immediately|right\s+away).{0,60}(payment|invoice|transfer)`), "money_movement", 0.4},
		{regexp.MustCompile(`(?i)(bitcoin|btc|crypto)\s+(wallet|address)`), "money_movement", 0.5},
	},
	CategoryDangerous: {
		{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s`), "dangerous_command", 0.9},
		{regexp.MustCompile(`(?i)\b(mkfs|dd\s+if=|shred\s)`), "dangerous_command", 0.8},
		{regexp.MustCompile(`(?i)curl\s+[^|;]*\|\s*(ba)?sh\b`), "dangerous_command", 0.9},
		{regexp.MustCompile(`(?i)\bchmod\s+777\b`), "dangerous_command", 0.5},
		{regexp.MustCompile(`(?i)\b(drop\s+table|truncate\s+table|delete\s+from\s+\w+\s*;?\s*$)`), "dangerous_command", 0.7},
		{regexp.MustCompile(`(?i)git\s+push\s+(-f|--force)\b`), "dangerous_command", 0.6},
	},
}

// Report is the outcome of one detection pass.
type Report struct {
	Scores   map[Category]float64 `json:"scores"`
	Tags     []string             `json:"tags"`
	Overall  float64              `json:"overall"`
	Degraded bool                 `json:"degraded,omitempty"`
}

// Detect scans content against every category bank and returns scores
// in [0,1] with matched tags. Overall risk is the max category score.
func Detect(content string) Report {
	report := Report{Scores: make(map[Category]float64)}
	for _, c := range Categories {
		report.Scores[c] = 0
	}
	if content == "" {
		return report
	}
	if len(content) > maxScanBytes {
		content = content[:maxScanBytes]
		report.Degraded = true
	}

	tags := make(map[string]bool)
	for cat, bank := range patternBanks {
		score := 0.0
		for _, p := range bank {
			if p.re.MatchString(content) {
				// First hit sets the floor; further hits in the same
				// category push the score up without exceeding 1.
				if p.weight > score {
					score = p.weight
				} else {
					score += (1 - score) * p.weight * 0.5
				}
				tags[p.tag] = true
			}
		}
		if score > 1 {
			score = 1
		}
		report.Scores[cat] = score
		if score > report.Overall {
			report.Overall = score
		}
	}

	for t := range tags {
		report.Tags = append(report.Tags, t)
	}
	sort.Strings(report.Tags)
	return report
}

// HasTag reports whether the report carries the given tag.
func (r Report) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Summary renders a compact human-readable view for audit reasons.
func (r Report) Summary() string {
	if len(r.Tags) == 0 {
		return "no risk signals"
	}
	return "signals: " + strings.Join(r.Tags, ", ")
}
