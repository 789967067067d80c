// Package ratelimit throttles proposal traffic per agent and intent
// type. A compromised or looping proposer burns its budget instead of
// flooding the decision path; the limit is a windowed counter, not a
// queue, so an exceeded check is a flat rejection.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/capgate/capgate/internal/model"
)

// Limit bounds one intent type for one agent. Zero values mean
// unlimited.
type Limit struct {
	MaxIntents int           `yaml:"max_intents" json:"max_intents"`
	Window     time.Duration `yaml:"window" json:"window"`
}

// Config maps intent types to limits for one agent. The key "*"
// applies to every type without its own entry.
type Config map[string]*Limit

// HasLimits reports whether any type carries a usable limit.
func (c Config) HasLimits() bool {
	for _, l := range c {
		if l != nil && l.MaxIntents > 0 && l.Window > 0 {
			return true
		}
	}
	return false
}

// Enforcer tracks windowed intent counts per agent. Safe for
// concurrent use.
type Enforcer struct {
	limits map[string]Config // agent id (or "*") -> config

	mu      sync.Mutex
	windows map[string]*window // "agent/type" -> counter
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewEnforcer creates an Enforcer. A nil or empty limit map disables
// enforcement entirely.
func NewEnforcer(limits map[string]Config) *Enforcer {
	return &Enforcer{
		limits:  limits,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Enforcer) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Allow checks and consumes budget for one intent. Returns an error
// naming the exhausted limit when the agent is over budget; the
// counter is only advanced on success, so rejected intents do not
// deepen the hole.
func (e *Enforcer) Allow(agentID string, intentType model.IntentType) error {
	limit := e.lookup(agentID, string(intentType))
	if limit == nil || limit.MaxIntents <= 0 || limit.Window <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := agentID + "/" + string(intentType)
	now := e.now()
	w := e.windows[key]
	if w == nil || now.Sub(w.start) >= limit.Window {
		w = &window{start: now}
		e.windows[key] = w
	}
	if w.count >= limit.MaxIntents {
		return fmt.Errorf("ratelimit: agent %s exceeded %d %s intents in %s",
			agentID, limit.MaxIntents, intentType, limit.Window)
	}
	w.count++
	return nil
}

// AllowAll checks a whole proposal atomically: either every intent
// fits the remaining budget or none is counted.
func (e *Enforcer) AllowAll(agentID string, intents []model.Intent) error {
	if len(e.limits) == 0 {
		return nil
	}

	// Dry-run pass first so a partial proposal never consumes budget.
	need := make(map[string]int)
	for _, in := range intents {
		need[string(in.Type)]++
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for typ, n := range need {
		limit := e.lookup(agentID, typ)
		if limit == nil || limit.MaxIntents <= 0 || limit.Window <= 0 {
			continue
		}
		key := agentID + "/" + typ
		w := e.windows[key]
		current := 0
		if w != nil && now.Sub(w.start) < limit.Window {
			current = w.count
		}
		if current+n > limit.MaxIntents {
			return fmt.Errorf("ratelimit: agent %s exceeded %d %s intents in %s",
				agentID, limit.MaxIntents, typ, limit.Window)
		}
	}

	for typ, n := range need {
		limit := e.lookup(agentID, typ)
		if limit == nil || limit.MaxIntents <= 0 || limit.Window <= 0 {
			continue
		}
		key := agentID + "/" + typ
		w := e.windows[key]
		if w == nil || now.Sub(w.start) >= limit.Window {
			w = &window{start: now}
			e.windows[key] = w
		}
		w.count += n
	}
	return nil
}

// lookup resolves agent config then type limit, both falling back to
// "*".
func (e *Enforcer) lookup(agentID, intentType string) *Limit {
	cfg := e.limits[agentID]
	if cfg == nil {
		cfg = e.limits["*"]
	}
	if cfg == nil {
		return nil
	}
	if l := cfg[intentType]; l != nil {
		return l
	}
	return cfg["*"]
}
