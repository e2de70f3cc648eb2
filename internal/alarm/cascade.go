package alarm

import (
	"fmt"
	"regexp"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/schema"
)

// compiledRule is one cause→effects relationship with its patterns compiled
// once at startup. Rule evaluation happens on every raise, so matching must
// not recompile.
type compiledRule struct {
	cause            *regexp.Regexp
	causeSubsystem   string
	effects          []*regexp.Regexp
	effectSubsystems map[string]bool
	description      string
}

// Cascade decides which raises are consequences of an already-active cause
// alarm and should be suppressed.
type Cascade struct {
	rules []*compiledRule
}

// CompileCascade builds the matcher set. A malformed pattern fails startup
// rather than silently disabling the rule.
func CompileCascade(rules []config.CascadeRuleConfig) (*Cascade, error) {
	c := &Cascade{}
	for i, rc := range rules {
		cause, err := regexp.Compile(rc.CausePattern)
		if err != nil {
			return nil, fmt.Errorf("cascade rule %d: cause pattern: %w", i, err)
		}
		cr := &compiledRule{
			cause:            cause,
			causeSubsystem:   rc.CauseSubsystem,
			effectSubsystems: make(map[string]bool),
			description:      rc.Description,
		}
		for _, p := range rc.EffectPatterns {
			eff, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("cascade rule %d: effect pattern %q: %w", i, p, err)
			}
			cr.effects = append(cr.effects, eff)
		}
		for _, s := range rc.EffectSubsystems {
			cr.effectSubsystems[s] = true
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

func (r *compiledRule) matchesCause(key schema.SensorKey) bool {
	if r.causeSubsystem != "" && r.causeSubsystem != key.Subsystem {
		return false
	}
	return r.cause.MatchString(key.Tag)
}

func (r *compiledRule) matchesEffect(key schema.SensorKey) bool {
	if len(r.effectSubsystems) > 0 && !r.effectSubsystems[key.Subsystem] {
		return false
	}
	for _, eff := range r.effects {
		if eff.MatchString(key.Tag) {
			return true
		}
	}
	return false
}

// IsCause reports whether an alarm on this key can suppress others.
func (c *Cascade) IsCause(key schema.SensorKey) bool {
	for _, r := range c.rules {
		if r.matchesCause(key) {
			return true
		}
	}
	return false
}

// MatchesEffect reports whether candidate is an effect under any rule whose
// cause covers the given cause key.
func (c *Cascade) MatchesEffect(cause, candidate schema.SensorKey) bool {
	for _, r := range c.rules {
		if r.matchesCause(cause) && r.matchesEffect(candidate) {
			return true
		}
	}
	return false
}

// SuppressedBy returns the first active cause whose rule covers the raised
// key, or nil. Cause and effect must share a block; cross-block physics is
// not a thing this model believes in.
func (c *Cascade) SuppressedBy(raised schema.SensorKey, activeCauses []*Instance) *Instance {
	for _, r := range c.rules {
		if !r.matchesEffect(raised) {
			continue
		}
		for _, cause := range activeCauses {
			if cause.Key.Block != raised.Block {
				continue
			}
			if r.matchesCause(cause.Key) {
				return cause
			}
		}
	}
	return nil
}
