package adapter

import (
	"sync"
	"time"

	"github.com/microlink/mcs/internal/schema"
)

// EdgeEvent is an alarm edge detected at the source: the per-tag emitting
// priority changed.
type EdgeEvent struct {
	Action    schema.AlarmAction
	Priority  schema.Priority
	Level     schema.ThresholdLevel
	Threshold float64
	Direction schema.Direction
	Value     float64
}

// bandState tracks one band's debounce window.
type bandState struct {
	crossedSince time.Time
	crossed      bool
}

// tagState is the per-tag evaluator memory.
type tagState struct {
	bands    map[schema.ThresholdLevel]*bandState
	emitting bool
	priority schema.Priority
	level    schema.ThresholdLevel
	value    float64 // threshold value of the emitting band
}

// SourceEvaluator implements §4.1 alarm evaluation at source: per-band
// debounce on a monotonic clock and per-tag edge detection. Hysteresis is
// deliberately absent — that is the alarm engine's job.
type SourceEvaluator struct {
	mu     sync.Mutex
	states map[string]*tagState
	now    func() time.Time
}

// NewSourceEvaluator creates an evaluator. now is injectable for tests; nil
// uses the wall clock (whose monotonic reading drives the debounce math).
func NewSourceEvaluator(now func() time.Time) *SourceEvaluator {
	if now == nil {
		now = time.Now
	}
	return &SourceEvaluator{states: make(map[string]*tagState), now: now}
}

// Evaluate processes one good reading. It returns the currently emitting
// priority (the telemetry alarm rider) and an edge event when the emitting
// priority changed on this reading.
func (e *SourceEvaluator) Evaluate(tag string, bands []schema.ThresholdBand, v float64) (current *schema.Priority, edge *EdgeEvent) {
	if len(bands) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[tag]
	if st == nil {
		st = &tagState{bands: make(map[schema.ThresholdLevel]*bandState)}
		e.states[tag] = st
	}
	now := e.now()

	// Update per-band debounce windows and collect active bands.
	var active *schema.ThresholdBand
	for i := range bands {
		b := bands[i]
		bs := st.bands[b.Level]
		if bs == nil {
			bs = &bandState{}
			st.bands[b.Level] = bs
		}
		crossed := crossedBand(b, v)
		if crossed && !bs.crossed {
			bs.crossedSince = now
		}
		bs.crossed = crossed
		if !crossed {
			continue
		}
		if now.Sub(bs.crossedSince) < b.Delay() {
			continue
		}
		if active == nil || b.Priority.MoreSevere(active.Priority) {
			active = &bands[i]
		}
	}

	switch {
	case active != nil && !st.emitting:
		st.emitting = true
		st.priority = active.Priority
		st.level = active.Level
		st.value = active.Value
		edge = &EdgeEvent{
			Action: schema.ActionRaised, Priority: active.Priority, Level: active.Level,
			Threshold: active.Value, Direction: active.Level.Direction(), Value: v,
		}
	case active != nil && st.emitting && active.Priority != st.priority:
		st.priority = active.Priority
		st.level = active.Level
		st.value = active.Value
		edge = &EdgeEvent{
			Action: schema.ActionEscalated, Priority: active.Priority, Level: active.Level,
			Threshold: active.Value, Direction: active.Level.Direction(), Value: v,
		}
	case active == nil && st.emitting:
		edge = &EdgeEvent{
			Action: schema.ActionCleared, Priority: st.priority, Level: st.level,
			Threshold: st.value, Direction: st.level.Direction(), Value: v,
		}
		st.emitting = false
	}

	if st.emitting {
		p := st.priority
		current = &p
	}
	return current, edge
}

// crossedBand applies the band direction: HH/H alarm above, L/LL below.
func crossedBand(b schema.ThresholdBand, v float64) bool {
	if b.Level.Direction() == schema.DirectionLow {
		return v < b.Value
	}
	return v > b.Value
}
