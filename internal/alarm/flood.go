package alarm

import (
	"sync"
	"time"
)

// floodWindow tracks raise bursts for one block with a sliding window.
type floodWindow struct {
	raises  []time.Time
	active  bool
	dropped int
}

// FloodGuard detects alarm floods per block: when raises inside the window
// exceed the limit, low-priority raises are dropped until the rate falls
// back under it. High-priority raises always pass and still count.
type FloodGuard struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	blocks map[string]*floodWindow
}

// NewFloodGuard builds a guard with the configured limit and window.
func NewFloodGuard(limit int, window time.Duration) *FloodGuard {
	return &FloodGuard{limit: limit, window: window, blocks: make(map[string]*floodWindow)}
}

// Observe records one raise attempt. It returns the flood state after the
// raise and whether the flood state changed on this call.
func (g *FloodGuard) Observe(block string, now time.Time) (flooding, changed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.blocks[block]
	if w == nil {
		w = &floodWindow{}
		g.blocks[block] = w
	}
	w.trim(now, g.window)
	w.raises = append(w.raises, now)

	flooding = len(w.raises) > g.limit
	changed = flooding != w.active
	w.active = flooding
	if changed && !flooding {
		w.dropped = 0
	}
	return flooding, changed
}

// Check reports the current flood state without recording a raise. Used by
// the sweep to emit the flood-cleared event once the window drains.
func (g *FloodGuard) Check(block string, now time.Time) (flooding, changed bool, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.blocks[block]
	if w == nil {
		return false, false, 0
	}
	w.trim(now, g.window)
	flooding = len(w.raises) > g.limit
	changed = flooding != w.active
	w.active = flooding
	if changed && !flooding {
		w.dropped = 0
	}
	return flooding, changed, len(w.raises)
}

// Blocks returns the block ids with any window state, for sweeping.
func (g *FloodGuard) Blocks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.blocks))
	for b := range g.blocks {
		out = append(out, b)
	}
	return out
}

// CountDropped records a raise suppressed by the flood and returns the
// running total for the window.
func (g *FloodGuard) CountDropped(block string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.blocks[block]
	if w == nil {
		return 0
	}
	w.dropped++
	return w.dropped
}

// Count returns the raises currently inside the window.
func (g *FloodGuard) Count(block string, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.blocks[block]
	if w == nil {
		return 0
	}
	w.trim(now, g.window)
	return len(w.raises)
}

func (w *floodWindow) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.raises) && !w.raises[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.raises = append(w.raises[:0], w.raises[i:]...)
	}
}
