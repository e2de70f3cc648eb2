package alarm

import (
	"sync"
	"time"

	"github.com/microlink/mcs/internal/schema"
)

// bandMemory is one band's debounce and hysteresis state.
type bandMemory struct {
	crossed      bool
	crossedSince time.Time
}

// Evaluator re-runs threshold evaluation over the signal stream: per-band
// debounce on signal timestamps and a clearing deadband so values oscillating
// on a threshold do not chatter. The engine owns the state machine; this
// type only answers "which band is alarming now".
type Evaluator struct {
	defaultDeadbandPct float64

	mu    sync.Mutex
	bands map[int64]map[schema.ThresholdLevel]*bandMemory
}

// NewEvaluator uses pct as the clearing deadband for sensors that configure
// none of their own.
func NewEvaluator(pct float64) *Evaluator {
	return &Evaluator{
		defaultDeadbandPct: pct,
		bands:              make(map[int64]map[schema.ThresholdLevel]*bandMemory),
	}
}

// Evaluate returns the most severe band alarming for this signal, or nil.
// ts is the signal timestamp; debounce windows are measured on it so a
// delayed batch of signals still debounces correctly.
func (e *Evaluator) Evaluate(sensor *schema.Sensor, v float64, ts time.Time) *schema.ThresholdBand {
	if len(sensor.Thresholds) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mem := e.bands[sensor.ID]
	if mem == nil {
		mem = make(map[schema.ThresholdLevel]*bandMemory)
		e.bands[sensor.ID] = mem
	}

	var active *schema.ThresholdBand
	for i := range sensor.Thresholds {
		b := sensor.Thresholds[i]
		bm := mem[b.Level]
		if bm == nil {
			bm = &bandMemory{}
			mem[b.Level] = bm
		}

		crossed := e.crossedWithHysteresis(sensor, b, v, bm.crossed)
		if crossed && !bm.crossed {
			bm.crossedSince = ts
		}
		bm.crossed = crossed
		if !crossed {
			continue
		}
		if ts.Sub(bm.crossedSince) < b.Delay() {
			continue
		}
		if active == nil || b.Priority.MoreSevere(active.Priority) {
			active = &sensor.Thresholds[i]
		}
	}
	return active
}

// Forget drops a sensor's evaluator memory, used when its thresholds change.
func (e *Evaluator) Forget(sensorID int64) {
	e.mu.Lock()
	delete(e.bands, sensorID)
	e.mu.Unlock()
}

// crossedWithHysteresis applies the clearing deadband: a band that is
// alarming only releases once the value retreats past the threshold by the
// margin, so the raise side has no deadband at all.
func (e *Evaluator) crossedWithHysteresis(sensor *schema.Sensor, b schema.ThresholdBand, v float64, wasCrossed bool) bool {
	margin := 0.0
	if wasCrossed {
		margin = e.margin(sensor, b)
	}
	if b.Level.Direction() == schema.DirectionLow {
		if wasCrossed {
			return !(v > b.Value+margin)
		}
		return v < b.Value
	}
	if wasCrossed {
		return !(v < b.Value-margin)
	}
	return v > b.Value
}

// margin computes the clearing deadband. An absolute deadband on the sensor
// wins over the percentage form; the percentage is taken of the threshold
// magnitude.
func (e *Evaluator) margin(sensor *schema.Sensor, b schema.ThresholdBand) float64 {
	if sensor.DeadbandAbs > 0 {
		return sensor.DeadbandAbs
	}
	pct := sensor.DeadbandPct
	if pct <= 0 {
		pct = e.defaultDeadbandPct
	}
	t := b.Value
	if t < 0 {
		t = -t
	}
	return t * pct
}
