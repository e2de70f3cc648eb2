package alarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
	"github.com/microlink/mcs/internal/sensorcache"
)

// RedisPubSub is the slice of go-redis the engine consumes.
type RedisPubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Engine drives every alarm instance.
type Engine struct {
	cfg     *config.AlarmConfig
	eval    *Evaluator
	cascade *Cascade
	flood   *FloodGuard
	store   Store
	cache   *sensorcache.Cache
	rdb     RedisPubSub
	met     *metrics.AlarmMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	instances map[int64]*Instance
}

// NewEngine assembles the engine. Call Recover before Run so instances
// survive restarts.
func NewEngine(cfg *config.AlarmConfig, store Store, cache *sensorcache.Cache, rdb RedisPubSub, met *metrics.AlarmMetrics, logger *slog.Logger) (*Engine, error) {
	cascade, err := CompileCascade(cfg.CascadeRules)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		eval:    NewEvaluator(cfg.DefaultDeadbandPct),
		cascade: cascade,
		flood: NewFloodGuard(cfg.FloodCount,
			time.Duration(cfg.FloodWindowSeconds)*time.Second),
		store:     store,
		cache:     cache,
		rdb:       rdb,
		met:       met,
		logger:    logger,
		now:       time.Now,
		instances: make(map[int64]*Instance),
	}, nil
}

// Recover loads the non-CLEARED instances persisted by a previous run.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.LoadOpen(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, inst := range open {
		e.instances[inst.SensorID] = inst
	}
	n := len(e.instances)
	e.mu.Unlock()
	e.met.ActiveAlarms.Set(float64(n))
	if n > 0 {
		e.logger.Info("alarm instances recovered", "count", n)
	}
	return nil
}

// Run consumes the inbound signal channel and drives the periodic sweeps
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.rdb.Subscribe(ctx, schema.ChannelAlarmsInbound)
	defer sub.Close()
	ch := sub.Channel()

	shelveTick := time.NewTicker(time.Duration(e.cfg.ShelveSweepSeconds) * time.Second)
	staleTick := time.NewTicker(time.Duration(e.cfg.StaleSweepSeconds) * time.Second)
	refreshTick := time.NewTicker(time.Duration(e.cfg.ThresholdRefreshSeconds) * time.Second)
	defer shelveTick.Stop()
	defer staleTick.Stop()
	defer refreshTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var sig schema.AlarmSignal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				e.logger.Warn("malformed alarm signal", "error", err)
				continue
			}
			e.HandleSignal(ctx, sig)
		case <-shelveTick.C:
			e.SweepShelves(ctx)
		case <-staleTick.C:
			e.SweepStale(ctx)
			e.sweepFlood(ctx)
		case <-refreshTick.C:
			if err := e.cache.Warm(ctx); err != nil {
				e.logger.Warn("threshold refresh failed", "error", err)
			}
		}
	}
}

// HandleSignal runs one signal through evaluation and the state machine.
func (e *Engine) HandleSignal(ctx context.Context, sig schema.AlarmSignal) {
	sensor, err := e.cache.Resolve(ctx, sig.Key())
	if err != nil {
		e.logger.Warn("signal for unresolvable sensor", "key", sig.Key().String(), "error", err)
		return
	}

	band := e.eval.Evaluate(sensor, sig.Value, sig.Timestamp)
	if band == nil && len(sensor.Thresholds) == 0 {
		// No thresholds to re-check: the signal's priority is trusted and the
		// observation counts as an alarm condition.
		band = &schema.ThresholdBand{Priority: sig.Priority}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.instances[sig.SensorID]
	if inst != nil {
		inst.LastSignalAt = sig.Timestamp
		inst.Value = sig.Value
	}

	if band != nil {
		e.handleRaise(ctx, sensor, sig, band, inst)
		return
	}
	if inst != nil && inst.alarming {
		e.handleClear(ctx, inst)
	}
}

// handleRaise services an alarming evaluation: new instance, escalation, or
// a re-raise out of RTN_UNACK. Caller holds e.mu.
func (e *Engine) handleRaise(ctx context.Context, sensor *schema.Sensor, sig schema.AlarmSignal, band *schema.ThresholdBand, inst *Instance) {
	now := e.now()

	if inst == nil || inst.State == StateCleared {
		// Flood protection applies to fresh raises only. P0/P1 are exempt
		// from dropping but still count toward the window.
		flooding, changed := e.flood.Observe(sig.BlockID, now)
		if changed && flooding {
			e.met.FloodEvents.Inc()
			e.publishFlood(ctx, sig.BlockID, true, e.flood.Count(sig.BlockID, now), 0)
			e.logger.Warn("alarm flood detected", "block", sig.BlockID)
		}
		if flooding && !band.Priority.MoreSevere(schema.PriorityP2) {
			e.met.FloodDropped.Inc()
			e.flood.CountDropped(sig.BlockID)
			return
		}

		inst = &Instance{
			ID:           uuid.New().String(),
			SensorID:     sig.SensorID,
			Key:          sig.Key(),
			State:        StateCleared,
			Priority:     band.Priority,
			Level:        band.Level,
			Value:        sig.Value,
			Threshold:    band.Value,
			RaisedAt:     now,
			LastSignalAt: sig.Timestamp,
			alarming:     true,
		}
		e.instances[sig.SensorID] = inst
		if err := e.commit(ctx, inst, EventRaise, "", ""); err != nil {
			e.logger.Error("raise failed", "sensor", inst.Key.String(), "error", err)
			delete(e.instances, sig.SensorID)
			return
		}

		// The raise is always audited first; suppression follows as its own
		// transition so the trail shows both.
		if cause := e.cascade.SuppressedBy(inst.Key, e.activeCausesLocked()); cause != nil {
			inst.SuppressedBy = cause.SensorID
			if err := e.commit(ctx, inst, EventSuppress, "", "cascade: "+cause.Key.Tag); err != nil {
				e.logger.Error("suppress failed", "sensor", inst.Key.String(), "error", err)
				return
			}
			e.met.Suppressed.Inc()
			return
		}
		e.suppressEffectsLocked(ctx, inst)
		return
	}

	inst.alarming = true
	escalated := band.Priority != inst.Priority
	inst.Priority = band.Priority
	inst.Level = band.Level
	inst.Threshold = band.Value

	switch inst.State {
	case StateShelved, StateSuppressed:
		// Pinned; persist the refreshed measurement without a transition.
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			e.logger.Error("instance update failed", "sensor", inst.Key.String(), "error", err)
		}
	case StateRTNUnacked:
		if err := e.commit(ctx, inst, EventRaise, "", ""); err != nil {
			e.logger.Error("re-raise failed", "sensor", inst.Key.String(), "error", err)
			return
		}
		e.suppressEffectsLocked(ctx, inst)
	case StateActive, StateAcked:
		if escalated {
			if err := e.commit(ctx, inst, EventRaise, "", ""); err != nil {
				e.logger.Error("escalation failed", "sensor", inst.Key.String(), "error", err)
			}
			return
		}
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			e.logger.Error("instance update failed", "sensor", inst.Key.String(), "error", err)
		}
	}
}

// handleClear services a non-alarming evaluation for an alarming instance.
// Caller holds e.mu.
func (e *Engine) handleClear(ctx context.Context, inst *Instance) {
	inst.alarming = false

	switch inst.State {
	case StateShelved, StateSuppressed:
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			e.logger.Error("instance update failed", "sensor", inst.Key.String(), "error", err)
		}
	case StateActive, StateAcked:
		if err := e.commit(ctx, inst, EventClear, "", ""); err != nil {
			e.logger.Error("clear failed", "sensor", inst.Key.String(), "error", err)
		}
	}
}

// suppressEffectsLocked transitions annunciated effects covered by a
// newly-active cause into SUPPRESSED. Caller holds e.mu.
func (e *Engine) suppressEffectsLocked(ctx context.Context, cause *Instance) {
	if !e.cascade.IsCause(cause.Key) {
		return
	}
	for _, eff := range e.instances {
		if eff.SensorID == cause.SensorID || eff.Key.Block != cause.Key.Block {
			continue
		}
		if eff.State != StateActive && eff.State != StateAcked {
			continue
		}
		if !e.cascade.MatchesEffect(cause.Key, eff.Key) {
			continue
		}
		eff.SuppressedBy = cause.SensorID
		if err := e.commit(ctx, eff, EventSuppress, "", "cascade: "+cause.Key.Tag); err != nil {
			e.logger.Error("suppress failed", "sensor", eff.Key.String(), "error", err)
			eff.SuppressedBy = 0
			continue
		}
		e.met.Suppressed.Inc()
	}
}

// releaseEffectsLocked releases every instance suppressed by the given
// cause. Caller holds e.mu.
func (e *Engine) releaseEffectsLocked(ctx context.Context, causeSensorID int64) {
	for _, eff := range e.instances {
		if eff.SuppressedBy != causeSensorID || eff.State != StateSuppressed {
			continue
		}
		eff.SuppressedBy = 0
		if err := e.commit(ctx, eff, EventRelease, "", "cascade cause cleared"); err != nil {
			e.logger.Error("release failed", "sensor", eff.Key.String(), "error", err)
		}
	}
}

// activeCausesLocked snapshots instances that can currently act as cascade
// causes. Caller holds e.mu.
func (e *Engine) activeCausesLocked() []*Instance {
	var out []*Instance
	for _, inst := range e.instances {
		if !inst.alarming {
			continue
		}
		switch inst.State {
		case StateActive, StateAcked:
			if e.cascade.IsCause(inst.Key) {
				out = append(out, inst)
			}
		}
	}
	return out
}

// SweepShelves expires shelves whose window has passed.
func (e *Engine) SweepShelves(ctx context.Context) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range e.instances {
		if inst.State != StateShelved || inst.ShelvedUntil == nil || inst.ShelvedUntil.After(now) {
			continue
		}
		inst.ShelvedBy = ""
		inst.ShelvedUntil = nil
		inst.ShelveReason = ""
		if err := e.commit(ctx, inst, EventUnshelve, "system", "shelve window expired"); err != nil {
			e.logger.Error("shelve expiry failed", "sensor", inst.Key.String(), "error", err)
		}
	}
}

// SweepStale force-clears instances whose sensor stopped signalling.
func (e *Engine) SweepStale(ctx context.Context) {
	cutoff := e.now().Add(-time.Duration(e.cfg.StaleTimeoutMinutes) * time.Minute)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range e.instances {
		if inst.State == StateCleared || inst.LastSignalAt.After(cutoff) {
			continue
		}
		if err := e.commit(ctx, inst, EventStale, "system", "no signal within stale timeout"); err != nil {
			e.logger.Error("stale clear failed", "sensor", inst.Key.String(), "error", err)
			continue
		}
		e.met.StaleCleared.Inc()
		e.eval.Forget(inst.SensorID)
	}
}

// sweepFlood emits the all-clear once a block's raise window drains.
func (e *Engine) sweepFlood(ctx context.Context) {
	now := e.now()
	for _, block := range e.flood.Blocks() {
		flooding, changed, count := e.flood.Check(block, now)
		if changed && !flooding {
			e.publishFlood(ctx, block, false, count, 0)
			e.logger.Info("alarm flood cleared", "block", block)
		}
	}
}

// commit applies one transition: state table, persistence, audit, outbound
// publish, gauges. Caller holds e.mu. A persistence failure aborts before
// anything is published.
func (e *Engine) commit(ctx context.Context, inst *Instance, ev Event, operator, reason string) error {
	from := inst.State
	to, err := transition(from, ev)
	if err != nil {
		return err
	}
	inst.State = to

	if err := e.store.SaveInstance(ctx, inst); err != nil {
		inst.State = from
		return err
	}

	out := OutboundEvent{
		TS:        e.now(),
		AlarmID:   inst.ID,
		SensorID:  inst.SensorID,
		SiteID:    inst.Key.Site,
		BlockID:   inst.Key.Block,
		Subsystem: inst.Key.Subsystem,
		Tag:       inst.Key.Tag,
		Event:     ev,
		From:      from,
		To:        to,
		Priority:  inst.Priority,
		Level:     inst.Level,
		Value:     inst.Value,
		Threshold: inst.Threshold,
		Operator:  operator,
		Reason:    reason,
	}
	if err := e.store.AppendAudit(ctx, out); err != nil {
		e.logger.Error("audit append failed", "alarm", inst.ID, "error", err)
	}
	e.publishOutbound(ctx, out)

	e.met.Transitions.WithLabelValues(string(to)).Inc()
	e.met.ActiveAlarms.Set(float64(e.openCountLocked()))

	if to == StateCleared {
		delete(e.instances, inst.SensorID)
		// Only a cause that actually enters CLEARED releases its suppressed
		// effects; returning to normal while ACTIVE does not.
		if e.cascade.IsCause(inst.Key) {
			e.releaseEffectsLocked(ctx, inst.SensorID)
		}
	}
	return nil
}

func (e *Engine) openCountLocked() int {
	n := 0
	for _, inst := range e.instances {
		if inst.State != StateCleared {
			n++
		}
	}
	return n
}

func (e *Engine) publishOutbound(ctx context.Context, out OutboundEvent) {
	body, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := e.rdb.Publish(ctx, schema.ChannelAlarmsOutbound, body).Err(); err != nil {
		e.logger.Warn("outbound publish failed", "alarm", out.AlarmID, "error", err)
	}
}

func (e *Engine) publishFlood(ctx context.Context, block string, active bool, count, dropped int) {
	body, err := json.Marshal(FloodEvent{TS: e.now(), BlockID: block, Active: active, Count: count, Dropped: dropped})
	if err != nil {
		return
	}
	if err := e.rdb.Publish(ctx, schema.ChannelAlarmsOutbound, body).Err(); err != nil {
		e.logger.Warn("flood event publish failed", "block", block, "error", err)
	}
}
