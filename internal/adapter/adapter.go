package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
)

// A device is declared offline after this many consecutive failed reads.
const offlineThreshold = 5

const maxReconnectBackoff = 60 * time.Second

// Device pairs a device config with its protocol driver.
type Device struct {
	Config config.DeviceConfig
	Reader Reader
}

// deviceRunner adds the framework's connection-state tracking to a Device.
type deviceRunner struct {
	Device

	mu           sync.Mutex
	online       bool
	failures     int
	reconnecting bool
	covActive    map[string]bool // tags served by a COV subscription
}

// Adapter runs the polling loops for one edge process: one goroutine per
// poll group, shared evaluator and publisher, per-device reconnect loops.
type Adapter struct {
	cfg     *config.EdgeConfig
	devices []*deviceRunner
	eval    *SourceEvaluator
	pub     *Publisher
	met     *metrics.AdapterMetrics
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// New assembles an Adapter. Readers are injected per device so tests can
// substitute fakes for the protocol drivers.
func New(cfg *config.EdgeConfig, devices []Device, pub *Publisher, met *metrics.AdapterMetrics, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:    cfg,
		eval:   NewSourceEvaluator(nil),
		pub:    pub,
		met:    met,
		logger: logger,
		now:    time.Now,
	}
	for _, d := range devices {
		a.devices = append(a.devices, &deviceRunner{Device: d, covActive: make(map[string]bool)})
	}
	return a
}

// Run connects devices, establishes COV subscriptions, and drives one loop
// per poll group until ctx is cancelled. It blocks until all loops drain.
func (a *Adapter) Run(ctx context.Context) {
	for _, dev := range a.devices {
		if err := dev.Reader.Connect(ctx); err != nil {
			a.logger.Warn("initial connect failed", "device", dev.Config.Name, "error", err)
			a.startReconnect(ctx, dev)
			continue
		}
		a.subscribeCOV(ctx, dev)
	}

	for _, group := range []string{"safety", "fast", "normal", "slow"} {
		interval := time.Duration(a.cfg.PollGroups.IntervalMs(group)) * time.Millisecond
		if interval <= 0 || !a.groupHasPoints(group) {
			continue
		}
		a.wg.Add(1)
		go a.runGroup(ctx, group, interval)
	}

	<-ctx.Done()
	a.wg.Wait()
	for _, dev := range a.devices {
		if err := dev.Reader.Close(); err != nil {
			a.logger.Warn("close failed", "device", dev.Config.Name, "error", err)
		}
	}
}

func (a *Adapter) groupHasPoints(group string) bool {
	for _, dev := range a.devices {
		for _, pt := range dev.Config.Points {
			if pt.PollGroup == group {
				return true
			}
		}
	}
	return false
}

// runGroup is the cooperative loop for one poll group. An overrunning cycle
// is logged but never skips reads — the next cycle starts immediately.
func (a *Adapter) runGroup(ctx context.Context, group string, interval time.Duration) {
	defer a.wg.Done()
	for {
		start := a.now()
		a.pollCycle(ctx, group)
		elapsed := a.now().Sub(start)

		if elapsed >= interval {
			a.met.CycleOverruns.WithLabelValues(group).Inc()
			a.logger.Warn("poll cycle overran interval",
				"group", group, "elapsed_ms", elapsed.Milliseconds(), "interval_ms", interval.Milliseconds())
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval - elapsed):
		}
	}
}

// pollCycle reads every point of the group across all devices.
func (a *Adapter) pollCycle(ctx context.Context, group string) {
	for _, dev := range a.devices {
		cycleStart := a.now()
		read := false
		for _, pt := range dev.Config.Points {
			if pt.PollGroup != group {
				continue
			}
			if dev.isCOV(pt.Tag) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			read = true
			a.readAndProcess(ctx, dev, pt)
		}
		if read {
			a.met.ReadLatency.WithLabelValues(dev.Config.Name, group).Observe(a.now().Sub(cycleStart).Seconds())
		}
	}
}

// readAndProcess performs one point read and feeds the result through the
// processing chain. Failures surface as BAD quality for this interval; they
// are never retried inside the cycle.
func (a *Adapter) readAndProcess(ctx context.Context, dev *deviceRunner, pt config.PointConfig) {
	ts := a.now()

	if dev.isReconnecting() {
		a.process(ctx, dev, pt, ts, Reading{Quality: schema.QualityBad}, true)
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, time.Duration(dev.Config.TimeoutMs)*time.Millisecond)
	reading, err := dev.Reader.ReadPoint(readCtx, pt)
	cancel()

	if err != nil {
		a.met.ReadFailures.WithLabelValues(dev.Config.Name).Inc()
		a.logger.Warn("point read failed", "device", dev.Config.Name, "tag", pt.Tag, "error", err)
		if dev.recordFailure() {
			a.met.DeviceOnline.WithLabelValues(dev.Config.Name).Set(0)
			a.logger.Warn("device offline", "device", dev.Config.Name, "consecutive_failures", offlineThreshold)
			a.startReconnect(ctx, dev)
		}
		a.process(ctx, dev, pt, ts, Reading{Quality: schema.QualityBad}, true)
		return
	}

	if dev.recordSuccess() {
		a.met.DeviceOnline.WithLabelValues(dev.Config.Name).Set(1)
		a.logger.Info("device online", "device", dev.Config.Name)
	}
	a.process(ctx, dev, pt, ts, reading, false)
}

// process applies scale/offset, plausibility mapping, source threshold
// evaluation, and publication.
func (a *Adapter) process(ctx context.Context, dev *deviceRunner, pt config.PointConfig, ts time.Time, reading Reading, failed bool) {
	value := reading.Value
	quality := reading.Quality

	if !failed {
		value = value*pt.Scale + pt.Offset
		if quality == schema.QualityGood && pt.RangeMax > pt.RangeMin {
			if value < pt.RangeMin || value > pt.RangeMax {
				quality = schema.QualityUncertain
			}
		}
	} else {
		// BAD with a zero value; the quality flag is what distinguishes it
		// from a good zero.
		value = 0
		quality = schema.QualityBad
	}
	a.met.PointsRead.WithLabelValues(dev.Config.Name, quality.String()).Inc()

	var alarm *schema.Priority
	if quality == schema.QualityGood {
		var edge *EdgeEvent
		alarm, edge = a.eval.Evaluate(pt.Tag, pt.Thresholds, value)
		if edge != nil {
			a.met.AlarmEdges.WithLabelValues(string(edge.Action)).Inc()
			if err := a.pub.AlarmEdge(ctx, pt, ts, *edge, dev.Config.Name); err != nil {
				a.logger.Warn("alarm edge publish failed", "tag", pt.Tag, "error", err)
			}
		}
	}

	if err := a.pub.Telemetry(ctx, pt, ts, value, quality, alarm); err != nil {
		a.logger.Warn("telemetry publish failed", "tag", pt.Tag, "error", err)
	}
}

// subscribeCOV establishes change-of-value subscriptions for mapped points
// on drivers that support them; a failed subscription leaves the point in
// the polling path.
func (a *Adapter) subscribeCOV(ctx context.Context, dev *deviceRunner) {
	cov, ok := dev.Reader.(COVReader)
	if !ok {
		return
	}
	for _, pt := range dev.Config.Points {
		if !pt.COV {
			continue
		}
		pt := pt
		cancel, err := cov.SubscribeCOV(ctx, pt, func(r Reading) {
			dev.recordSuccess()
			a.process(ctx, dev, pt, a.now(), r, false)
		})
		if err != nil {
			a.logger.Warn("cov subscription failed, falling back to polling",
				"device", dev.Config.Name, "tag", pt.Tag, "error", err)
			continue
		}
		dev.setCOV(pt.Tag)
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
}

// startReconnect launches the background reconnect loop with exponential
// backoff capped at 60 s. At most one loop runs per device.
func (a *Adapter) startReconnect(ctx context.Context, dev *deviceRunner) {
	if !dev.beginReconnect() {
		return
	}
	go func() {
		defer dev.endReconnect()
		_ = dev.Reader.Close()
		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := dev.Reader.Connect(ctx); err != nil {
				a.logger.Warn("reconnect failed", "device", dev.Config.Name, "backoff", backoff.String(), "error", err)
				backoff *= 2
				if backoff > maxReconnectBackoff {
					backoff = maxReconnectBackoff
				}
				continue
			}
			a.logger.Info("device reconnected", "device", dev.Config.Name)
			a.subscribeCOV(ctx, dev)
			return
		}
	}()
}

func (d *deviceRunner) recordFailure() (wentOffline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures++
	if d.failures >= offlineThreshold && d.online {
		d.online = false
		return true
	}
	return false
}

func (d *deviceRunner) recordSuccess() (cameOnline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = 0
	if !d.online {
		d.online = true
		return true
	}
	return false
}

func (d *deviceRunner) isReconnecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconnecting
}

func (d *deviceRunner) beginReconnect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reconnecting {
		return false
	}
	d.reconnecting = true
	return true
}

func (d *deviceRunner) endReconnect() {
	d.mu.Lock()
	d.reconnecting = false
	d.mu.Unlock()
}

func (d *deviceRunner) isCOV(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.covActive[tag]
}

func (d *deviceRunner) setCOV(tag string) {
	d.mu.Lock()
	d.covActive[tag] = true
	d.mu.Unlock()
}
