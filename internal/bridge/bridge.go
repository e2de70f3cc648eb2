// Package bridge is the edge orchestrator core: it mirrors local broker
// traffic to the cloud broker, diverts to the disk buffer while the uplink
// is down, replays the backlog in paced batches once it returns, reports a
// retained heartbeat, and answers cloud-issued commands.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/edgebuffer"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/schema"
)

// Bridge runs one edge uplink.
type Bridge struct {
	cfg    *config.OrchestratorConfig
	local  mqttx.Client
	cloud  mqttx.Client
	buf    *edgebuffer.Buffer
	met    *metrics.BridgeMetrics
	logger *slog.Logger
	now    func() time.Time

	started time.Time

	// sysProbe and adapterStatus are injectable for tests; defaults read the
	// host through gopsutil and report no supervised adapters.
	sysProbe      func(ctx context.Context) schema.SystemStatus
	adapterStatus func() map[string]schema.AdapterStatus

	downstream map[string]bool

	mu        sync.Mutex
	cloudUp   bool
	replaying bool

	replayNow chan struct{}
}

// New assembles a Bridge. Wire CloudConnectionChanged into the cloud
// client's connection callback before calling Run.
func New(cfg *config.OrchestratorConfig, local, cloud mqttx.Client, buf *edgebuffer.Buffer, met *metrics.BridgeMetrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:           cfg,
		local:         local,
		cloud:         cloud,
		buf:           buf,
		met:           met,
		logger:        logger,
		now:           time.Now,
		sysProbe:      probeSystem,
		adapterStatus: func() map[string]schema.AdapterStatus { return map[string]schema.AdapterStatus{} },
		downstream:    make(map[string]bool, len(cfg.DownstreamKinds)),
		replayNow:     make(chan struct{}, 1),
	}
	for _, kind := range cfg.DownstreamKinds {
		b.downstream[kind] = true
	}
	b.setCloudUp(cloud.Connected())
	return b
}

// CloudConnectionChanged records uplink state transitions. A drop aborts any
// in-flight replay at the next record boundary.
func (b *Bridge) CloudConnectionChanged(up bool) {
	b.setCloudUp(up)
	if up {
		select {
		case b.replayNow <- struct{}{}:
		default:
		}
	}
}

func (b *Bridge) setCloudUp(up bool) {
	b.mu.Lock()
	b.cloudUp = up
	b.mu.Unlock()
	if up {
		b.met.CloudUp.Set(1)
	} else {
		b.met.CloudUp.Set(0)
	}
}

func (b *Bridge) isCloudUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cloudUp
}

// Run subscribes and drives the commit, replay, and heartbeat loops until
// ctx is cancelled. The final buffer drain happens before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = b.now()

	if err := b.local.Subscribe(schema.TopicRoot+"/#", 1, func(msg mqttx.Message) {
		b.handleLocal(ctx, msg)
	}); err != nil {
		return err
	}
	cmdFilter := schema.CommandTopic(b.cfg.Site, b.cfg.Block, "+")
	if err := b.cloud.Subscribe(cmdFilter, 1, func(msg mqttx.Message) {
		b.handleCommand(ctx, msg)
	}); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); b.buf.Run(ctx) }()
	go func() { defer wg.Done(); b.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); b.replayLoop(ctx) }()
	wg.Wait()
	return nil
}

// handleLocal forwards one local message to the cloud, or buffers it. The
// command family never crosses the bridge upward.
func (b *Bridge) handleLocal(ctx context.Context, msg mqttx.Message) {
	if _, ok := schema.IsCommandTopic(msg.Topic); ok {
		return
	}
	b.forward(ctx, msg)
}

func (b *Bridge) forward(ctx context.Context, msg mqttx.Message) {
	if b.isCloudUp() {
		pubCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PublishTimeoutMs)*time.Millisecond)
		err := b.cloud.Publish(pubCtx, msg)
		cancel()
		if err == nil {
			b.met.Forwarded.Inc()
			return
		}
		b.logger.Warn("cloud publish failed, buffering", "topic", msg.Topic, "error", err)
	}

	rec := edgebuffer.Record{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS, Retained: msg.Retained, TS: b.now()}
	if err := b.buf.Enqueue(ctx, rec); err != nil {
		b.logger.Error("buffer enqueue failed, message lost", "topic", msg.Topic, "error", err)
		return
	}
	b.met.Buffered.Inc()
	b.met.BufferDepth.Set(float64(b.buf.Depth()))
}

// replayLoop evaluates the backlog on a fixed cadence and immediately after
// the uplink comes back.
func (b *Bridge) replayLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(b.cfg.ReplayCheckSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.replayNow:
		}
		if b.isCloudUp() && b.buf.Depth() > 0 && b.beginReplay() {
			b.replay(ctx)
			b.endReplay()
		}
	}
}

func (b *Bridge) beginReplay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replaying {
		return false
	}
	b.replaying = true
	return true
}

func (b *Bridge) endReplay() {
	b.mu.Lock()
	b.replaying = false
	b.mu.Unlock()
}

func (b *Bridge) isReplaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaying
}

// replay drains the buffer oldest-first in paced batches. Acked records are
// deleted after every batch; a dropped uplink aborts at the next record.
func (b *Bridge) replay(ctx context.Context) {
	b.logger.Info("replay started", "depth", b.buf.Depth())
	pause := time.Duration(b.cfg.Replay.BatchPauseMs) * time.Millisecond

	for ctx.Err() == nil {
		batch, err := b.buf.ReadBatch(b.cfg.Replay.BatchSize)
		if err != nil {
			b.logger.Error("replay read failed", "error", err)
			return
		}
		if len(batch) == 0 {
			b.logger.Info("replay complete")
			return
		}

		acked := make([]uint64, 0, len(batch))
		aborted := false
		for _, rec := range batch {
			if !b.isCloudUp() || ctx.Err() != nil {
				aborted = true
				break
			}
			pubCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PublishTimeoutMs)*time.Millisecond)
			err := b.cloud.Publish(pubCtx, mqttx.Message{Topic: rec.Topic, Payload: rec.Payload, QoS: rec.QoS, Retained: rec.Retained})
			cancel()
			if err != nil {
				b.logger.Warn("replay publish failed, aborting", "topic", rec.Topic, "error", err)
				aborted = true
				break
			}
			acked = append(acked, rec.Seq)
		}

		if len(acked) > 0 {
			if err := b.buf.Delete(acked); err != nil {
				b.logger.Error("replay ack delete failed", "error", err)
				return
			}
			b.met.Replayed.Add(float64(len(acked)))
			b.met.BufferDepth.Set(float64(b.buf.Depth()))
		}
		if aborted {
			b.met.ReplayAborts.Inc()
			b.logger.Warn("replay aborted", "remaining", b.buf.Depth())
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

// heartbeatLoop publishes the retained edge status document to the cloud.
func (b *Bridge) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishHeartbeat(ctx)
		}
	}
}

func (b *Bridge) publishHeartbeat(ctx context.Context) {
	if !b.isCloudUp() {
		return
	}
	hb := b.buildHeartbeat(ctx)
	body, err := json.Marshal(hb)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PublishTimeoutMs)*time.Millisecond)
	defer cancel()
	err = b.cloud.Publish(pubCtx, mqttx.Message{
		Topic:    schema.HeartbeatTopic(b.cfg.Site, b.cfg.Block),
		Payload:  body,
		QoS:      1,
		Retained: true,
	})
	if err != nil {
		b.logger.Warn("heartbeat publish failed", "error", err)
	}
}

func (b *Bridge) buildHeartbeat(ctx context.Context) schema.Heartbeat {
	buf := schema.BufferStatus{
		Depth:          b.buf.Depth(),
		Capacity:       b.cfg.Buffer.Capacity,
		CloudConnected: b.isCloudUp(),
		ReplayActive:   b.isReplaying(),
	}
	if oldest, err := b.buf.ReadBatch(1); err == nil && len(oldest) > 0 {
		ts := oldest[0].TS
		buf.OldestTS = &ts
	}
	return schema.Heartbeat{
		EdgeID:   b.cfg.EdgeID,
		TS:       b.now(),
		UptimeS:  int64(b.now().Sub(b.started).Seconds()),
		Adapters: b.adapterStatus(),
		Buffer:   buf,
		System:   b.sysProbe(ctx),
	}
}
