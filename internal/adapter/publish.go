package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/schema"
)

// Publisher turns processed readings into local-broker messages: telemetry
// with retained last-value semantics and a per-tag monotonic sequence
// number, alarm edges with at-least-once delivery.
type Publisher struct {
	site  string
	block string
	cli   mqttx.Publisher

	mu  sync.Mutex
	seq map[string]uint64
}

// NewPublisher creates a Publisher for one site/block pair.
func NewPublisher(site, block string, cli mqttx.Publisher) *Publisher {
	return &Publisher{site: site, block: block, cli: cli, seq: make(map[string]uint64)}
}

// Telemetry publishes one measurement. alarm carries the currently emitting
// source priority, nil when none.
func (p *Publisher) Telemetry(ctx context.Context, pt config.PointConfig, ts time.Time, value float64, q schema.Quality, alarm *schema.Priority) error {
	p.mu.Lock()
	p.seq[pt.Tag]++
	seq := p.seq[pt.Tag]
	p.mu.Unlock()

	payload := schema.TelemetryPayload{TS: ts, V: value, U: pt.Unit, Q: q, Alarm: alarm, Seq: seq}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	key := schema.SensorKey{Site: p.site, Block: p.block, Subsystem: pt.Subsystem, Tag: pt.Tag}
	return p.cli.Publish(ctx, mqttx.Message{
		Topic:    schema.TelemetryTopic(key),
		Payload:  body,
		QoS:      0,
		Retained: true,
	})
}

// AlarmEdge publishes a source-side edge event on the alarms topic family.
func (p *Publisher) AlarmEdge(ctx context.Context, pt config.PointConfig, ts time.Time, ev EdgeEvent, description string) error {
	payload := schema.AlarmEventPayload{
		TS:          ts,
		AlarmID:     uuid.New().String(),
		Action:      ev.Action,
		Priority:    ev.Priority,
		SensorTag:   pt.Tag,
		Subsystem:   pt.Subsystem,
		Value:       ev.Value,
		Threshold:   ev.Threshold,
		Direction:   ev.Direction,
		Description: description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.cli.Publish(ctx, mqttx.Message{
		Topic:   schema.AlarmTopic(p.site, p.block, ev.Priority),
		Payload: body,
		QoS:     1,
	})
}
