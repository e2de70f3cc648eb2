package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/schema"
	"github.com/microlink/mcs/internal/sensorcache"
)

// RedisPublisher is the slice of go-redis the pipeline consumes.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// LiveSample is the document pushed onto the per-block telemetry channel for
// the fan-out gateway.
type LiveSample struct {
	SiteID    string `json:"site_id"`
	BlockID   string `json:"block_id"`
	Subsystem string `json:"subsystem"`
	Tag       string `json:"tag"`
	schema.TelemetryPayload
}

// Pipeline validates, resolves, stages, and fans out one broker message at a
// time. Handlers run on the MQTT client's delivery goroutines; every shared
// structure downstream is concurrency-safe.
type Pipeline struct {
	cache  *sensorcache.Cache
	batch  *Writer
	dlq    *DLQ
	rdb    RedisPublisher
	met    *metrics.IngestMetrics
	logger *slog.Logger
}

// NewPipeline assembles the ingest path.
func NewPipeline(cache *sensorcache.Cache, batch *Writer, dlq *DLQ, rdb RedisPublisher, met *metrics.IngestMetrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cache: cache, batch: batch, dlq: dlq, rdb: rdb, met: met, logger: logger}
}

// HandleMessage processes one message from the cloud broker.
func (p *Pipeline) HandleMessage(ctx context.Context, msg mqttx.Message) {
	if isNonTelemetryFamily(msg.Topic) {
		return
	}

	key, err := schema.ParseTelemetryTopic(msg.Topic)
	if err != nil {
		p.dlq.Write(ctx, msg.Topic, msg.Payload, CategoryTopicError, err.Error())
		return
	}

	payload, alarmInvalid, err := schema.ParseTelemetryPayload(msg.Payload)
	if err != nil {
		p.dlq.Write(ctx, msg.Topic, msg.Payload, CategoryParseError, err.Error())
		return
	}
	if alarmInvalid {
		p.met.InvalidAlarm.Inc()
		p.logger.Warn("invalid alarm priority on telemetry, rider dropped", "topic", msg.Topic)
	}

	sensor, err := p.cache.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, sensorcache.ErrUnknownSensor) {
			p.dlq.Write(ctx, msg.Topic, msg.Payload, CategorySensorUnknown, key.String())
			return
		}
		p.logger.Error("sensor resolution failed", "key", key.String(), "error", err)
		return
	}

	if !p.batch.Add(Row{SensorID: sensor.ID, TS: payload.TS, Value: payload.V, Quality: payload.Q, Seq: payload.Seq}) {
		p.logger.Warn("batch at high water, sample dropped", "key", key.String())
		return
	}
	p.met.Accepted.Inc()

	p.publishLive(ctx, key, payload)
	if payload.Alarm != nil {
		p.publishSignal(ctx, sensor, key, payload)
	}
}

// publishSignal extracts the alarm rider onto the inbound channel for the
// alarm engine.
func (p *Pipeline) publishSignal(ctx context.Context, sensor *schema.Sensor, key schema.SensorKey, payload schema.TelemetryPayload) {
	sig := schema.AlarmSignal{
		SensorID:  sensor.ID,
		Priority:  *payload.Alarm,
		Value:     payload.V,
		Timestamp: payload.TS,
		SiteID:    key.Site,
		BlockID:   key.Block,
		Subsystem: key.Subsystem,
		Tag:       key.Tag,
	}
	body, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, schema.ChannelAlarmsInbound, body).Err(); err != nil {
		p.logger.Error("alarm signal publish failed", "key", key.String(), "error", err)
		return
	}
	p.met.SignalsQueued.Inc()
}

// publishLive forwards the accepted sample to the per-block channel consumed
// by the fan-out gateway. Failures are logged; the database write already
// happened and live viewers tolerate gaps.
func (p *Pipeline) publishLive(ctx context.Context, key schema.SensorKey, payload schema.TelemetryPayload) {
	sample := LiveSample{
		SiteID:           key.Site,
		BlockID:          key.Block,
		Subsystem:        key.Subsystem,
		Tag:              key.Tag,
		TelemetryPayload: payload,
	}
	body, err := json.Marshal(sample)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, schema.TelemetryChannel(key.Block), body).Err(); err != nil {
		p.logger.Warn("live telemetry publish failed", "block", key.Block, "error", err)
	}
}

// isNonTelemetryFamily recognizes the broker families ingestd deliberately
// ignores: heartbeats, edge alarm events, and the command round trip.
func isNonTelemetryFamily(topic string) bool {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != schema.TopicRoot {
		return false
	}
	switch parts[3] {
	case schema.AlarmSegment, schema.CommandSegment, "edge":
		return true
	}
	return false
}
