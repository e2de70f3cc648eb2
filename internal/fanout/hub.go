// Package fanout streams committed alarm transitions and live telemetry to
// WebSocket subscribers. Producers never block: a subscriber that cannot
// keep up loses messages rather than stalling the hub.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
)

// Stream names carried in the outbound envelope and the metrics labels.
const (
	StreamTelemetry = "telemetry"
	StreamAlarms    = "alarms"
)

// Message is one item flowing through the hub. Priority is set only for
// alarm transitions; flood events and telemetry carry none.
type Message struct {
	Stream   string
	Block    string
	Priority *schema.Priority
	Data     json.RawMessage
}

// envelope is the JSON frame written to subscribers.
type envelope struct {
	Stream string          `json:"stream"`
	Block  string          `json:"block"`
	Data   json.RawMessage `json:"data"`
}

// RedisSubscriber is the slice of go-redis the hub consumes.
type RedisSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Hub relays the shared channels to every connected subscriber.
type Hub struct {
	rdb    RedisSubscriber
	met    *metrics.FanoutMetrics
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*Client]bool
}

// NewHub assembles a Hub. Run must be called for messages to flow.
func NewHub(rdb RedisSubscriber, met *metrics.FanoutMetrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rdb:     rdb,
		met:     met,
		logger:  logger,
		clients: make(map[*Client]bool),
	}
}

// Run consumes the alarm and telemetry channels until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	alarms := h.rdb.Subscribe(ctx, schema.ChannelAlarmsOutbound)
	defer alarms.Close()
	telemetry := h.rdb.PSubscribe(ctx, schema.TelemetryChannelPattern())
	defer telemetry.Close()

	alarmCh := alarms.Channel()
	telemetryCh := telemetry.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-alarmCh:
			if !ok {
				return nil
			}
			h.handleAlarm([]byte(msg.Payload))
		case msg, ok := <-telemetryCh:
			if !ok {
				return nil
			}
			h.Broadcast(Message{
				Stream: StreamTelemetry,
				Block:  schema.TelemetryChannelBlock(msg.Channel),
				Data:   json.RawMessage(msg.Payload),
			})
		}
	}
}

// handleAlarm peeks at the block and priority for subscriber filtering. The
// payload itself is relayed untouched.
func (h *Hub) handleAlarm(payload []byte) {
	var head struct {
		BlockID  string           `json:"block_id"`
		Priority *schema.Priority `json:"priority"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		h.logger.Warn("unreadable alarm event", "error", err)
		return
	}
	h.Broadcast(Message{
		Stream:   StreamAlarms,
		Block:    head.BlockID,
		Priority: head.Priority,
		Data:     payload,
	})
}

// Broadcast fans a message out to every subscriber whose filter wants it.
// Subscribers with a full send queue are skipped.
func (h *Hub) Broadcast(m Message) {
	body, err := json.Marshal(envelope{Stream: m.Stream, Block: m.Block, Data: m.Data})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.wants(m) {
			continue
		}
		select {
		case c.send <- body:
			h.met.Delivered.WithLabelValues(m.Stream).Inc()
		default:
			h.met.Dropped.WithLabelValues(m.Stream).Inc()
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.met.Subscribers.Set(float64(n))
	h.logger.Info("subscriber connected", "subscribers", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.met.Subscribers.Set(float64(n))
	h.logger.Info("subscriber disconnected", "subscribers", n)
}
