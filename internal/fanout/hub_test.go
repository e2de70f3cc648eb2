package fanout

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
)

func newTestHub() *Hub {
	return NewHub(nil, metrics.NewFanoutMetrics(prometheus.NewRegistry()), nil)
}

func priority(p schema.Priority) *schema.Priority { return &p }

func TestFilterWants(t *testing.T) {
	p2 := priority(schema.PriorityP2)
	tests := []struct {
		name   string
		filter Filter
		msg    Message
		want   bool
	}{
		{"empty filter passes everything", Filter{}, Message{Stream: StreamTelemetry, Block: "b1"}, true},
		{"stream filter excludes", Filter{Streams: map[string]bool{StreamAlarms: true}},
			Message{Stream: StreamTelemetry, Block: "b1"}, false},
		{"block filter excludes", Filter{Blocks: map[string]bool{"b2": true}},
			Message{Stream: StreamTelemetry, Block: "b1"}, false},
		{"block filter includes", Filter{Blocks: map[string]bool{"b1": true}},
			Message{Stream: StreamTelemetry, Block: "b1"}, true},
		{"min priority admits equal", Filter{MinPriority: priority(schema.PriorityP2)},
			Message{Stream: StreamAlarms, Block: "b1", Priority: p2}, true},
		{"min priority admits more severe", Filter{MinPriority: priority(schema.PriorityP2)},
			Message{Stream: StreamAlarms, Block: "b1", Priority: priority(schema.PriorityP0)}, true},
		{"min priority excludes less severe", Filter{MinPriority: priority(schema.PriorityP1)},
			Message{Stream: StreamAlarms, Block: "b1", Priority: p2}, false},
		{"priority filter ignores telemetry", Filter{MinPriority: priority(schema.PriorityP0)},
			Message{Stream: StreamTelemetry, Block: "b1"}, true},
		{"priority filter passes events without one", Filter{MinPriority: priority(schema.PriorityP0)},
			Message{Stream: StreamAlarms, Block: "b1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.wants(tt.msg))
		})
	}
}

func TestBroadcastWrapsInEnvelope(t *testing.T) {
	h := newTestHub()
	c := newClient(h, nil, Filter{})
	h.register(c)

	h.Broadcast(Message{Stream: StreamTelemetry, Block: "b1", Data: json.RawMessage(`{"value":21.5}`)})

	require.Len(t, c.send, 1)
	var env envelope
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.Equal(t, StreamTelemetry, env.Stream)
	assert.Equal(t, "b1", env.Block)
	assert.JSONEq(t, `{"value":21.5}`, string(env.Data))
}

func TestBroadcastSkipsFilteredSubscribers(t *testing.T) {
	h := newTestHub()
	all := newClient(h, nil, Filter{})
	onlyB2 := newClient(h, nil, Filter{Blocks: map[string]bool{"b2": true}})
	h.register(all)
	h.register(onlyB2)

	h.Broadcast(Message{Stream: StreamTelemetry, Block: "b1", Data: json.RawMessage(`{}`)})

	assert.Len(t, all.send, 1)
	assert.Empty(t, onlyB2.send)
}

func TestBroadcastNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := newTestHub()
	c := newClient(h, nil, Filter{})
	h.register(c)
	for i := 0; i < sendQueueDepth; i++ {
		c.send <- []byte("backlog")
	}

	h.Broadcast(Message{Stream: StreamTelemetry, Block: "b1", Data: json.RawMessage(`{}`)})

	assert.Len(t, c.send, sendQueueDepth)
}

func TestHandleAlarmFiltersOnPeekedHeader(t *testing.T) {
	h := newTestHub()
	urgentOnly := newClient(h, nil, Filter{MinPriority: priority(schema.PriorityP1)})
	everything := newClient(h, nil, Filter{})
	h.register(urgentOnly)
	h.register(everything)

	h.handleAlarm([]byte(`{"block_id":"b1","priority":"P2","event":"RAISE"}`))
	assert.Empty(t, urgentOnly.send)
	assert.Len(t, everything.send, 1)

	// A flood event has no priority and always passes.
	h.handleAlarm([]byte(`{"block_id":"b1","active":true,"count":25}`))
	assert.Len(t, urgentOnly.send, 1)
	assert.Len(t, everything.send, 2)
}

func TestUnregisterClosesSendQueue(t *testing.T) {
	h := newTestHub()
	c := newClient(h, nil, Filter{})
	h.register(c)
	h.unregister(c)

	_, open := <-c.send
	assert.False(t, open)

	// A message after unregister goes nowhere.
	h.Broadcast(Message{Stream: StreamTelemetry, Block: "b1", Data: json.RawMessage(`{}`)})
}
