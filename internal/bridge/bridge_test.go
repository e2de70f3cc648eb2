package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/edgebuffer"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/schema"
)

type testBridge struct {
	*Bridge
	local *mqttx.FakeClient
	cloud *mqttx.FakeClient
	buf   *edgebuffer.Buffer
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := &config.OrchestratorConfig{
		Site: "s1", Block: "b1", EdgeID: "edge-s1-b1",
		Buffer: config.BufferConfig{
			Path:     filepath.Join(t.TempDir(), "buffer.db"),
			Capacity: 1000, CommitMaxRecords: 1000, CommitMaxMs: 20,
		},
		Replay:             config.ReplayConfig{BatchSize: 500, BatchPauseMs: 1},
		HeartbeatSeconds:   30,
		ReplayCheckSeconds: 10,
		PublishTimeoutMs:   1000,
		DownstreamKinds:    []string{"setpoint_write"},
	}
	buf, err := edgebuffer.Open(cfg.Buffer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	local, cloud := mqttx.NewFakeClient(), mqttx.NewFakeClient()
	b := New(cfg, local, cloud, buf, metrics.NewBridgeMetrics(prometheus.NewRegistry()), nil)
	b.started = time.Now()
	b.sysProbe = func(context.Context) schema.SystemStatus { return schema.SystemStatus{CPUPct: 12.5} }
	return &testBridge{Bridge: b, local: local, cloud: cloud, buf: buf}
}

func telemetryMsg(tag string) mqttx.Message {
	return mqttx.Message{
		Topic:    "microlink/s1/b1/thermal-l1/" + tag,
		Payload:  []byte(`{"ts":"2026-08-24T10:00:00Z","v":21.5,"seq":1}`),
		QoS:      0,
		Retained: true,
	}
}

func TestForwardsLiveWhenCloudUp(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleLocal(context.Background(), telemetryMsg("CHW-SUPPLY-T"))

	msgs := tb.cloud.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "microlink/s1/b1/thermal-l1/CHW-SUPPLY-T", msgs[0].Topic)
	assert.Equal(t, 0, tb.buf.Depth())
}

func TestBuffersWhenCloudDown(t *testing.T) {
	tb := newTestBridge(t)
	tb.CloudConnectionChanged(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tb.buf.Run(ctx)

	tb.handleLocal(ctx, telemetryMsg("CHW-SUPPLY-T"))

	require.Eventually(t, func() bool { return tb.buf.Depth() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, tb.cloud.Published())
}

func TestBuffersWhenCloudPublishFails(t *testing.T) {
	tb := newTestBridge(t)
	tb.cloud.PublishErr = assert.AnError

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tb.buf.Run(ctx)

	tb.handleLocal(ctx, telemetryMsg("CHW-SUPPLY-T"))
	require.Eventually(t, func() bool { return tb.buf.Depth() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCommandFamilyNotBridged(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleLocal(context.Background(), mqttx.Message{
		Topic:   schema.CommandTopic("s1", "b1", "config_reload"),
		Payload: []byte(`{}`),
	})

	assert.Empty(t, tb.cloud.Published())
	assert.Equal(t, 0, tb.buf.Depth())
}

func fillBuffer(t *testing.T, tb *testBridge, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go tb.buf.Run(ctx)
	for i := 0; i < n; i++ {
		require.NoError(t, tb.buf.Enqueue(ctx, edgebuffer.Record{
			Topic: telemetryMsg("T").Topic, Payload: []byte(`{"v":1}`), QoS: 1, TS: time.Now(),
		}))
	}
	require.Eventually(t, func() bool { return tb.buf.Depth() == n }, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestReplayDrainsBacklogInOrder(t *testing.T) {
	tb := newTestBridge(t)
	fillBuffer(t, tb, 7)

	tb.replay(context.Background())

	assert.Equal(t, 0, tb.buf.Depth())
	assert.Len(t, tb.cloud.Published(), 7)
}

func TestReplayPreservesRetainedFlag(t *testing.T) {
	tb := newTestBridge(t)
	tb.CloudConnectionChanged(false)

	ctx, cancel := context.WithCancel(context.Background())
	go tb.buf.Run(ctx)
	tb.handleLocal(ctx, telemetryMsg("CHW-SUPPLY-T"))
	require.Eventually(t, func() bool { return tb.buf.Depth() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	tb.CloudConnectionChanged(true)
	tb.replay(context.Background())

	msgs := tb.cloud.Published()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retained)
	assert.Equal(t, byte(0), msgs[0].QoS)
}

func TestReplayAbortsWhenCloudDrops(t *testing.T) {
	tb := newTestBridge(t)
	fillBuffer(t, tb, 3)
	tb.CloudConnectionChanged(false)

	tb.replay(context.Background())

	// Nothing published, nothing lost.
	assert.Empty(t, tb.cloud.Published())
	assert.Equal(t, 3, tb.buf.Depth())
}

func TestReplayAbortsOnPublishErrorKeepingRemainder(t *testing.T) {
	tb := newTestBridge(t)
	fillBuffer(t, tb, 3)
	tb.cloud.PublishErr = assert.AnError

	tb.replay(context.Background())

	assert.Equal(t, 3, tb.buf.Depth())
}

func TestHeartbeatRetainedWithBufferState(t *testing.T) {
	tb := newTestBridge(t)
	fillBuffer(t, tb, 2)

	tb.publishHeartbeat(context.Background())

	msgs := tb.cloud.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "microlink/s1/b1/edge/heartbeat", msgs[0].Topic)
	assert.True(t, msgs[0].Retained)

	var hb schema.Heartbeat
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &hb))
	assert.Equal(t, "edge-s1-b1", hb.EdgeID)
	assert.Equal(t, 2, hb.Buffer.Depth)
	assert.True(t, hb.Buffer.CloudConnected)
	assert.NotNil(t, hb.Buffer.OldestTS)
	assert.Equal(t, 12.5, hb.System.CPUPct)
}

func TestHeartbeatSkippedWhileOffline(t *testing.T) {
	tb := newTestBridge(t)
	tb.CloudConnectionChanged(false)

	tb.publishHeartbeat(context.Background())
	assert.Empty(t, tb.cloud.Published())
}

func command(kind, reqID string) mqttx.Message {
	body, _ := json.Marshal(schema.CommandPayload{Cmd: kind, RequestID: reqID})
	return mqttx.Message{Topic: schema.CommandTopic("s1", "b1", kind), Payload: body, QoS: 1}
}

func lastResponse(t *testing.T, cloud *mqttx.FakeClient) schema.CommandResponse {
	t.Helper()
	msgs := cloud.Published()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, schema.CommandResponseTopic("s1", "b1"), last.Topic)
	var resp schema.CommandResponse
	require.NoError(t, json.Unmarshal(last.Payload, &resp))
	return resp
}

func TestConfigReloadRelayedToLocal(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleCommand(context.Background(), command("config_reload", "req-1"))

	locals := tb.local.Published()
	require.Len(t, locals, 1)
	assert.Equal(t, schema.CommandTopic("s1", "b1", "config_reload"), locals[0].Topic)

	resp := lastResponse(t, tb.cloud)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, schema.CommandAccepted, resp.Status)
}

func TestDiagnosticsAnsweredInline(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleCommand(context.Background(), command("diagnostics_request", "req-2"))

	resp := lastResponse(t, tb.cloud)
	assert.Equal(t, schema.CommandAccepted, resp.Status)
	assert.Equal(t, "edge-s1-b1", resp.Result["edge_id"])
	assert.Equal(t, true, resp.Result["cloud_connected"])
	assert.Empty(t, tb.local.Published())
}

func TestDownstreamCommandForwardedAndAcknowledged(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleCommand(context.Background(), command("setpoint_write", "req-5"))

	locals := tb.local.Published()
	require.Len(t, locals, 1)
	assert.Equal(t, schema.CommandTopic("s1", "b1", "setpoint_write"), locals[0].Topic)

	resp := lastResponse(t, tb.cloud)
	assert.Equal(t, schema.CommandAccepted, resp.Status)
	assert.Equal(t, "accepted for forwarding", resp.Reason)
	assert.Equal(t, true, resp.Result["forwarded"])
}

func TestUnknownCommandRejected(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleCommand(context.Background(), command("format_disk", "req-3"))

	resp := lastResponse(t, tb.cloud)
	assert.Equal(t, schema.CommandRejected, resp.Status)
	assert.Contains(t, resp.Reason, "format_disk")
}

func TestMalformedCommandPayloadErrors(t *testing.T) {
	tb := newTestBridge(t)

	tb.handleCommand(context.Background(), mqttx.Message{
		Topic:   schema.CommandTopic("s1", "b1", "config_reload"),
		Payload: []byte("{not json"),
	})

	resp := lastResponse(t, tb.cloud)
	assert.Equal(t, schema.CommandError, resp.Status)
}
