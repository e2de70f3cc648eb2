package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/schema"
)

// scriptedReader returns queued readings per tag, then an error when the
// queue is exhausted.
type scriptedReader struct {
	mu       sync.Mutex
	readings map[string][]Reading
	errs     map[string]error
	connects int
}

func (r *scriptedReader) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return nil
}

func (r *scriptedReader) ReadPoint(_ context.Context, pt config.PointConfig) (Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[pt.Tag]; err != nil {
		return Reading{}, err
	}
	q := r.readings[pt.Tag]
	if len(q) == 0 {
		return Reading{}, errors.New("no scripted reading")
	}
	head := q[0]
	r.readings[pt.Tag] = q[1:]
	return head, nil
}

func (r *scriptedReader) Close() error { return nil }

func newTestAdapter(t *testing.T, dev config.DeviceConfig, reader Reader) (*Adapter, *mqttx.FakeClient) {
	t.Helper()
	cfg := &config.EdgeConfig{
		Site:  "s1",
		Block: "b1",
		PollGroups: config.PollGroupConfig{
			SafetyMs: 500, FastMs: 1000, NormalMs: 5000, SlowMs: 30000,
		},
		Devices: []config.DeviceConfig{dev},
	}
	fake := mqttx.NewFakeClient()
	pub := NewPublisher(cfg.Site, cfg.Block, fake)
	met := metrics.NewAdapterMetrics(prometheus.NewRegistry())
	a := New(cfg, []Device{{Config: dev, Reader: reader}}, pub, met, nil)
	return a, fake
}

func tempPoint() config.PointConfig {
	return config.PointConfig{
		Tag: "CHW-SUPPLY-T", Subsystem: "thermal-l1", Unit: "degC",
		Scale: 0.1, Offset: 0, RangeMin: -20, RangeMax: 60, PollGroup: "normal",
	}
}

func TestProcessPublishesScaledTelemetry(t *testing.T) {
	dev := config.DeviceConfig{Name: "plc", Protocol: "modbus", TimeoutMs: 3000, Points: []config.PointConfig{tempPoint()}}
	reader := &scriptedReader{readings: map[string][]Reading{
		"CHW-SUPPLY-T": {{Value: 215, Quality: schema.QualityGood}},
	}}
	a, fake := newTestAdapter(t, dev, reader)

	a.pollCycle(context.Background(), "normal")

	msgs := fake.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "microlink/s1/b1/thermal-l1/CHW-SUPPLY-T", msgs[0].Topic)
	assert.True(t, msgs[0].Retained)
	assert.Equal(t, byte(0), msgs[0].QoS)

	var p schema.TelemetryPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &p))
	assert.InDelta(t, 21.5, p.V, 1e-9)
	assert.Equal(t, schema.QualityGood, p.Q)
	assert.Equal(t, uint64(1), p.Seq)
}

func TestProcessMapsImplausibleToUncertain(t *testing.T) {
	pt := tempPoint()
	dev := config.DeviceConfig{Name: "plc", Protocol: "modbus", TimeoutMs: 3000, Points: []config.PointConfig{pt}}
	reader := &scriptedReader{readings: map[string][]Reading{
		// 900 raw → 90.0 scaled, above range_max 60.
		pt.Tag: {{Value: 900, Quality: schema.QualityGood}},
	}}
	a, fake := newTestAdapter(t, dev, reader)

	a.pollCycle(context.Background(), "normal")

	var p schema.TelemetryPayload
	require.NoError(t, json.Unmarshal(fake.Published()[0].Payload, &p))
	assert.Equal(t, schema.QualityUncertain, p.Q)
}

func TestReadFailurePublishesBadZero(t *testing.T) {
	pt := tempPoint()
	dev := config.DeviceConfig{Name: "plc", Protocol: "modbus", TimeoutMs: 3000, Points: []config.PointConfig{pt}}
	reader := &scriptedReader{errs: map[string]error{pt.Tag: errors.New("timeout")}}
	a, fake := newTestAdapter(t, dev, reader)

	a.pollCycle(context.Background(), "normal")

	var p schema.TelemetryPayload
	require.NoError(t, json.Unmarshal(fake.Published()[0].Payload, &p))
	assert.Equal(t, schema.QualityBad, p.Q)
	assert.Equal(t, 0.0, p.V)
}

func TestDeviceGoesOfflineAfterFiveFailures(t *testing.T) {
	pt := tempPoint()
	dev := config.DeviceConfig{Name: "plc", Protocol: "modbus", TimeoutMs: 3000, Points: []config.PointConfig{pt}}
	reader := &scriptedReader{errs: map[string]error{pt.Tag: errors.New("conn refused")}}
	a, _ := newTestAdapter(t, dev, reader)

	runner := a.devices[0]
	runner.recordSuccess() // start online

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < offlineThreshold; i++ {
		a.readAndProcess(ctx, runner, pt)
	}

	runner.mu.Lock()
	online := runner.online
	runner.mu.Unlock()
	assert.False(t, online)
}

func TestSourceAlarmEdgePublishedOnAlarmTopic(t *testing.T) {
	pt := tempPoint()
	pt.Scale = 1
	pt.RangeMin, pt.RangeMax = 0, 200
	pt.Thresholds = []schema.ThresholdBand{{Level: schema.LevelH, Value: 50, Priority: schema.PriorityP2, DelayS: 0}}
	dev := config.DeviceConfig{Name: "plc", Protocol: "modbus", TimeoutMs: 3000, Points: []config.PointConfig{pt}}
	reader := &scriptedReader{readings: map[string][]Reading{
		pt.Tag: {{Value: 55, Quality: schema.QualityGood}},
	}}
	a, fake := newTestAdapter(t, dev, reader)

	a.pollCycle(context.Background(), "normal")

	msgs := fake.Published()
	require.Len(t, msgs, 2)

	// Alarm edge first (emitted before the telemetry of the same reading),
	// then telemetry carrying the rider.
	var edge schema.AlarmEventPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &edge))
	assert.Equal(t, "microlink/s1/b1/alarms/P2", msgs[0].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.False(t, msgs[0].Retained)
	assert.Equal(t, schema.ActionRaised, edge.Action)
	assert.Equal(t, pt.Tag, edge.SensorTag)

	var p schema.TelemetryPayload
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &p))
	require.NotNil(t, p.Alarm)
	assert.Equal(t, schema.PriorityP2, *p.Alarm)
}

func TestSequenceNumbersAreMonotonicPerTag(t *testing.T) {
	fake := mqttx.NewFakeClient()
	pub := NewPublisher("s1", "b1", fake)
	pt := tempPoint()
	other := tempPoint()
	other.Tag = "CHW-RETURN-T"

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Telemetry(ctx, pt, time.Now(), float64(i), schema.QualityGood, nil))
	}
	require.NoError(t, pub.Telemetry(ctx, other, time.Now(), 1, schema.QualityGood, nil))

	var seqs []uint64
	for _, m := range fake.Published() {
		var p schema.TelemetryPayload
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		seqs = append(seqs, p.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 1}, seqs)
}
