package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetryPayload(t *testing.T) {
	body := []byte(`{"ts":"2026-08-24T10:15:30.250+02:00","v":42.5,"u":"degC","q":"UNCERTAIN","alarm":"P1","seq":907}`)
	p, alarmInvalid, err := ParseTelemetryPayload(body)
	require.NoError(t, err)
	assert.False(t, alarmInvalid)
	assert.Equal(t, 42.5, p.V)
	assert.Equal(t, "degC", p.U)
	assert.Equal(t, QualityUncertain, p.Q)
	require.NotNil(t, p.Alarm)
	assert.Equal(t, PriorityP1, *p.Alarm)
	assert.Equal(t, uint64(907), p.Seq)

	want := time.Date(2026, 8, 24, 10, 15, 30, 250_000_000, time.FixedZone("", 2*3600))
	assert.True(t, p.TS.Equal(want))
}

func TestParseTelemetryPayloadDefaults(t *testing.T) {
	p, alarmInvalid, err := ParseTelemetryPayload([]byte(`{"ts":"2026-08-24T08:00:00Z","v":0}`))
	require.NoError(t, err)
	assert.False(t, alarmInvalid)
	assert.Equal(t, QualityGood, p.Q)
	assert.Nil(t, p.Alarm)
}

func TestParseTelemetryPayloadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"ts":`},
		{"missing ts", `{"v":1.0}`},
		{"missing v", `{"ts":"2026-08-24T08:00:00Z"}`},
		{"ts without timezone", `{"ts":"2026-08-24T08:00:00","v":1}`},
		{"v as string", `{"ts":"2026-08-24T08:00:00Z","v":"high"}`},
		{"unknown quality", `{"ts":"2026-08-24T08:00:00Z","v":1,"q":"MAYBE"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseTelemetryPayload([]byte(tc.body))
			require.Error(t, err)
			var payloadErr *PayloadError
			assert.ErrorAs(t, err, &payloadErr)
		})
	}
}

func TestParseTelemetryPayloadInvalidAlarmIsNotFatal(t *testing.T) {
	p, alarmInvalid, err := ParseTelemetryPayload([]byte(`{"ts":"2026-08-24T08:00:00Z","v":7,"alarm":"P9"}`))
	require.NoError(t, err)
	assert.True(t, alarmInvalid)
	assert.Nil(t, p.Alarm)
	assert.Equal(t, 7.0, p.V)
}

func TestQualityPriorityRoundTrip(t *testing.T) {
	for _, q := range []Quality{QualityGood, QualityUncertain, QualityBad} {
		parsed, err := ParseQuality(q.String())
		require.NoError(t, err)
		assert.Equal(t, q, parsed)
	}
	for _, p := range []Priority{PriorityP0, PriorityP1, PriorityP2, PriorityP3} {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	assert.True(t, PriorityP0.MoreSevere(PriorityP3))
	assert.False(t, PriorityP2.MoreSevere(PriorityP2))
}

func TestThresholdLevelDirection(t *testing.T) {
	assert.Equal(t, DirectionHigh, LevelHH.Direction())
	assert.Equal(t, DirectionHigh, LevelH.Direction())
	assert.Equal(t, DirectionLow, LevelL.Direction())
	assert.Equal(t, DirectionLow, LevelLL.Direction())
}
