package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microlink/mcs/internal/schema"
)

func evalSensor(deadbandPct, deadbandAbs float64, bands ...schema.ThresholdBand) *schema.Sensor {
	return &schema.Sensor{
		ID:          1,
		Key:         schema.SensorKey{Site: "s1", Block: "b1", Subsystem: "thermal-l1", Tag: "T"},
		Thresholds:  bands,
		DeadbandPct: deadbandPct,
		DeadbandAbs: deadbandAbs,
	}
}

func hBand(value float64, delayS int) schema.ThresholdBand {
	return schema.ThresholdBand{Level: schema.LevelH, Value: value, Priority: schema.PriorityP2, DelayS: delayS}
}

func TestEvaluateRaisesAboveThreshold(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0, 0, hBand(50, 0))
	ts := time.Unix(1000, 0)

	assert.Nil(t, e.Evaluate(s, 49, ts))
	band := e.Evaluate(s, 51, ts)
	require.NotNil(t, band)
	assert.Equal(t, schema.LevelH, band.Level)
}

func TestClearingDeadbandHoldsUntilRetreat(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0.02, 0, hBand(50, 0))
	ts := time.Unix(1000, 0)

	require.NotNil(t, e.Evaluate(s, 55, ts))

	// Back below the threshold but inside the 2% deadband: still alarming.
	assert.NotNil(t, e.Evaluate(s, 49.5, ts))
	// Past threshold - 1.0: released.
	assert.Nil(t, e.Evaluate(s, 48.9, ts))
	// Raising again has no deadband.
	assert.NotNil(t, e.Evaluate(s, 50.1, ts))
}

func TestAbsoluteDeadbandWins(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0.02, 5, hBand(50, 0))
	ts := time.Unix(1000, 0)

	require.NotNil(t, e.Evaluate(s, 55, ts))
	// 2% would release at 48.9; the absolute margin holds until 45.
	assert.NotNil(t, e.Evaluate(s, 46, ts))
	assert.Nil(t, e.Evaluate(s, 44.9, ts))
}

func TestDebounceOnSignalTimestamps(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0, 0, hBand(50, 10))
	t0 := time.Unix(1000, 0)

	assert.Nil(t, e.Evaluate(s, 55, t0))
	assert.Nil(t, e.Evaluate(s, 55, t0.Add(5*time.Second)))
	assert.NotNil(t, e.Evaluate(s, 55, t0.Add(10*time.Second)))
}

func TestDebounceResetsWhenValueDips(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0, 0, hBand(50, 10))
	t0 := time.Unix(1000, 0)

	assert.Nil(t, e.Evaluate(s, 55, t0))
	assert.Nil(t, e.Evaluate(s, 40, t0.Add(5*time.Second)))
	assert.Nil(t, e.Evaluate(s, 55, t0.Add(6*time.Second)))
	assert.Nil(t, e.Evaluate(s, 55, t0.Add(15*time.Second)))
	assert.NotNil(t, e.Evaluate(s, 55, t0.Add(16*time.Second)))
}

func TestMostSevereBandWins(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0, 0,
		hBand(50, 0),
		schema.ThresholdBand{Level: schema.LevelHH, Value: 80, Priority: schema.PriorityP0, DelayS: 0},
	)
	ts := time.Unix(1000, 0)

	band := e.Evaluate(s, 85, ts)
	require.NotNil(t, band)
	assert.Equal(t, schema.PriorityP0, band.Priority)

	band = e.Evaluate(s, 70, ts)
	require.NotNil(t, band)
	assert.Equal(t, schema.PriorityP2, band.Priority)
}

func TestLowBandDeadband(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0.1, 0, schema.ThresholdBand{Level: schema.LevelL, Value: 10, Priority: schema.PriorityP3, DelayS: 0})
	ts := time.Unix(1000, 0)

	require.NotNil(t, e.Evaluate(s, 9, ts))
	// Must exceed 10 + 10% of 10 to release.
	assert.NotNil(t, e.Evaluate(s, 10.5, ts))
	assert.Nil(t, e.Evaluate(s, 11.1, ts))
}

func TestForgetDropsBandMemory(t *testing.T) {
	e := NewEvaluator(0.02)
	s := evalSensor(0, 5, hBand(50, 0))
	ts := time.Unix(1000, 0)

	require.NotNil(t, e.Evaluate(s, 55, ts))
	e.Forget(s.ID)
	// Without the crossed memory the deadband does not apply.
	assert.Nil(t, e.Evaluate(s, 49, ts))
}
