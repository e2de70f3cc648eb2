package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryTopicRoundTrip(t *testing.T) {
	key := SensorKey{Site: "ml-tx1", Block: "blk-03", Subsystem: "thermal-l2", Tag: "ML-PUMP-A-SPEED"}
	topic := TelemetryTopic(key)
	assert.Equal(t, "microlink/ml-tx1/blk-03/thermal-l2/ML-PUMP-A-SPEED", topic)

	parsed, err := ParseTelemetryTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseTelemetryTopicRejects(t *testing.T) {
	cases := []struct {
		name  string
		topic string
	}{
		{"too few segments", "microlink/site/block/electrical"},
		{"too many segments", "microlink/site/block/electrical/TAG/extra"},
		{"wrong root", "telemetry/site/block/electrical/TAG"},
		{"uppercase site", "microlink/SITE/block/electrical/TAG"},
		{"unknown subsystem", "microlink/site/block/hydraulic/TAG"},
		{"bad tag chars", "microlink/site/block/electrical/TAG.1"},
		{"empty tag", "microlink/site/block/electrical/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTelemetryTopic(tc.topic)
			require.Error(t, err)
			var topicErr *TopicError
			assert.ErrorAs(t, err, &topicErr)
		})
	}
}

func TestAlarmAndCommandTopics(t *testing.T) {
	assert.Equal(t, "microlink/s1/b1/alarms/P2", AlarmTopic("s1", "b1", PriorityP2))
	assert.Equal(t, "microlink/s1/b1/edge/heartbeat", HeartbeatTopic("s1", "b1"))
	assert.Equal(t, "microlink/s1/b1/command/response", CommandResponseTopic("s1", "b1"))

	kind, ok := IsCommandTopic("microlink/s1/b1/command/config_reload")
	require.True(t, ok)
	assert.Equal(t, "config_reload", kind)

	_, ok = IsCommandTopic("microlink/s1/b1/electrical/TAG")
	assert.False(t, ok)
}
