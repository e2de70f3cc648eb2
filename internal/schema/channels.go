package schema

// Redis pub/sub channels shared by the cloud processes.
const (
	// ChannelAlarmsInbound carries AlarmSignal documents from ingestd to the
	// alarm engine.
	ChannelAlarmsInbound = "mcs:alarms:inbound"
	// ChannelAlarmsOutbound carries committed alarm transitions from the
	// engine to the fan-out gateway.
	ChannelAlarmsOutbound = "mcs:alarms:outbound"

	telemetryChannelStem = "mcs:telemetry:"
)

// TelemetryChannel names the live per-block telemetry channel.
func TelemetryChannel(block string) string { return telemetryChannelStem + block }

// TelemetryChannelPattern matches every per-block telemetry channel.
func TelemetryChannelPattern() string { return telemetryChannelStem + "*" }

// TelemetryChannelBlock extracts the block id from a telemetry channel name.
// Returns "" for channels outside the telemetry namespace.
func TelemetryChannelBlock(channel string) string {
	if len(channel) <= len(telemetryChannelStem) || channel[:len(telemetryChannelStem)] != telemetryChannelStem {
		return ""
	}
	return channel[len(telemetryChannelStem):]
}
