package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// PayloadError describes a telemetry payload that fails the §6 contract.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string { return "payload: " + e.Reason }

// TelemetryPayload is the JSON body published on telemetry topics.
type TelemetryPayload struct {
	TS    time.Time `json:"ts"`
	V     float64   `json:"v"`
	U     string    `json:"u,omitempty"`
	Q     Quality   `json:"q,omitempty"`
	Alarm *Priority `json:"alarm,omitempty"`
	Seq   uint64    `json:"seq"`
}

// rawTelemetry mirrors TelemetryPayload with lax types so parsing can return
// contract-specific errors instead of opaque json ones.
type rawTelemetry struct {
	TS    *string  `json:"ts"`
	V     *float64 `json:"v"`
	U     string   `json:"u"`
	Q     string   `json:"q"`
	Alarm *string  `json:"alarm"`
	Seq   uint64   `json:"seq"`
}

// ParseTelemetryPayload validates and decodes a telemetry payload.
//
// An invalid alarm priority is NOT an error here: the measurement is still
// good telemetry. The caller receives alarmInvalid=true and counts it.
func ParseTelemetryPayload(data []byte) (p TelemetryPayload, alarmInvalid bool, err error) {
	var raw rawTelemetry
	if err := json.Unmarshal(data, &raw); err != nil {
		return p, false, &PayloadError{Reason: "malformed json: " + err.Error()}
	}
	if raw.TS == nil {
		return p, false, &PayloadError{Reason: "missing ts"}
	}
	if raw.V == nil {
		return p, false, &PayloadError{Reason: "missing v"}
	}
	ts, terr := time.Parse(time.RFC3339Nano, *raw.TS)
	if terr != nil {
		return p, false, &PayloadError{Reason: fmt.Sprintf("bad ts %q", *raw.TS)}
	}
	if math.IsNaN(*raw.V) || math.IsInf(*raw.V, 0) {
		return p, false, &PayloadError{Reason: "v is not finite"}
	}
	q, qerr := ParseQuality(raw.Q)
	if qerr != nil {
		return p, false, &PayloadError{Reason: qerr.Error()}
	}
	p = TelemetryPayload{TS: ts, V: *raw.V, U: raw.U, Q: q, Seq: raw.Seq}
	if raw.Alarm != nil && *raw.Alarm != "" {
		prio, aerr := ParsePriority(*raw.Alarm)
		if aerr != nil {
			return p, true, nil
		}
		p.Alarm = &prio
	}
	return p, false, nil
}

// AlarmEventPayload is published on microlink/{site}/{block}/alarms/{priority}
// by the edge adapters when a source-side threshold edge is detected.
type AlarmEventPayload struct {
	TS          time.Time   `json:"ts"`
	AlarmID     string      `json:"alarm_id"`
	Action      AlarmAction `json:"action"`
	Priority    Priority    `json:"priority"`
	SensorTag   string      `json:"sensor_tag"`
	Subsystem   string      `json:"subsystem"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	Direction   Direction   `json:"direction"`
	Description string      `json:"description,omitempty"`
}

// CommandPayload arrives on microlink/{site}/{block}/command/{kind}.
type CommandPayload struct {
	Cmd       string                 `json:"cmd"`
	RequestID string                 `json:"request_id"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// CommandStatus is the outcome field of a command response.
type CommandStatus string

const (
	CommandAccepted CommandStatus = "accepted"
	CommandRejected CommandStatus = "rejected"
	CommandError    CommandStatus = "error"
)

// CommandResponse is posted to microlink/{site}/{block}/command/response.
type CommandResponse struct {
	RequestID string                 `json:"request_id"`
	Status    CommandStatus          `json:"status"`
	Reason    string                 `json:"reason,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
}

// AdapterStatus is one adapter's entry inside the heartbeat.
type AdapterStatus struct {
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	Restarts int    `json:"restarts"`
}

// BufferStatus reports the store-and-forward buffer inside the heartbeat.
type BufferStatus struct {
	Depth          int        `json:"depth"`
	Capacity       int        `json:"capacity"`
	OldestTS       *time.Time `json:"oldest_ts,omitempty"`
	CloudConnected bool       `json:"cloud_connected"`
	ReplayActive   bool       `json:"replay_active"`
}

// SystemStatus reports host health inside the heartbeat.
type SystemStatus struct {
	CPUPct  float64 `json:"cpu_pct"`
	MemPct  float64 `json:"mem_pct"`
	DiskPct float64 `json:"disk_pct"`
	TempC   float64 `json:"temp_c"`
}

// Heartbeat is the retained edge status document.
type Heartbeat struct {
	EdgeID   string                   `json:"edge_id"`
	TS       time.Time                `json:"ts"`
	UptimeS  int64                    `json:"uptime_s"`
	Adapters map[string]AdapterStatus `json:"adapters"`
	Buffer   BufferStatus             `json:"buffer"`
	System   SystemStatus             `json:"system"`
}
