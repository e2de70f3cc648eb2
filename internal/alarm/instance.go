package alarm

import (
	"time"

	"github.com/microlink/mcs/internal/schema"
)

// Instance is one sensor's alarm, persisted across engine restarts. A sensor
// has at most one instance; band escalations update Priority in place.
type Instance struct {
	ID       string
	SensorID int64
	Key      schema.SensorKey

	State    State
	Priority schema.Priority
	Level    schema.ThresholdLevel

	Value     float64
	Threshold float64

	RaisedAt     time.Time
	LastSignalAt time.Time

	AckedBy string
	AckedAt *time.Time

	ShelvedBy    string
	ShelvedUntil *time.Time
	ShelveReason string

	// SuppressedBy is the sensor id of the cascade cause while SUPPRESSED.
	SuppressedBy int64

	// alarming mirrors the evaluator's view of the process condition. Cascade
	// cause selection and the clear path consult it.
	alarming bool
}

// OutboundEvent is the document published on the outbound channel for every
// transition the engine commits.
type OutboundEvent struct {
	TS        time.Time             `json:"ts"`
	AlarmID   string                `json:"alarm_id"`
	SensorID  int64                 `json:"sensor_id"`
	SiteID    string                `json:"site_id"`
	BlockID   string                `json:"block_id"`
	Subsystem string                `json:"subsystem"`
	Tag       string                `json:"tag"`
	Event     Event                 `json:"event"`
	From      State                 `json:"from"`
	To        State                 `json:"to"`
	Priority  schema.Priority       `json:"priority"`
	Level     schema.ThresholdLevel `json:"level,omitempty"`
	Value     float64               `json:"value"`
	Threshold float64               `json:"threshold"`
	Operator  string                `json:"operator,omitempty"`
	Reason    string                `json:"reason,omitempty"`
}

// FloodEvent is published when a block enters or leaves alarm flood.
type FloodEvent struct {
	TS      time.Time `json:"ts"`
	BlockID string    `json:"block_id"`
	Active  bool      `json:"active"`
	Count   int       `json:"count"`
	Dropped int       `json:"dropped,omitempty"`
}
