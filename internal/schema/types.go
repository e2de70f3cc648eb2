// Package schema holds the wire and storage contracts shared by every MCS
// process: measurement tuples, alarm signals, sensor metadata, topic naming,
// and the payload codecs for the broker-facing JSON formats.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Quality classifies a measurement. Stored as an integer, serialized on the
// wire as a string.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "GOOD"
	case QualityUncertain:
		return "UNCERTAIN"
	case QualityBad:
		return "BAD"
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// ParseQuality maps the wire string to a Quality. Empty string defaults to
// GOOD per the telemetry contract.
func ParseQuality(s string) (Quality, error) {
	switch s {
	case "", "GOOD":
		return QualityGood, nil
	case "UNCERTAIN":
		return QualityUncertain, nil
	case "BAD":
		return QualityBad, nil
	}
	return QualityGood, fmt.Errorf("unknown quality %q", s)
}

func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *Quality) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseQuality(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Priority is the alarm priority band. P0 is the most severe.
type Priority int

const (
	PriorityP0 Priority = iota
	PriorityP1
	PriorityP2
	PriorityP3
)

func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	case PriorityP3:
		return "P3"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority maps a wire string ("P0".."P3") to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "P0":
		return PriorityP0, nil
	case "P1":
		return PriorityP1, nil
	case "P2":
		return PriorityP2, nil
	case "P3":
		return PriorityP3, nil
	}
	return PriorityP3, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalYAML accepts the wire form ("P0".."P3") in config documents.
func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MoreSevere reports whether p outranks q (P0 outranks P1, and so on).
func (p Priority) MoreSevere(q Priority) bool { return p < q }

// Direction is the side of a threshold an alarm was raised on.
type Direction string

const (
	DirectionHigh Direction = "HIGH"
	DirectionLow  Direction = "LOW"
	DirectionBool Direction = "BOOL"
)

// AlarmAction is the edge-detected transition published by an adapter.
type AlarmAction string

const (
	ActionRaised    AlarmAction = "RAISED"
	ActionEscalated AlarmAction = "ESCALATED"
	ActionCleared   AlarmAction = "CLEARED"
)

// SensorKey is the external 4-tuple identity of a sensor. Internally it
// resolves to a dense int64 id through the registry.
type SensorKey struct {
	Site      string
	Block     string
	Subsystem string
	Tag       string
}

func (k SensorKey) String() string {
	return k.Site + "/" + k.Block + "/" + k.Subsystem + "/" + k.Tag
}

// Measurement is the normalized reading every adapter produces and the
// ingestor persists.
type Measurement struct {
	Time    time.Time
	Key     SensorKey
	Value   float64
	Quality Quality
}

// Valid reports whether the measurement value is storable. NaN and
// infinities are rejected at every boundary.
func (m Measurement) Valid() bool {
	return !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0)
}

// AlarmSignal is the observation rider extracted by the ingestor and pushed
// onto the inbound alarm channel. It is not an alarm by itself.
type AlarmSignal struct {
	SensorID  int64     `json:"sensor_id"`
	Priority  Priority  `json:"priority"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	SiteID    string    `json:"site_id"`
	BlockID   string    `json:"block_id"`
	Subsystem string    `json:"subsystem"`
	Tag       string    `json:"tag"`
}

// Key reconstructs the external 4-tuple carried in the signal.
func (s AlarmSignal) Key() SensorKey {
	return SensorKey{Site: s.SiteID, Block: s.BlockID, Subsystem: s.Subsystem, Tag: s.Tag}
}
