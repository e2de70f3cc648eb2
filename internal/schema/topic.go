package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// Topic families. All MCS traffic lives under the "microlink/" root so a
// single bridge subscription (microlink/#) captures everything.
const (
	TopicRoot = "microlink"

	HeartbeatLeaf       = "edge/heartbeat"
	CommandSegment      = "command"
	CommandResponseLeaf = "response"
	AlarmSegment        = "alarms"
)

// Subsystems is the closed set accepted on telemetry topics.
var Subsystems = map[string]bool{
	"electrical":     true,
	"thermal-l1":     true,
	"thermal-l2":     true,
	"thermal-l3":     true,
	"thermal-reject": true,
	"thermal-safety": true,
	"environmental":  true,
	"network":        true,
	"security":       true,
	"host-bms":       true,
}

var (
	idPattern  = regexp.MustCompile(`^[a-z0-9_-]+$`)
	tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// TopicError describes a topic that does not match the telemetry contract.
type TopicError struct {
	Topic  string
	Reason string
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("topic %q: %s", e.Topic, e.Reason)
}

// TelemetryTopic builds microlink/{site}/{block}/{subsystem}/{tag}.
func TelemetryTopic(k SensorKey) string {
	return strings.Join([]string{TopicRoot, k.Site, k.Block, k.Subsystem, k.Tag}, "/")
}

// AlarmTopic builds microlink/{site}/{block}/alarms/{priority}.
func AlarmTopic(site, block string, p Priority) string {
	return strings.Join([]string{TopicRoot, site, block, AlarmSegment, p.String()}, "/")
}

// HeartbeatTopic builds microlink/{site}/{block}/edge/heartbeat.
func HeartbeatTopic(site, block string) string {
	return strings.Join([]string{TopicRoot, site, block, HeartbeatLeaf}, "/")
}

// CommandTopic builds microlink/{site}/{block}/command/{kind}.
func CommandTopic(site, block, kind string) string {
	return strings.Join([]string{TopicRoot, site, block, CommandSegment, kind}, "/")
}

// CommandResponseTopic builds microlink/{site}/{block}/command/response.
func CommandResponseTopic(site, block string) string {
	return CommandTopic(site, block, CommandResponseLeaf)
}

// ParseTelemetryTopic validates and splits a telemetry topic into its
// SensorKey. Only microlink/{site}/{block}/{subsystem}/{tag} with the
// contract's character classes and the closed subsystem set is accepted.
func ParseTelemetryTopic(topic string) (SensorKey, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return SensorKey{}, &TopicError{Topic: topic, Reason: "expected 5 segments"}
	}
	if parts[0] != TopicRoot {
		return SensorKey{}, &TopicError{Topic: topic, Reason: "missing microlink root"}
	}
	site, block, subsystem, tag := parts[1], parts[2], parts[3], parts[4]
	for _, seg := range []string{site, block, subsystem} {
		if !idPattern.MatchString(seg) {
			return SensorKey{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("invalid segment %q", seg)}
		}
	}
	if !Subsystems[subsystem] {
		return SensorKey{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("unknown subsystem %q", subsystem)}
	}
	if !tagPattern.MatchString(tag) {
		return SensorKey{}, &TopicError{Topic: topic, Reason: fmt.Sprintf("invalid tag %q", tag)}
	}
	return SensorKey{Site: site, Block: block, Subsystem: subsystem, Tag: tag}, nil
}

// IsCommandTopic reports whether the topic belongs to the command family,
// and returns the command kind leaf when it does.
func IsCommandTopic(topic string) (kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != TopicRoot || parts[3] != CommandSegment {
		return "", false
	}
	return parts[4], true
}
