// Package adapter is the protocol adapter framework: per-group polling
// loops, quality tagging, source-side threshold evaluation with debounce,
// alarm-edge detection, and publication to the local broker.
//
// Protocol specifics live in the subpackages (modbus, snmpadapter, bacnet);
// each implements Reader and is injected per device.
package adapter

import (
	"context"

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/schema"
)

// Reading is one raw value delivered by a Reader, before scale/offset and
// plausibility mapping.
type Reading struct {
	Value   float64
	Quality schema.Quality
}

// Reader is the capability set every protocol driver implements.
type Reader interface {
	// Connect establishes the device session. Called at startup and again
	// by the reconnect loop after the device goes offline.
	Connect(ctx context.Context) error

	// ReadPoint reads one mapped point. A returned error marks the read
	// failed; the framework publishes BAD quality for the interval.
	ReadPoint(ctx context.Context, pt config.PointConfig) (Reading, error)

	Close() error
}

// COVReader is implemented by drivers that support change-of-value
// subscriptions (BACnet). The framework subscribes where the mapping asks
// for it and falls back to polling when the subscription fails.
type COVReader interface {
	Reader

	// SubscribeCOV registers a push callback for the point and returns a
	// cancel function. The driver renews the subscription before lifetime
	// expiry for as long as ctx lives.
	SubscribeCOV(ctx context.Context, pt config.PointConfig, deliver func(Reading)) (cancel func(), err error)
}
