// Package metrics groups the Prometheus collectors for each MCS component.
// Constructors take a Registerer so tests can use a private registry; nil
// falls back to the process-wide default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func factory(reg prometheus.Registerer) promauto.Factory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return promauto.With(reg)
}

// AdapterMetrics instruments the protocol adapter framework.
type AdapterMetrics struct {
	ReadLatency   *prometheus.HistogramVec
	ReadFailures  *prometheus.CounterVec
	CycleOverruns *prometheus.CounterVec
	PointsRead    *prometheus.CounterVec
	DeviceOnline  *prometheus.GaugeVec
	AlarmEdges    *prometheus.CounterVec
}

// NewAdapterMetrics registers the adapter collectors.
func NewAdapterMetrics(reg prometheus.Registerer) *AdapterMetrics {
	f := factory(reg)
	return &AdapterMetrics{
		ReadLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcs_adapter_read_latency_seconds",
			Help:    "End-to-end device read latency per poll cycle",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"device", "group"}),
		ReadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_adapter_read_failures_total",
			Help: "Point reads that returned an error",
		}, []string{"device"}),
		CycleOverruns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_adapter_cycle_overruns_total",
			Help: "Poll cycles that exceeded their group interval",
		}, []string{"group"}),
		PointsRead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_adapter_points_read_total",
			Help: "Point reads by resulting quality",
		}, []string{"device", "quality"}),
		DeviceOnline: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcs_adapter_device_online",
			Help: "1 when the device is online, 0 when offline",
		}, []string{"device"}),
		AlarmEdges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_adapter_alarm_edges_total",
			Help: "Source-side alarm edge events by action",
		}, []string{"action"}),
	}
}

// BridgeMetrics instruments the edge orchestrator.
type BridgeMetrics struct {
	Forwarded     prometheus.Counter
	Buffered      prometheus.Counter
	Replayed      prometheus.Counter
	ReplayAborts  prometheus.Counter
	BufferDepth   prometheus.Gauge
	CloudUp       prometheus.Gauge
	CommandsTotal *prometheus.CounterVec
}

// NewBridgeMetrics registers the bridge collectors.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	f := factory(reg)
	return &BridgeMetrics{
		Forwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_bridge_forwarded_total",
			Help: "Messages forwarded live to the cloud broker",
		}),
		Buffered: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_bridge_buffered_total",
			Help: "Messages diverted to the store-and-forward buffer",
		}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_bridge_replayed_total",
			Help: "Buffered messages replayed to the cloud broker",
		}),
		ReplayAborts: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_bridge_replay_aborts_total",
			Help: "Replays abandoned because the cloud link dropped",
		}),
		BufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcs_bridge_buffer_depth",
			Help: "Records currently queued in the store-and-forward buffer",
		}),
		CloudUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcs_bridge_cloud_connected",
			Help: "1 when the cloud broker link is up",
		}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_bridge_commands_total",
			Help: "Commands handled by kind and status",
		}, []string{"kind", "status"}),
	}
}

// IngestMetrics instruments the cloud ingestion path.
type IngestMetrics struct {
	Accepted      prometheus.Counter
	DeadLettered  *prometheus.CounterVec
	Overflow      prometheus.Counter
	InvalidAlarm  prometheus.Counter
	FlushRows     prometheus.Histogram
	FlushLatency  prometheus.Histogram
	FlushErrors   prometheus.Counter
	SignalsQueued prometheus.Counter
}

// NewIngestMetrics registers the ingestion collectors.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	f := factory(reg)
	return &IngestMetrics{
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_ingest_accepted_total",
			Help: "Messages accepted into the telemetry batch",
		}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_ingest_dead_lettered_total",
			Help: "Messages written to the dead-letter table by category",
		}, []string{"category"}),
		Overflow: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_ingest_overflow_total",
			Help: "Messages dropped at the batch high-water mark",
		}),
		InvalidAlarm: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_ingest_invalid_alarm_total",
			Help: "Telemetry messages carrying an unparseable alarm priority",
		}),
		FlushRows: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcs_ingest_flush_rows",
			Help:    "Rows written per batch flush",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
		}),
		FlushLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcs_ingest_flush_latency_seconds",
			Help:    "Bulk insert round-trip per flush",
			Buckets: prometheus.DefBuckets,
		}),
		FlushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_ingest_flush_errors_total",
			Help: "Batch flushes that failed and were returned to the buffer",
		}),
		SignalsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_ingest_alarm_signals_total",
			Help: "Alarm signals published to the inbound channel",
		}),
	}
}

// CacheMetrics instruments the sensor-key cache tiers.
type CacheMetrics struct {
	Hits   *prometheus.CounterVec
	Misses prometheus.Counter
}

// NewCacheMetrics registers the cache collectors.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	f := factory(reg)
	return &CacheMetrics{
		Hits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_sensorcache_hits_total",
			Help: "Sensor-key lookups resolved, by tier",
		}, []string{"tier"}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_sensorcache_misses_total",
			Help: "Sensor-key lookups that resolved nowhere",
		}),
	}
}

// AlarmMetrics instruments the alarm engine.
type AlarmMetrics struct {
	Transitions  *prometheus.CounterVec
	ActiveAlarms prometheus.Gauge
	Suppressed   prometheus.Counter
	Shelved      prometheus.Counter
	FloodEvents  prometheus.Counter
	FloodDropped prometheus.Counter
	StaleCleared prometheus.Counter
}

// NewAlarmMetrics registers the alarm engine collectors.
func NewAlarmMetrics(reg prometheus.Registerer) *AlarmMetrics {
	f := factory(reg)
	return &AlarmMetrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_alarm_transitions_total",
			Help: "State machine transitions by target state",
		}, []string{"to"}),
		ActiveAlarms: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcs_alarm_active",
			Help: "Alarm instances currently not CLEARED",
		}),
		Suppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_alarm_cascade_suppressed_total",
			Help: "Alarms suppressed by a cascade cause",
		}),
		Shelved: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_alarm_shelved_total",
			Help: "Operator shelve actions applied",
		}),
		FloodEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_alarm_flood_events_total",
			Help: "Flood windows detected per block",
		}),
		FloodDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_alarm_flood_dropped_total",
			Help: "P2/P3 raises suppressed inside a flood window",
		}),
		StaleCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "mcs_alarm_stale_cleared_total",
			Help: "Instances force-cleared by the stale monitor",
		}),
	}
}

// FanoutMetrics instruments the live fan-out gateway.
type FanoutMetrics struct {
	Subscribers prometheus.Gauge
	Delivered   *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

// NewFanoutMetrics registers the fan-out collectors.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	f := factory(reg)
	return &FanoutMetrics{
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcs_fanout_subscribers",
			Help: "WebSocket subscribers currently connected",
		}),
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_fanout_delivered_total",
			Help: "Messages delivered to subscribers by stream",
		}, []string{"stream"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcs_fanout_dropped_total",
			Help: "Messages dropped for slow subscribers by stream",
		}, []string{"stream"}),
	}
}
