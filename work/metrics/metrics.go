package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BufferHealth is the most recent buffered-ahead measurement in seconds.
var BufferHealth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_buffer_health_seconds",
	Help: "Seconds of media buffered ahead of the playback position",
})

// DroppedFrames is the dropped frame count reported by the playback surface.
var DroppedFrames = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_dropped_frames",
	Help: "Dropped frames reported by the playback backend",
})

// ThroughputEstimate is the EWMA bandwidth estimate in bytes per second.
var ThroughputEstimate = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_throughput_bytes_per_second",
	Help: "Exponentially weighted throughput estimate",
})

// Probes counts throughput probes by result (ok, failed, not_partial, busy).
var Probes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_zap_throughput_probes_total",
	Help: "Throughput probes by result",
}, []string{"result"})

// PreloadEntries is the number of live preload cache entries.
var PreloadEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_preload_entries",
	Help: "Entries held by the preload cache",
})

// PreloadBytes is the number of bytes held by preload entries.
var PreloadBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_preload_bytes",
	Help: "Bytes loaded by preload cache entries",
})

// PreloadLookups counts cache lookups by result (hit, miss).
var PreloadLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_zap_preload_lookups_total",
	Help: "Preload cache lookups by result",
}, []string{"result"})

// PreloadEvictions counts entries removed by LRU or byte budget.
var PreloadEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_zap_preload_evictions_total",
	Help: "Preload cache evictions by reason",
}, []string{"reason"})

// PreloadFailures counts preload elements that failed to initialize.
var PreloadFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_zap_preload_failures_total",
	Help: "Preload element creations that failed",
})

// CurrentTier is the ordinal of the tier applied to the backend (0 = lowest).
var CurrentTier = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_current_tier",
	Help: "Ordinal of the quality tier currently applied",
})

// LevelCoercions counts backend level proposals clamped into the allowed tiers.
var LevelCoercions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_zap_level_coercions_total",
	Help: "Backend level switches coerced into the allowed tier set",
})

// FailoverState is the ordinal of the failover state (0 playing, 1 stalled, 2 recovering, 3 dead).
var FailoverState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_failover_state",
	Help: "Failover state machine state",
})

// Failovers counts recovery outcomes (recovered, exhausted, ignored).
var Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_zap_failovers_total",
	Help: "Failover recoveries by outcome",
}, []string{"outcome"})

// SourceFailures counts sources marked failed.
var SourceFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_zap_source_failures_total",
	Help: "Source URLs marked failed",
})

// Stalls counts watchdog stall detections.
var Stalls = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_zap_stalls_total",
	Help: "Stalls detected by the dead-channel watchdog",
})

// DeadChannels is the number of channels currently quarantined by the watchdog.
var DeadChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_zap_dead_channels",
	Help: "Channels quarantined as dead",
})

// ChannelSwitches counts switches by how the source was resolved (cache, direct, resolver, blend, failed).
var ChannelSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_zap_channel_switches_total",
	Help: "Channel switches by resolution path",
}, []string{"path"})
