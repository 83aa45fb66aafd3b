package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics exposed by the streaming engine.
type Metrics struct {
	// Cache metrics
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheWrites  prometheus.Counter
	CacheEvicted prometheus.Counter

	// Streaming metrics
	BytesStreamed  prometheus.Counter
	AppendsTotal   prometheus.Counter
	ActiveSessions prometheus.Gauge
	PlaybackStarts prometheus.Counter

	// Error metrics by taxonomy code
	Errors *prometheus.CounterVec
}

// NewMetrics creates and registers engine metrics on the given registerer.
// Pass prometheus.DefaultRegisterer for process-global registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_cache_hits_total",
			Help: "Total number of cache lookups served from the persistent cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_cache_misses_total",
			Help: "Total number of cache lookups that fell through to the network",
		}),
		CacheWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_cache_writes_total",
			Help: "Total number of payloads written to the persistent cache",
		}),
		CacheEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_cache_evicted_total",
			Help: "Total number of cache entries removed by cleanup",
		}),
		BytesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_bytes_streamed_total",
			Help: "Total payload bytes delivered to the playback path",
		}),
		AppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_sink_appends_total",
			Help: "Total number of decode-sink append operations",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resono_active_sessions",
			Help: "Current number of active buffer sessions (0 or 1)",
		}),
		PlaybackStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "resono_playback_starts_total",
			Help: "Total number of playback starts",
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resono_errors_total",
			Help: "Total number of errors by taxonomy code",
		}, []string{"code"}),
	}
}

// NopMetrics returns metrics registered on a throwaway registry, for callers
// that do not collect metrics.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
