package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsRegOnce sync.Once

	sourcesGauge        prometheus.Gauge
	subscribersGauge     *prometheus.GaugeVec
	cacheHitCounter      *prometheus.CounterVec
	cacheMissCounter     *prometheus.CounterVec
	fragmentsRecvCounter *prometheus.CounterVec
	fragmentsSentCounter    *prometheus.CounterVec
	fragmentsDroppedCounter *prometheus.CounterVec
	catchupCounter          *prometheus.CounterVec
	fanoutLatency           *prometheus.HistogramVec
)

func registerMetricsOnce() {
	metricsRegOnce.Do(func() {
		sourcesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicrq",
			Name:      "sources_active",
			Help:      "Number of sources currently registered with the relay.",
		})
		subscribersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quicrq",
			Name:      "subscribers_active",
			Help:      "Number of subscriber streams currently bound to a source.",
		}, []string{"source"})
		cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicrq",
			Name:      "cache_hits_total",
			Help:      "Fragment lookups served directly from the local cache.",
		}, []string{"source"})
		cacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicrq",
			Name:      "cache_misses_total",
			Help:      "Fragment lookups that required an upstream pull.",
		}, []string{"source"})
		fragmentsRecvCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicrq",
			Name:      "fragments_received_total",
			Help:      "Fragments proposed into a source's cache.",
		}, []string{"source"})
		fragmentsSentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicrq",
			Name:      "fragments_sent_total",
			Help:      "Fragments emitted to subscribers of a source.",
		}, []string{"source"})
		fragmentsDroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicrq",
			Name:      "fragments_dropped_total",
			Help:      "Fragments dropped by the congestion evaluator instead of being sent.",
		}, []string{"source"})
		catchupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicrq",
			Name:      "catchup_objects_total",
			Help:      "Objects delivered out of sequence to bring a late subscriber current.",
		}, []string{"source"})
		fanoutLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quicrq",
			Name:      "fanout_latency_seconds",
			Help:      "Latency of a named relay stage, per source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "stage"})

		prometheus.MustRegister(
			sourcesGauge, subscribersGauge, cacheHitCounter, cacheMissCounter,
			fragmentsRecvCounter, fragmentsSentCounter, fragmentsDroppedCounter,
			catchupCounter, fanoutLatency,
		)
	})
}

// IncSources increments the active-source gauge.
func IncSources() {
	if !MetricsEnabled() {
		return
	}
	sourcesGauge.Inc()
}

// DecSources decrements the active-source gauge.
func DecSources() {
	if !MetricsEnabled() {
		return
	}
	sourcesGauge.Dec()
}

// LatencyObserver records a single latency sample. Recorder.LatencyObs
// returns nil when metrics are disabled, so callers must nil-check before
// calling Observe (matching the pattern used throughout this package).
type LatencyObserver interface {
	Observe(seconds float64)
}

// Recorder aggregates every metric emitted on behalf of one source (URL).
type Recorder struct {
	source string
}

// NewRecorder creates a Recorder for source. It is always safe to create
// and use, whether or not metrics are enabled.
func NewRecorder(source string) *Recorder {
	return &Recorder{source: source}
}

// FragmentReceived records one fragment proposed into the source's cache.
func (r *Recorder) FragmentReceived() {
	if !MetricsEnabled() {
		return
	}
	fragmentsRecvCounter.WithLabelValues(r.source).Inc()
}

// CacheHit records a fragment lookup served from the local cache.
func (r *Recorder) CacheHit() {
	if !MetricsEnabled() {
		return
	}
	cacheHitCounter.WithLabelValues(r.source).Inc()
}

// CacheMiss records a fragment lookup that required an upstream pull.
func (r *Recorder) CacheMiss() {
	if !MetricsEnabled() {
		return
	}
	cacheMissCounter.WithLabelValues(r.source).Inc()
}

// Catchup records n objects delivered out of sequence to bring a late
// subscriber current.
func (r *Recorder) Catchup(n int) {
	if !MetricsEnabled() {
		return
	}
	catchupCounter.WithLabelValues(r.source).Add(float64(n))
}

// IncSubscribers increments the subscriber gauge for this source.
func (r *Recorder) IncSubscribers() {
	if !MetricsEnabled() {
		return
	}
	subscribersGauge.WithLabelValues(r.source).Inc()
}

// DecSubscribers decrements the subscriber gauge for this source.
func (r *Recorder) DecSubscribers() {
	if !MetricsEnabled() {
		return
	}
	subscribersGauge.WithLabelValues(r.source).Dec()
}

// SetSubscribers sets the subscriber gauge for this source to an absolute
// value, used after a bulk reconciliation.
func (r *Recorder) SetSubscribers(n int) {
	if !MetricsEnabled() {
		return
	}
	subscribersGauge.WithLabelValues(r.source).Set(float64(n))
}

// FragmentsSent records latency, fragments sent, and fragments dropped for
// one fan-out pass over this source's subscribers.
func (r *Recorder) FragmentsSent(elapsed time.Duration, sent, dropped int) {
	if !MetricsEnabled() {
		return
	}
	fragmentsSentCounter.WithLabelValues(r.source).Add(float64(sent))
	fragmentsDroppedCounter.WithLabelValues(r.source).Add(float64(dropped))
	fanoutLatency.WithLabelValues(r.source, "fanout").Observe(elapsedSeconds(elapsed))
}

// LatencyObs returns an observer for a named stage's latency (e.g.
// "receive", "reassemble"), or nil if metrics are disabled.
func (r *Recorder) LatencyObs(stage string) LatencyObserver {
	if !MetricsEnabled() {
		return nil
	}
	return fanoutLatency.WithLabelValues(r.source, stage)
}
