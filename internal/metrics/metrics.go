package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The process owns a single registry with an explicit Init/Reset lifecycle so
// tests start from a clean slate. Label values are identifiers and enum-like
// reasons only; request bodies and ciphertext never become labels.
var (
	mu  sync.Mutex
	reg *prometheus.Registry

	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed prometheus.Counter
	DisconnectsTotal  *prometheus.CounterVec

	// Frame metrics
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	SlowConsumers  prometheus.Counter

	// Ingest metrics
	IngestTotal    *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	FanoutDropped  prometheus.Counter

	// Replay metrics
	ReplaySessions prometheus.Counter
	ReplayMessages prometheus.Counter

	// Cache metrics
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheErrors      prometheus.Counter
	CacheInvalidates prometheus.Counter

	// Rate limiter metrics
	RateLimitRejections *prometheus.CounterVec
	RateLimitFailOpen   prometheus.Counter
)

func init() { Init() }

// Init builds all collectors on a fresh registry. Safe to call repeatedly;
// each call discards the previous registry (tests rely on this).
func Init() {
	mu.Lock()
	defer mu.Unlock()
	initLocked()
}

func initLocked() {
	reg = prometheus.NewRegistry()

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_ws_connections_total",
		Help: "Total WebSocket connections established",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veild_ws_connections_active",
		Help: "Current active WebSocket connections",
	})
	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_ws_connections_failed_total",
		Help: "Total rejected or failed connection attempts",
	})
	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veild_ws_disconnects_total",
		Help: "Disconnections by reason and initiator",
	}, []string{"reason", "initiated_by"})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_ws_frames_sent_total",
		Help: "Total frames written to clients",
	})
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_ws_frames_received_total",
		Help: "Total frames read from clients",
	})
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veild_ws_frames_dropped_total",
		Help: "Frames dropped by reason",
	}, []string{"reason"})
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_ws_slow_consumers_total",
		Help: "Sessions closed for exceeding the drop threshold",
	})

	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veild_ingest_total",
		Help: "Ingest outcomes by result",
	}, []string{"result"})
	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "veild_ingest_duration_seconds",
		Help:    "Latency of the send pipeline",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 1.5},
	})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_fanout_dropped_total",
		Help: "Fan-out tasks dropped because the worker queue was full",
	})

	ReplaySessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_replay_sessions_total",
		Help: "Resume replays started",
	})
	ReplayMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_replay_messages_total",
		Help: "Messages streamed by the replay engine",
	})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veild_cache_hits_total",
		Help: "Cache hits by layer",
	}, []string{"layer"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veild_cache_misses_total",
		Help: "Cache misses by layer",
	}, []string{"layer"})
	CacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_cache_errors_total",
		Help: "Swallowed cache backend errors",
	})
	CacheInvalidates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_cache_invalidations_total",
		Help: "Invalidation envelopes applied from peers",
	})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veild_ratelimit_rejections_total",
		Help: "Rate limit rejections by route",
	}, []string{"route"})
	RateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veild_ratelimit_fail_open_total",
		Help: "Decisions taken by the local fail-open path",
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ConnectionsTotal, ConnectionsActive, ConnectionsFailed, DisconnectsTotal,
		FramesSent, FramesReceived, FramesDropped, SlowConsumers,
		IngestTotal, IngestDuration, FanoutDropped,
		ReplaySessions, ReplayMessages,
		CacheHits, CacheMisses, CacheErrors, CacheInvalidates,
		RateLimitRejections, RateLimitFailOpen,
	)
}

// Reset reinitializes the registry. Tests call this between cases so counter
// state never leaks across them.
func Reset() { Init() }

// Handler serves the Prometheus exposition for the current registry.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		initLocked()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
