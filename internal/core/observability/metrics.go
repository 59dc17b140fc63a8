// Package observability holds the process-wide Prometheus collectors and the
// helpers components use to record into them.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var disabled atomic.Bool

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mocgen_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moc_builds_total",
			Help: "Finished MOC builds by outcome.",
		},
		[]string{"outcome"},
	)

	buildDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moc_build_duration_seconds",
			Help:    "Wall time of MOC builds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		},
		[]string{"outcome"},
	)

	buildCells = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moc_build_cells",
			Help:    "Number of cells in successful MOCs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		},
	)

	planeRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moc_plane_rows_total",
			Help: "Rows, pixels or sources ingested per plane kind and result.",
		},
		[]string{"kind", "result"},
	)

	jobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moc_jobs_inflight",
			Help: "Build jobs queued or running.",
		},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	storeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moc_store_lookups_total",
			Help: "Tile and MOC store lookups by store and outcome.",
		},
		[]string{"store", "outcome"},
	)

	kafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moc_kafka_messages_total",
			Help: "Kafka messages by direction and result.",
		},
		[]string{"direction", "result"},
	)

	collectors = []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, buildInfo,
		buildsTotal, buildDurationSeconds, buildCells, planeRows, jobsInflight,
		redisOpDuration, storeLookups, kafkaMessages,
	}
)

func init() {
	for _, c := range collectors {
		prometheus.MustRegister(c)
	}
}

// Init registers the collectors with reg as well as the default registry.
// When enabled is false every helper becomes a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	disabled.Store(!enabled)
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if disabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

// ObserveBuild records a terminal build. cells is ignored unless the build succeeded.
func ObserveBuild(outcome string, durationSeconds float64, cells int) {
	if disabled.Load() {
		return
	}
	buildsTotal.WithLabelValues(outcome).Inc()
	buildDurationSeconds.WithLabelValues(outcome).Observe(durationSeconds)
	if outcome == "succeeded" {
		buildCells.Observe(float64(cells))
	}
}

func AddPlaneRows(kind string, inserted, skipped int) {
	if disabled.Load() {
		return
	}
	if inserted > 0 {
		planeRows.WithLabelValues(kind, "inserted").Add(float64(inserted))
	}
	if skipped > 0 {
		planeRows.WithLabelValues(kind, "skipped").Add(float64(skipped))
	}
}

func IncJobsInflight() {
	if !disabled.Load() {
		jobsInflight.Inc()
	}
}

func DecJobsInflight() {
	if !disabled.Load() {
		jobsInflight.Dec()
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if disabled.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	redisOpDuration.WithLabelValues(op, result).Observe(durationSeconds)
}

// IncStoreLookup counts a store read; outcome is "hit" or "miss".
func IncStoreLookup(store, outcome string) {
	if !disabled.Load() {
		storeLookups.WithLabelValues(store, outcome).Inc()
	}
}

// IncKafka counts a message; direction is "produced" or "consumed".
func IncKafka(direction, result string) {
	if !disabled.Load() {
		kafkaMessages.WithLabelValues(direction, result).Inc()
	}
}
