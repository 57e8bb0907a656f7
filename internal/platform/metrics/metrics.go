package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the recorder. It
// satisfies the engine's metrics hook.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	errorsTotal        prometheus.Counter
	rotationsRequested prometheus.Counter
	activeRecordings   prometheus.Gauge
	unitsWritten       *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	transitionDuration prometheus.Histogram
	segmentsFinalized  prometheus.Counter
	segmentsRegistered prometheus.Counter
	warnings           *prometheus.CounterVec
	writeErrors        prometheus.Counter
	openSlots          prometheus.Gauge
	verifierDropped    prometheus.Gauge
	verifierBacklog    prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmenter_http_requests_total",
			Help: "Total number of HTTP requests received",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segmenter_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmenter_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		rotationsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmenter_rotations_requested_total",
			Help: "Total number of manual rotations requested over HTTP",
		}),
		activeRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmenter_active_recordings",
			Help: "Number of recordings that have not ended",
		}),
		unitsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmenter_units_written_total",
			Help: "Access units written to segments, duplicates counted separately",
		}, []string{"track", "duplicate"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmenter_transitions_total",
			Help: "Completed segment transitions",
		}, []string{"reason", "overlapped"}),
		transitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "segmenter_transition_duration_seconds",
			Help:    "Time from cut request until the retiring segment stopped receiving units",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}),
		segmentsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmenter_segments_finalized_total",
			Help: "Total number of segment files finalized",
		}),
		segmentsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmenter_segments_registered_total",
			Help: "Total number of segments added to a playlist index",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmenter_warnings_total",
			Help: "Engine warnings by kind",
		}, []string{"kind"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmenter_write_errors_total",
			Help: "Total number of failed segment writes",
		}),
		openSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmenter_open_slots",
			Help: "Number of segment slots holding an open writer",
		}),
		verifierDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmenter_verifier_dropped_entries",
			Help: "Ledger entries lost to verifier backlog",
		}),
		verifierBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmenter_verifier_backlog",
			Help: "Ledger entries waiting for the verifier",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.rotationsRequested,
		m.activeRecordings,
		m.unitsWritten,
		m.transitions,
		m.transitionDuration,
		m.segmentsFinalized,
		m.segmentsRegistered,
		m.warnings,
		m.writeErrors,
		m.openSlots,
		m.verifierDropped,
		m.verifierBacklog,
	)
	return m
}

// ObserveRequest counts one HTTP request and its latency. Responses with
// status 400 or above also count as errors.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	if status >= http.StatusBadRequest {
		m.errorsTotal.Inc()
	}
}

// IncRotationsRequested increments the manual rotation counter.
func (m *Metrics) IncRotationsRequested() {
	m.rotationsRequested.Inc()
}

// IncSegmentsRegistered increments the registered segments counter.
func (m *Metrics) IncSegmentsRegistered() {
	m.segmentsRegistered.Inc()
}

// SetActiveRecordings sets the active recordings gauge.
func (m *Metrics) SetActiveRecordings(n int) {
	m.activeRecordings.Set(float64(n))
}

// SetVerifier sets the verifier gauges.
func (m *Metrics) SetVerifier(dropped uint64, backlog int) {
	m.verifierDropped.Set(float64(dropped))
	m.verifierBacklog.Set(float64(backlog))
}

func (m *Metrics) UnitWritten(track string, duplicate bool) {
	m.unitsWritten.WithLabelValues(track, strconv.FormatBool(duplicate)).Inc()
}

func (m *Metrics) TransitionCompleted(reason string, overlapped bool, d time.Duration) {
	m.transitions.WithLabelValues(reason, strconv.FormatBool(overlapped)).Inc()
	m.transitionDuration.Observe(d.Seconds())
}

func (m *Metrics) SegmentFinalized() {
	m.segmentsFinalized.Inc()
}

func (m *Metrics) Warning(kind string) {
	m.warnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) WriteError() {
	m.writeErrors.Inc()
}

func (m *Metrics) OpenSlots(n int) {
	m.openSlots.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
