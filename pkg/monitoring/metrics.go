package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the verification service
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	runsTotal           *prometheus.CounterVec
	checksTotal         *prometheus.CounterVec
	collaboratorErrors  *prometheus.CounterVec
	tierDuration        *prometheus.HistogramVec
	fraudScore          prometheus.Histogram
	duplicatesTotal     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxverify_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rxverify_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxverify_runs_total",
				Help: "Verification runs by final status",
			},
			[]string{"status"},
		),
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxverify_checks_total",
				Help: "Evaluated checks by tier, name and result",
			},
			[]string{"tier", "check", "passed"},
		),
		collaboratorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxverify_collaborator_errors_total",
				Help: "Failed or timed out calls to external collaborators",
			},
			[]string{"collaborator"},
		),
		tierDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rxverify_tier_duration_seconds",
				Help:    "Duration of each verification tier",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tier"},
		),
		fraudScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rxverify_fraud_score",
				Help:    "Distribution of computed fraud scores",
				Buckets: []float64{0, 10, 25, 50, 70, 90, 100},
			},
		),
		duplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxverify_duplicates_total",
				Help: "Duplicate matches found by match type",
			},
			[]string{"match_type", "cross_patient"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.runsTotal,
		m.checksTotal,
		m.collaboratorErrors,
		m.tierDuration,
		m.fraudScore,
		m.duplicatesTotal,
	)
	return m
}

// RecordRun counts a finished run by its resulting verification status
func (m *Metrics) RecordRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

// RecordCheck counts one evaluated check
func (m *Metrics) RecordCheck(tier int, name string, passed bool) {
	m.checksTotal.WithLabelValues(strconv.Itoa(tier), name, strconv.FormatBool(passed)).Inc()
}

// RecordCollaboratorError counts a degraded collaborator call
func (m *Metrics) RecordCollaboratorError(collaborator string) {
	m.collaboratorErrors.WithLabelValues(collaborator).Inc()
}

// ObserveTier records how long a tier took
func (m *Metrics) ObserveTier(tier int, d time.Duration) {
	m.tierDuration.WithLabelValues(strconv.Itoa(tier)).Observe(d.Seconds())
}

// ObserveFraudScore records a computed fraud score
func (m *Metrics) ObserveFraudScore(score float64) {
	m.fraudScore.Observe(score)
}

// RecordDuplicate counts a duplicate match
func (m *Metrics) RecordDuplicate(matchType string, crossPatient bool) {
	m.duplicatesTotal.WithLabelValues(matchType, strconv.FormatBool(crossPatient)).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request metrics labelled by chi route pattern so
// path parameters do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapper.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
