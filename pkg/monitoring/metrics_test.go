package monitoring_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/rx-verification/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_HandlerExposesRecordedValues(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())

	m.RecordRun("APPROVED")
	m.RecordCheck(1, "File Size", false)
	m.RecordCollaboratorError("ocr")
	m.ObserveFraudScore(40)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, `rxverify_runs_total{status="APPROVED"} 1`)
	assert.Contains(t, body, `rxverify_checks_total{check="File Size",passed="false",tier="1"} 1`)
	assert.Contains(t, body, `rxverify_collaborator_errors_total{collaborator="ocr"} 1`)
}

func TestMetrics_HTTPMiddlewareUsesRoutePattern(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.Get("/api/v1/prescriptions/{id}/verification", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/abc/verification", nil))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	line := ""
	for _, l := range strings.Split(rr.Body.String(), "\n") {
		if strings.HasPrefix(l, "rxverify_http_requests_total{") {
			line = l
		}
	}
	assert.Contains(t, line, `route="/api/v1/prescriptions/{id}/verification"`)
	assert.Contains(t, line, `status_code="404"`)
}

func TestInitSentry_EmptyDSN(t *testing.T) {
	reporter, flush, err := monitoring.InitSentry("", "test", "dev")
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		reporter.Report(context.Background(), errors.New("x"), nil)
		flush()
	})
}
