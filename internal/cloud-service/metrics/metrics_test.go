package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.ObserveOperation("upload", nil)
	m.ObserveOperation("upload", nil)
	m.ObserveOperation("upload", errors.New("boom"))
	m.AddUploadedBytes(10)
	m.AddUploadedBytes(-1)
	m.ObserveRequest(http.MethodGet, "/api/files/{userId}", http.StatusOK, 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("upload", ResultOk)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("upload", ResultError)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.uploadedBytes))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cloud_file_operations_total"))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("delete", nil)
		m.AddUploadedBytes(1)
		m.ObserveRequest(http.MethodGet, "/", http.StatusOK, 1)
	})
}
