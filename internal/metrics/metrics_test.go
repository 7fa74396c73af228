package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pseudos3/internal/metrics"
	"pseudos3/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var _ storage.Observer = (*metrics.StorageMetrics)(nil)

func TestMiddlewareCountsRequests(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))

	for _, path := range []string{"/", "/", "/missing"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
# HELP pseudos3_http_requests_total Total number of HTTP requests processed, partitioned by status code and method.
# TYPE pseudos3_http_requests_total counter
pseudos3_http_requests_total{code="200",method="GET"} 2
pseudos3_http_requests_total{code="404",method="GET"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "pseudos3_http_requests_total"))
}

func TestStorageMetricsObserve(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.Storage().Observe("put", 10, nil, time.Millisecond)
	m.Storage().Observe("put", 5, nil, time.Millisecond)
	m.Storage().Observe("get", 0, errors.New("boom"), time.Millisecond)

	expected := `
# HELP pseudos3_storage_bytes_total Total bytes processed by storage operations.
# TYPE pseudos3_storage_bytes_total counter
pseudos3_storage_bytes_total{op="put"} 15
# HELP pseudos3_storage_ops_total Total number of storage operations by result.
# TYPE pseudos3_storage_ops_total counter
pseudos3_storage_ops_total{op="get",result="error"} 1
pseudos3_storage_ops_total{op="put",result="ok"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"pseudos3_storage_bytes_total", "pseudos3_storage_ops_total"))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.Storage().Observe("list", 0, nil, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `pseudos3_storage_ops_total{op="list",result="ok"} 1`)
	require.Contains(t, rec.Body.String(), "pseudos3_http_inflight_requests 0")
}
