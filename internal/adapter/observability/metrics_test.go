package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetWorkerCounts(t *testing.T) {
	SetWorkerCounts(5, 2, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(WorkersConnected.WithLabelValues("ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(WorkersConnected.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersConnected.WithLabelValues("busy")))
}

func TestObserveDispatch(t *testing.T) {
	before := testutil.ToFloat64(DispatchesTotal.WithLabelValues("ok"))
	ObserveDispatch("ok", 250*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(DispatchesTotal.WithLabelValues("ok")))
}

func TestFrameAndStrayCounters(t *testing.T) {
	before := testutil.ToFloat64(FramesReceivedTotal.WithLabelValues("heartbeat_response"))
	IncFrameReceived("heartbeat_response")
	assert.Equal(t, before+1, testutil.ToFloat64(FramesReceivedTotal.WithLabelValues("heartbeat_response")))

	strays := testutil.ToFloat64(StrayRepliesTotal)
	IncStrayReply()
	assert.Equal(t, strays+1, testutil.ToFloat64(StrayRepliesTotal))
}

func TestHTTPMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/v1/models", http.MethodGet, http.StatusText(http.StatusOK)))

	r := chi.NewRouter()
	r.Use(HTTPMetricsMiddleware)
	r.Get("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/v1/models", http.MethodGet, http.StatusText(http.StatusOK)))
	assert.Equal(t, before+1, after)
}
