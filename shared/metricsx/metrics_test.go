package metricsx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteCollapsesIdentifiers(t *testing.T) {
	assert.Equal(t, "/v1/admin/conflicts/:id/resolve", Route("/v1/admin/conflicts/6f1c1f0e-8c41-4a7e-9a57-3b0f1d7c2a10/resolve"))
	assert.Equal(t, "/v1/orders/:n", Route("/v1/orders/42"))
	assert.Equal(t, "/v1/sync/push", Route("/v1/sync/push"))
	assert.Equal(t, "/", Route("/"))
}

func TestInstrumentCountsByRouteAndStatus(t *testing.T) {
	Register()
	Register()

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/brew/:n", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew/7", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew/8", nil))
	require.Equal(t, before+2, testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/brew/:n", "418")))
}

func TestImplicitStatusIsOK(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/plain", "200"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/plain", "200")))
}
