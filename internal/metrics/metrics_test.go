package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMarketplaceCountersRegistered(t *testing.T) {
	RFPsCreatedTotal.Inc()
	BidsSubmittedTotal.Inc()
	ReplaysRejectedTotal.Inc()
	SettlementsTotal.WithLabelValues("success").Inc()

	for _, name := range []string{
		"mesh_rfps_created_total",
		"mesh_bids_submitted_total",
		"mesh_replays_rejected_total",
		"mesh_settlements_total",
	} {
		mf := gatherFamily(t, name)
		require.NotNil(t, mf, "metric %s not registered", name)
		require.NotEmpty(t, mf.GetMetric())
	}

	// Counter values are readable through the client_model types.
	mf := gatherFamily(t, "mesh_settlements_total")
	found := false
	for _, m := range mf.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "result" && label.GetValue() == "success" {
				found = true
				assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
			}
		}
	}
	assert.True(t, found, "expected success-labeled settlement counter")
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", Handler())

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "mesh_http_requests_total"))
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
	}
	for code, want := range cases {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}
