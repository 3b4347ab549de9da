package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{410, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "purchaselink_goroutines")

	LinkValidationsTotal.WithLabelValues("tampered").Inc()
	LinkTokensIssuedTotal.Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `purchaselink_link_validations_total{result="tampered"}`)
	assert.Contains(t, body, "purchaselink_link_tokens_issued_total")
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/purchase-links/resolve", func(c *gin.Context) {
		c.JSON(http.StatusGone, gin.H{"error": "link_expired"})
	})

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/v1/purchase-links/resolve", "4xx")
	before := counterValue(t, counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/purchase-links/resolve?token=abc.def", nil))
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, before+1, counterValue(t, counter))

	unmatched := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	before = counterValue(t, unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, before+1, counterValue(t, unmatched))
}
