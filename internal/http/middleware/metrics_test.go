package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RouteLabelsAndErrorCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/conversations/:id", func(c *gin.Context) { c.String(http.StatusOK, "hello") })
	r.POST("/chat", func(c *gin.Context) {
		c.Set(CtxKeyErrorCode, "temporarily_unavailable")
		c.Status(http.StatusServiceUnavailable)
	})

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/conversations/:id", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))
	baseErr := testutil.ToFloat64(httpErrors.WithLabelValues("/chat", "temporarily_unavailable"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversations/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat", nil))

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/conversations/:id", "200")); got != baseOK+1 {
		t.Fatalf("route label: got %v want %v", got, baseOK+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != base404+1 {
		t.Fatalf("raw path fallback: got %v want %v", got, base404+1)
	}
	if got := testutil.ToFloat64(httpErrors.WithLabelValues("/chat", "temporarily_unavailable")); got != baseErr+1 {
		t.Fatalf("error code counter: got %v want %v", got, baseErr+1)
	}
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight should settle at 0, got %v", got)
	}
	if n := testutil.CollectAndCount(httpLat); n == 0 {
		t.Fatalf("latency histogram empty")
	}
}
