package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RouteTemplateLabels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.POST("/intents/:id/enqueue", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"result": "inserted"}) })
	r.POST("/maintenance/run", func(c *gin.Context) { c.Status(http.StatusConflict) })

	const enqRoute = "/intents/:id/enqueue"
	before := map[string]float64{
		"enq":   testutil.ToFloat64(httpReqs.WithLabelValues("POST", enqRoute, "200")),
		"maint": testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/maintenance/run", "409")),
		"miss":  testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedPath, "404")),
	}

	for _, target := range []string{"/intents/a/enqueue", "/intents/b/enqueue", "/intents/c/enqueue"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, target, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/maintenance/run", nil))
	for _, target := range []string{"/intents/a", "/wp-login.php"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	checks := []struct {
		key   string
		got   float64
		delta float64
	}{
		{"enq", testutil.ToFloat64(httpReqs.WithLabelValues("POST", enqRoute, "200")), 3},
		{"maint", testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/maintenance/run", "409")), 1},
		{"miss", testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedPath, "404")), 2},
	}
	for _, c := range checks {
		if c.got-before[c.key] != c.delta {
			t.Fatalf("%s: delta %v; want %v", c.key, c.got-before[c.key], c.delta)
		}
	}
	if n := testutil.ToFloat64(httpInflight); n != 0 {
		t.Fatalf("inflight = %v after all requests returned", n)
	}
	// Concrete ids never become label values.
	if n := testutil.CollectAndCount(httpReqs, "matcher_http_requests_total"); n == 0 {
		t.Fatalf("no series collected")
	}
	if testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/intents/a/enqueue", "200")) != 0 {
		t.Fatalf("concrete path leaked into labels")
	}
}
