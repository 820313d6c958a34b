package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.BillingResultsTotal.WithLabelValues("updated").Inc()
	metrics.BillingResultsTotal.WithLabelValues("updated").Inc()
	metrics.OrgTransitionsTotal.WithLabelValues("ACTIVE", "PAUSED").Inc()

	if got := testutil.ToFloat64(metrics.BillingResultsTotal.WithLabelValues("updated")); got != 2 {
		t.Errorf("Expected 2 updated results, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.OrgTransitionsTotal.WithLabelValues("ACTIVE", "PAUSED")); got != 1 {
		t.Errorf("Expected 1 transition, got %v", got)
	}
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)

	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewMetrics(registry)
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	router := mux.NewRouter()
	router.HandleFunc("/orgs/{id}/payments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	routeName := func(r *http.Request) string {
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				return tpl
			}
		}
		return "unmatched"
	}
	router.Use(HTTPMetricsMiddleware(metrics, routeName))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orgs/42/payments", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("Expected 418, got %d", rec.Code)
	}
	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/orgs/{id}/payments", "418"))
	if got != 1 {
		t.Errorf("Expected 1 request counted, got %v", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
}

func TestMetricsHandler_Exposes(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.BillingUnitsBilled.Add(12)

	server := httptest.NewServer(MetricsHandler(registry))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "classbook_billing_units_billed_total 12") {
		t.Errorf("Expected units metric in output:\n%s", body)
	}
}
