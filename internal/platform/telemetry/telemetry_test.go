package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestProvider() *Provider {
	return NewProvider(Config{ServiceName: "facility-test", ServiceVersion: "0.1.0", Environment: "test", MetricsEnabled: true})
}

func TestProvider_Outcomes(t *testing.T) {
	p := newTestProvider()
	p.Outcome("admit", "ok")
	p.Outcome("admit", "ok")
	p.Outcome("admit", "rejected")
	p.ConflictRetry("admit")

	if got := testutil.ToFloat64(p.outcomes.WithLabelValues("admit", "ok")); got != 2 {
		t.Errorf("expected 2 ok admits, got %v", got)
	}
	if got := testutil.ToFloat64(p.outcomes.WithLabelValues("admit", "rejected")); got != 1 {
		t.Errorf("expected 1 rejected admit, got %v", got)
	}
	if got := testutil.ToFloat64(p.conflictRetries.WithLabelValues("admit")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	p := newTestProvider()
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/rooms/:id", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/v1/fail", func(c echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "busy") })

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/abc", nil))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/fail", nil))

	if n := testutil.CollectAndCount(p.requestDuration); n != 2 {
		t.Errorf("expected 2 label sets, got %d", n)
	}
	if got := testutil.ToFloat64(p.activeRequests); got != 0 {
		t.Errorf("expected no active requests, got %v", got)
	}

	expected := `facility_http_request_duration_seconds_count{method="GET",route="/api/v1/rooms/:id",service="facility-test",status="200"} 3`
	body := scrape(t, p)
	if !strings.Contains(body, expected) {
		t.Errorf("expected %q in exposition", expected)
	}
	if !strings.Contains(body, `status="409"`) {
		t.Error("expected error status to be recorded from the returned HTTPError")
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	p := NewProvider(Config{MetricsEnabled: false})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if n := testutil.CollectAndCount(p.requestDuration); n != 0 {
		t.Errorf("expected nothing recorded, got %d", n)
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := newTestProvider()
	p.Outcome("discharge", "ok")

	body := scrape(t, p)
	for _, want := range []string{
		`facility_operations_total{op="discharge",result="ok",service="facility-test"} 1`,
		`facility_build_info{environment="test",version="0.1.0"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := p.Handler()(c); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}
