package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.OTPTransition("VERIFIED")
	r.Download("saved", 10)
	r.NotificationDelivered("remote")

	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRecorder_Counters(t *testing.T) {
	r := New()
	r.OTPTransition("REQUESTED")
	r.OTPTransition("REQUESTED")
	r.OTPTransition("VERIFIED")
	r.Download("saved", 2048)
	r.Download("failed", 0)
	r.NotificationDelivered("fallback")

	if got := testutil.ToFloat64(r.otpTransitions.WithLabelValues("REQUESTED")); got != 2 {
		t.Errorf("REQUESTED transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.downloadBytes); got != 2048 {
		t.Errorf("download bytes = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(r.downloads.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed downloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.notifications.WithLabelValues("fallback")); got != 1 {
		t.Errorf("fallback notifications = %v, want 1", got)
	}
}

func TestRecorder_MiddlewareAndHandler(t *testing.T) {
	r := New()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/api/patients/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "no")
	})
	e.GET("/metrics", echo.WrapHandler(r.Handler()))

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/patients/P001", nil))

	if got := testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "/api/patients/:id", "403")); got != 1 {
		t.Fatalf("expected one 403 on route template, got %v", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "portal_http_requests_total") {
		t.Fatal("expected portal metrics in exposition output")
	}
}
