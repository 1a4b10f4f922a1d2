package appointment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
)

func withRoles(c echo.Context, roles ...string) {
	ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestHandler_Cancel(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, cancelledJSON)
	}, sink))
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"cancellationReason":"conflict"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("42")
	withRoles(c, "patient")

	if err := h.Cancel(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(sink.events) != 1 || sink.events[0].CreatedBy != "PATIENT" {
		t.Fatalf("unexpected events %+v", sink.events)
	}
}

func TestHandler_CancelInvalidID(t *testing.T) {
	h := NewHandler(newTestService(t, func(w http.ResponseWriter, r *http.Request) {}, nil))
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("abc")

	err := h.Cancel(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_CancelBackendRejects(t *testing.T) {
	h := NewHandler(newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"Cannot cancel a completed appointment"}`)
	}, nil))
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("42")

	err := h.Cancel(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest || he.Message != "Cannot cancel a completed appointment" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCallerRole(t *testing.T) {
	e := echo.New()
	tests := []struct {
		roles []string
		want  Role
	}{
		{nil, RoleDoctor},
		{[]string{"admin"}, RoleDoctor},
		{[]string{"admin", "patient"}, RolePatient},
		{[]string{"doctor"}, RoleDoctor},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		withRoles(c, tt.roles...)
		if got := callerRole(c); got != tt.want {
			t.Errorf("callerRole(%v) = %s, want %s", tt.roles, got, tt.want)
		}
	}
}
