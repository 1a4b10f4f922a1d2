package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/config"
	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/appointment"
	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/recordaccess"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/websocket"
)

// fakeBackend serves the subset of the REST API the CLI commands use.
type fakeBackend struct {
	*httptest.Server

	mu        sync.Mutex
	paths     []string
	testTypes []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/test-results/patient/P001/test-types", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"testTypes":["Blood Test"]}`)
	})
	mux.HandleFunc("/api/test-results/doctor/request-otp", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"OTP sent"}`)
	})
	mux.HandleFunc("/api/test-results/doctor/verify-otp", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("otp") != "123456" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"Invalid OTP"}`)
			return
		}
		io.WriteString(w, `{"testResults":[{"testId":7,"testType":"Blood Test","testName":"Complete Blood Count","status":"COMPLETED","uploadedAt":"2026-02-27T14:05:00","fileSize":2048}]}`)
	})
	mux.HandleFunc("/api/test-results/doctor/cancel-otp", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"cancelled"}`)
	})
	mux.HandleFunc("/api/test-results/doctor/download-with-otp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="report7.pdf"`)
		io.WriteString(w, "%PDF-1.4 report 7")
	})
	mux.HandleFunc("/api/test-results/doctor/download-with-test-type-otp", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		b.mu.Lock()
		b.testTypes = append(b.testTypes, r.PostForm.Get("testType"))
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="report7.pdf"`)
		io.WriteString(w, "%PDF-1.4 report 7")
	})
	mux.HandleFunc("/api/appointments/my-appointments", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"appointmentId":42,"patientId":"P001","patientName":"Alice","doctorId":"D001","doctorName":"Bob","appointmentDate":"2026-03-01T09:00:00","status":"SCHEDULED"}]`)
	})
	mux.HandleFunc("/api/appointments/42/cancel", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"appointmentId":42,"patientId":"P001","patientName":"Alice","doctorId":"D001","doctorName":"Bob","status":"CANCELLED"}`)
	})
	mux.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{}`)
	})

	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.Path)
		b.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.Server.Close)
	return b
}

func (b *fakeBackend) calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.paths {
		if p == path {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:                  "0",
		Env:                   "test",
		BackendURL:            backendURL,
		AuthToken:             "doctor-token",
		OTPTTL:                10 * time.Minute,
		HTTPTimeout:           5 * time.Second,
		DownloadDir:           filepath.Join(dir, "downloads"),
		FallbackLogPath:       filepath.Join(dir, "fallback.json"),
		CORSOrigins:           []string{"http://localhost:5173"},
		NotificationEndpoints: config.DefaultNotificationEndpoints,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), tokenProvider(cfg), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a
}

func newAccessSession(a *app, input string, out io.Writer) *accessSession {
	return &accessSession{
		app:   a,
		key:   recordaccess.SessionKey{DoctorID: "D001", PatientID: "P001"},
		saver: recordaccess.DirSaver{Dir: a.cfg.DownloadDir},
		in:    bufio.NewScanner(strings.NewReader(input)),
		out:   out,
	}
}

func TestAccessSession_VerifyAndDownload(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := testConfig(t, backend.URL)
	a := newTestApp(t, cfg)

	var out bytes.Buffer
	s := newAccessSession(a, "000000\n123456\n99\n7\n\n", &out)
	if err := s.run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Close()

	got := out.String()
	for _, want := range []string{
		"Blood Test\n",
		"Invalid OTP",
		"Blood Test (1)",
		"[7] Complete Blood Count  2026-02-27 14:05  2 KB",
		"No such test in the list.",
		"Saved ",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	data, err := os.ReadFile(filepath.Join(cfg.DownloadDir, "report7.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "%PDF-1.4 report 7" {
		t.Errorf("unexpected content %q", data)
	}
	if s := a.store.Get(recordaccess.SessionKey{DoctorID: "D001", PatientID: "P001"}); s.State != recordaccess.StateNone {
		t.Errorf("expected session dismissed, got %s", s.State)
	}
}

func TestAccessSession_CancelAtPrompt(t *testing.T) {
	backend := newFakeBackend(t)
	a := newTestApp(t, testConfig(t, backend.URL))

	var out bytes.Buffer
	if err := newAccessSession(a, "cancel\n", &out).run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Close()

	if !strings.Contains(out.String(), "Request cancelled.") {
		t.Errorf("unexpected output %q", out.String())
	}
	if n := backend.calls("/api/test-results/doctor/cancel-otp"); n != 1 {
		t.Errorf("expected one cancel call, got %d", n)
	}
	if n := backend.calls("/api/test-results/doctor/verify-otp"); n != 0 {
		t.Errorf("expected no verify call, got %d", n)
	}
}

func TestAccessSession_EOFCancels(t *testing.T) {
	backend := newFakeBackend(t)
	a := newTestApp(t, testConfig(t, backend.URL))

	if err := newAccessSession(a, "", io.Discard).run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Close()

	if n := backend.calls("/api/test-results/doctor/cancel-otp"); n != 1 {
		t.Errorf("expected one cancel call, got %d", n)
	}
}

func TestAccessSession_TypeFilterUsesBackendSpelling(t *testing.T) {
	backend := newFakeBackend(t)
	a := newTestApp(t, testConfig(t, backend.URL))

	var out bytes.Buffer
	s := newAccessSession(a, "123456\n7\n\n", &out)
	s.testType = "blood test"
	if err := s.run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Close()

	if !strings.Contains(out.String(), "Saved ") {
		t.Fatalf("download did not complete:\n%s", out.String())
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.testTypes) != 1 || backend.testTypes[0] != "Blood Test" {
		t.Errorf("expected testType %q, got %v", "Blood Test", backend.testTypes)
	}
}

func TestFilterGroups(t *testing.T) {
	groups := []recordaccess.ResultGroup{{TestType: "Blood Test"}, {TestType: "X-Ray"}}
	if got := filterGroups(groups, ""); len(got) != 2 {
		t.Errorf("expected all groups, got %d", len(got))
	}
	got := filterGroups(groups, "x-ray")
	if len(got) != 1 || got[0].TestType != "X-Ray" {
		t.Errorf("unexpected groups %+v", got)
	}
	if got := filterGroups(groups, "MRI"); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %+v", got)
	}
}

func TestAppointmentsCommands(t *testing.T) {
	backend := newFakeBackend(t)
	a := newTestApp(t, testConfig(t, backend.URL))
	defer a.Close()

	var out bytes.Buffer
	if err := listAppointments(context.Background(), &out, a.appointments); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "[42] 2026-03-01T09:00:00  SCHEDULED  patient=Alice doctor=Bob") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := cancelAppointment(context.Background(), &out, a.appointments, 42, appointment.RoleDoctor, "conflict"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "Appointment 42 cancelled.\n" {
		t.Errorf("unexpected output %q", out.String())
	}
	if n := backend.calls("/api/notifications"); n != 1 {
		t.Errorf("expected one notification, got %d", n)
	}
}

func TestServerRoutes(t *testing.T) {
	backend := newFakeBackend(t)
	a := newTestApp(t, testConfig(t, backend.URL))
	defer a.Close()
	e := newServer(a, websocket.NewHub(zerolog.Nop()))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"no db health without pool", http.MethodGet, "/health/db", "", http.StatusNotFound},
		{"record access needs token", http.MethodGet, "/api/record-access/patients/P001/session", "", http.StatusUnauthorized},
		{"appointments need token", http.MethodGet, "/api/appointments", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected request id header")
			}
		})
	}
}

func TestTokenProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := &config.Config{AuthToken: "static", AuthTokenFile: path}
	if _, ok := tokenProvider(cfg).(auth.FileToken); !ok {
		t.Errorf("expected FileToken when a token file is configured")
	}
	cfg.AuthTokenFile = ""
	tok, err := tokenProvider(cfg).Token(context.Background())
	if err != nil || tok != "static" {
		t.Errorf("expected static token, got %q, %v", tok, err)
	}
}
