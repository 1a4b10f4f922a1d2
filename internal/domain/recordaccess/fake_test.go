package recordaccess

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/notification"
)

// fakeBackend is an in-memory Backend. Unset funcs succeed.
type fakeBackend struct {
	mu sync.Mutex

	requestErr error
	verifyFn   func(code string) ([]TestResultSummary, error)
	cancelFn   func(ctx context.Context) error
	types      []string
	typesErr   error
	downloadFn func(req DownloadRequest) (*FileResponse, error)

	calls     map[string]int
	downloads []DownloadRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]int)}
}

func (f *fakeBackend) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeBackend) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) RequestOTP(_ context.Context, _ string) (string, error) {
	f.count("request")
	if f.requestErr != nil {
		return "", f.requestErr
	}
	return "OTP sent to patient's email", nil
}

func (f *fakeBackend) VerifyOTP(_ context.Context, _ string, code string) ([]TestResultSummary, error) {
	f.count("verify")
	if f.verifyFn != nil {
		return f.verifyFn(code)
	}
	return []TestResultSummary{}, nil
}

func (f *fakeBackend) CancelOTP(ctx context.Context, _ string) error {
	f.count("cancel")
	if f.cancelFn != nil {
		return f.cancelFn(ctx)
	}
	return nil
}

func (f *fakeBackend) ListTestTypes(_ context.Context, _ string) ([]string, error) {
	f.count("types")
	return f.types, f.typesErr
}

func (f *fakeBackend) Download(_ context.Context, req DownloadRequest) (*FileResponse, error) {
	f.count("download")
	f.mu.Lock()
	f.downloads = append(f.downloads, req)
	f.mu.Unlock()
	if f.downloadFn != nil {
		return f.downloadFn(req)
	}
	return pdfResponse("report.pdf", "%PDF-1.4"), nil
}

func pdfResponse(name, body string) *FileResponse {
	return &FileResponse{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: "application/pdf",
		Filename:    name,
		Size:        int64(len(body)),
	}
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []notification.Event
}

func (s *recordingSink) Emit(_ context.Context, ev notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
