package recordaccess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// State is the lifecycle position of an OTP session.
type State string

const (
	StateNone      State = "NONE"
	StateRequested State = "REQUESTED"
	StateVerified  State = "VERIFIED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// Active reports whether the state counts toward the one-active-session rule.
func (s State) Active() bool {
	return s == StateRequested || s == StateVerified
}

// DefaultTTL is the validity window of a verified session.
const DefaultTTL = 10 * time.Minute

// SessionKey identifies the (doctor, patient) pair a session belongs to.
// Credential is a fingerprint of the bearer token that opened the session, so
// a session and the results it unlocked are only visible to that token. It is
// empty when the caller is the local doctor.
type SessionKey struct {
	DoctorID   string
	PatientID  string
	Credential string
}

func (k SessionKey) String() string {
	return k.DoctorID + "/" + k.PatientID
}

// OtpSession is one doctor's pending or active access grant for one
// patient's records. Values handed out by the store are copies.
type OtpSession struct {
	DoctorID    string
	PatientID   string
	State       State
	RequestID   string
	RequestedAt *time.Time
	VerifiedAt  *time.Time
	TTL         time.Duration

	// code is the verified OTP; every download carries it.
	code string
}

// DownloadPermitted reports whether downloads are allowed at now: the session
// is VERIFIED and less than TTL has elapsed since verification.
func (s OtpSession) DownloadPermitted(now time.Time) bool {
	if s.State != StateVerified || s.VerifiedAt == nil {
		return false
	}
	return now.Sub(*s.VerifiedAt) < s.TTL
}

// ExpiresAt returns when a verified session stops permitting downloads.
func (s OtpSession) ExpiresAt() *time.Time {
	if s.State != StateVerified || s.VerifiedAt == nil {
		return nil
	}
	t := s.VerifiedAt.Add(s.TTL)
	return &t
}

// ---------------------------------------------------------------------------
// Test results
// ---------------------------------------------------------------------------

// ResultStatus is the processing status of an uploaded test result.
type ResultStatus string

const (
	StatusPending    ResultStatus = "PENDING"
	StatusInProgress ResultStatus = "IN_PROGRESS"
	StatusCompleted  ResultStatus = "COMPLETED"
	StatusReviewed   ResultStatus = "REVIEWED"
	StatusCancelled  ResultStatus = "CANCELLED"
)

// Known reports whether s is one of the statuses the backend defines.
func (s ResultStatus) Known() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusReviewed, StatusCancelled:
		return true
	}
	return false
}

// TestResultSummary is a single uploaded diagnostic record.
type TestResultSummary struct {
	TestID         int64        `json:"testId"`
	TestType       string       `json:"testType"`
	TestName       string       `json:"testName"`
	Description    string       `json:"description,omitempty"`
	Status         ResultStatus `json:"status"`
	UploadedAt     Timestamp    `json:"uploadedAt"`
	TestDate       Timestamp    `json:"testDate"`
	PdfFilename    string       `json:"pdfFilename"`
	FileSize       int64        `json:"fileSize"`
	PatientID      string       `json:"patientId,omitempty"`
	DoctorID       string       `json:"doctorId,omitempty"`
	DoctorName     string       `json:"doctorName,omitempty"`
	TechnicianID   string       `json:"technicianId,omitempty"`
	TechnicianName string       `json:"technicianName,omitempty"`
	Notes          string       `json:"notes,omitempty"`
}

// DefaultFilename is the name used when the server suggests none.
func (r TestResultSummary) DefaultFilename() string {
	if r.PdfFilename != "" {
		return r.PdfFilename
	}
	return fmt.Sprintf("test-result-%d.pdf", r.TestID)
}

// ResultGroup is every result of one test type.
type ResultGroup struct {
	TestType string              `json:"testType"`
	Results  []TestResultSummary `json:"results"`
}

// GroupByType groups results by TestType. Groups appear in the order their
// type is first encountered; results keep their relative order.
func GroupByType(results []TestResultSummary) []ResultGroup {
	groups := []ResultGroup{}
	index := make(map[string]int)
	for _, r := range results {
		i, ok := index[r.TestType]
		if !ok {
			i = len(groups)
			index[r.TestType] = i
			groups = append(groups, ResultGroup{TestType: r.TestType})
		}
		groups[i].Results = append(groups[i].Results, r)
	}
	return groups
}

// DownloadRequest authorizes a single file retrieval. An empty TestType
// selects the single-test endpoint.
type DownloadRequest struct {
	TestID    int64
	PatientID string
	TestType  string
	OTP       string
}

// FormatFileSize renders a byte count for listings, e.g. "1.5 MB".
func FormatFileSize(size int64) string {
	if size <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	value := float64(size)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d Bytes", size)
	}
	return strconv.FormatFloat(math.Round(value*100)/100, 'f', -1, 64) + " " + units[i]
}

// ---------------------------------------------------------------------------
// Timestamp
// ---------------------------------------------------------------------------

// Timestamp decodes the backend's date-times, which may or may not carry a
// zone. Zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised format %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
