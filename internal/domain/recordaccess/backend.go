package recordaccess

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
)

// Backend endpoints used by the record-access flow.
const (
	pathRequestOTP      = "/api/test-results/doctor/request-otp"
	pathVerifyOTP       = "/api/test-results/doctor/verify-otp"
	pathCancelOTP       = "/api/test-results/doctor/cancel-otp"
	pathDownloadWithOTP = "/api/test-results/doctor/download-with-otp"
	pathDownloadByType  = "/api/test-results/doctor/download-with-test-type-otp"
)

func pathTestTypes(patientID string) string {
	return "/api/test-results/patient/" + url.PathEscape(patientID) + "/test-types"
}

// otpStatusMessages replace unreadable error bodies on the OTP endpoints.
var otpStatusMessages = map[int]string{
	http.StatusForbidden: "Access denied. You may not have permission to request OTP for this patient.",
	http.StatusNotFound:  "Endpoint not found. The OTP service may not be available.",
}

// Backend is the REST contract the record-access flow depends on.
type Backend interface {
	RequestOTP(ctx context.Context, patientID string) (string, error)
	VerifyOTP(ctx context.Context, patientID, code string) ([]TestResultSummary, error)
	CancelOTP(ctx context.Context, patientID string) error
	ListTestTypes(ctx context.Context, patientID string) ([]string, error)
	Download(ctx context.Context, req DownloadRequest) (*FileResponse, error)
}

// FileResponse is a successful download. The caller must close Body.
type FileResponse struct {
	Body        io.ReadCloser
	ContentType string
	// Filename is the server-suggested name, empty when none was given.
	Filename string
	Size     int64
}

// HTTPBackend implements Backend over the portal REST API.
type HTTPBackend struct {
	client *apiclient.Client
}

func NewHTTPBackend(client *apiclient.Client) *HTTPBackend {
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) RequestOTP(ctx context.Context, patientID string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	err := b.client.Do(ctx, apiclient.Request{
		Method:          http.MethodPost,
		Path:            pathRequestOTP,
		Form:            url.Values{"patientId": {patientID}},
		ErrorMessage:    "Failed to send OTP",
		ErrorWithStatus: true,
		StatusMessages:  otpStatusMessages,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Message, nil
}

func (b *HTTPBackend) VerifyOTP(ctx context.Context, patientID, code string) ([]TestResultSummary, error) {
	var out struct {
		TestResults []TestResultSummary `json:"testResults"`
	}
	err := b.client.Do(ctx, apiclient.Request{
		Method:         http.MethodPost,
		Path:           pathVerifyOTP,
		Form:           url.Values{"patientId": {patientID}, "otp": {code}},
		ErrorMessage:   "Invalid OTP",
		StatusMessages: otpStatusMessages,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.TestResults == nil {
		return []TestResultSummary{}, nil
	}
	return out.TestResults, nil
}

func (b *HTTPBackend) CancelOTP(ctx context.Context, patientID string) error {
	return b.client.Do(ctx, apiclient.Request{
		Method:       http.MethodPost,
		Path:         pathCancelOTP,
		Form:         url.Values{"patientId": {patientID}},
		ErrorMessage: "Failed to cancel OTP",
	}, nil)
}

func (b *HTTPBackend) ListTestTypes(ctx context.Context, patientID string) ([]string, error) {
	var out struct {
		TestTypes []string `json:"testTypes"`
	}
	err := b.client.Do(ctx, apiclient.Request{
		Method:       http.MethodGet,
		Path:         pathTestTypes(patientID),
		ErrorMessage: "Failed to load test types",
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.TestTypes == nil {
		return []string{}, nil
	}
	return out.TestTypes, nil
}

func (b *HTTPBackend) Download(ctx context.Context, req DownloadRequest) (*FileResponse, error) {
	form := url.Values{
		"testId":    {strconv.FormatInt(req.TestID, 10)},
		"patientId": {req.PatientID},
		"otp":       {req.OTP},
	}
	path := pathDownloadWithOTP
	if req.TestType != "" {
		form.Set("testType", req.TestType)
		path = pathDownloadByType
	}

	resp, err := b.client.Send(ctx, apiclient.Request{
		Method:       http.MethodPost,
		Path:         path,
		Form:         form,
		ErrorMessage: "Failed to download test result",
	})
	if err != nil {
		return nil, err
	}
	return &FileResponse{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    dispositionFilename(resp.Header.Get("Content-Disposition")),
		Size:        resp.ContentLength,
	}, nil
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
