// Package apiclient is the single outbound path to the portal backend. It
// attaches the doctor's bearer token, encodes form and JSON bodies, and turns
// every failure into one of three shapes: ErrNotLoggedIn, *APIError or
// ErrTransport.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrTransport marks failures where no HTTP response was received.
var ErrTransport = errors.New("could not reach the server, please check your connection and try again")

// ErrNotLoggedIn is re-exported so callers only need this package to classify
// outcomes.
var ErrNotLoggedIn = auth.ErrNotLoggedIn

// APIError is a non-2xx backend response. Message is the human-readable text
// taken from the body when possible.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsAuthError reports whether err is a 401 or 403 response.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// ErrorMessage extracts a readable message from an error body: the JSON
// "error" field, then "message". For bodies that are not JSON the status
// specific text from statusText is used, then fallback.
func ErrorMessage(status int, body []byte, fallback string, statusText map[int]string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil {
			if payload.Error != "" {
				return payload.Error
			}
			if payload.Message != "" {
				return payload.Message
			}
			if fallback != "" {
				return fallback
			}
			return defaultMessage(status)
		}
	}
	if msg, ok := statusText[status]; ok {
		return msg
	}
	if fallback != "" {
		return fallback
	}
	return defaultMessage(status)
}

func defaultMessage(status int) string {
	return fmt.Sprintf("request failed (%d: %s)", status, http.StatusText(status))
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUnauthorizedHook registers fn to run whenever the backend answers 401.
// It is the one deliberate global reaction to a failed call: the session is
// considered logged out.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// Client issues authenticated requests against the backend base URL.
type Client struct {
	baseURL        string
	tokens         auth.TokenProvider
	httpClient     *http.Client
	logger         zerolog.Logger
	onUnauthorized func()
	now            func() time.Time
}

// New creates a Client for baseURL that authenticates with tokens.
func New(baseURL string, tokens auth.TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend base URL without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request describes one backend call.
type Request struct {
	Method string
	Path   string
	// Form is sent as application/x-www-form-urlencoded when non-nil.
	Form url.Values
	// JSON is marshalled as the body when non-nil and Form is nil.
	JSON any
	// ErrorMessage is used when a failed response carries no readable message.
	ErrorMessage string
	// ErrorWithStatus appends "(<code>: <text>)" to ErrorMessage.
	ErrorWithStatus bool
	// StatusMessages overrides ErrorMessage for specific statuses when the
	// error body is not JSON.
	StatusMessages map[int]string
}

// Send performs req. On a 2xx status the response is returned and the caller
// owns its body. Any other outcome is returned as an error and the body is
// already closed.
func (c *Client) Send(ctx context.Context, req Request) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckExpiry(token, c.now()); err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Request-ID", uuid.New().String())

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("backend unreachable")
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	fallback := req.ErrorMessage
	if fallback != "" && req.ErrorWithStatus {
		fallback = fmt.Sprintf("%s (%d: %s)", fallback, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: ErrorMessage(resp.StatusCode, raw, fallback, req.StatusMessages),
	}
	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}
	return nil, apiErr
}

// Do performs req and decodes an optional JSON body into out. An empty body
// is not an error; a body that is not valid JSON is logged and ignored, the
// call having already succeeded.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn().Err(err).Str("path", req.Path).Msg("response is not valid JSON")
	}
	return nil
}
