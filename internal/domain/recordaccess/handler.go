package recordaccess

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/blobstore"
)

// Handler exposes the gate to browser UI surfaces. The doctor is the caller
// identified by the bearer token; the token is forwarded to the backend.
type Handler struct {
	gate    *Gate
	catalog *Catalog
	now     func() time.Time
}

func NewHandler(gate *Gate, catalog *Catalog) *Handler {
	return &Handler{gate: gate, catalog: catalog, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/record-access/patients/:patientId", auth.RequireRole("doctor"))
	g.GET("/test-types", h.ListTestTypes)
	g.GET("/session", h.GetSession)
	g.DELETE("/session", h.DismissSession)
	g.POST("/otp", h.RequestOTP)
	g.POST("/otp/verify", h.VerifyOTP)
	g.POST("/otp/cancel", h.CancelOTP)
	g.GET("/results", h.ListResults)
	g.GET("/results/:testId/download", h.DownloadResult)
}

type sessionView struct {
	DoctorID          string     `json:"doctorId"`
	PatientID         string     `json:"patientId"`
	State             State      `json:"state"`
	RequestID         string     `json:"requestId,omitempty"`
	RequestedAt       *time.Time `json:"requestedAt,omitempty"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	TTLSeconds        int64      `json:"ttlSeconds"`
	DownloadPermitted bool       `json:"downloadPermitted"`
}

func (h *Handler) view(s OtpSession) sessionView {
	return sessionView{
		DoctorID:          s.DoctorID,
		PatientID:         s.PatientID,
		State:             s.State,
		RequestID:         s.RequestID,
		RequestedAt:       s.RequestedAt,
		VerifiedAt:        s.VerifiedAt,
		ExpiresAt:         s.ExpiresAt(),
		TTLSeconds:        int64(s.TTL / time.Second),
		DownloadPermitted: s.DownloadPermitted(h.now()),
	}
}

// sessionKey scopes the session to the presented token as well as the doctor
// id it claims. The claim is not verified here, only by the backend.
func sessionKey(c echo.Context) SessionKey {
	ctx := c.Request().Context()
	return SessionKey{
		DoctorID:   auth.UserIDFromContext(ctx),
		PatientID:  c.Param("patientId"),
		Credential: auth.Fingerprint(auth.TokenFromContext(ctx)),
	}
}

func (h *Handler) ListTestTypes(c echo.Context) error {
	types, err := h.catalog.ListTestTypes(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"testTypes": types})
}

func (h *Handler) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, h.view(h.gate.Session(sessionKey(c))))
}

func (h *Handler) DismissSession(c echo.Context) error {
	return c.JSON(http.StatusOK, h.view(h.gate.Dismiss(sessionKey(c))))
}

func (h *Handler) RequestOTP(c echo.Context) error {
	sess, err := h.gate.RequestAccess(c.Request().Context(), sessionKey(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "OTP sent to patient's email",
		"session": h.view(sess),
	})
}

type verifyRequest struct {
	OTP string `json:"otp" form:"otp"`
}

func (h *Handler) VerifyOTP(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, groups, err := h.gate.VerifyAccess(c.Request().Context(), sessionKey(c), req.OTP)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session": h.view(sess),
		"groups":  groups,
	})
}

func (h *Handler) CancelOTP(c echo.Context) error {
	return c.JSON(http.StatusOK, h.view(h.gate.CancelAccess(c.Request().Context(), sessionKey(c))))
}

func (h *Handler) ListResults(c echo.Context) error {
	key := sessionKey(c)
	if !h.gate.IsDownloadPermitted(key) {
		if h.gate.Session(key).State == StateExpired {
			return httpError(ErrAccessExpired)
		}
		return httpError(ErrAccessNotVerified)
	}
	return c.JSON(http.StatusOK, map[string]any{"groups": h.catalog.ListResultsForPatient(key)})
}

func (h *Handler) DownloadResult(c echo.Context) error {
	testID, err := strconv.ParseInt(c.Param("testId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid test id")
	}
	key := sessionKey(c)

	target := DownloadTarget{
		TestID:   testID,
		TestType: c.QueryParam("testType"),
	}
	if r, ok := h.catalog.Find(key, testID); ok {
		target.Filename = r.DefaultFilename()
		if target.TestType == "" {
			target.TestType = r.TestType
		}
	}

	if _, err := h.gate.Download(c.Request().Context(), key, target, responseSaver{c: c}); err != nil {
		return httpError(err)
	}
	return nil
}

// responseSaver streams the file to the browser as an attachment.
type responseSaver struct {
	c echo.Context
}

func (s responseSaver) Save(_ context.Context, blob *blobstore.Blob, content io.Reader) (string, error) {
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	header := s.c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": blob.FileName}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(blob.Size, 10))
	if err := s.c.Stream(http.StatusOK, contentType, content); err != nil {
		return "", err
	}
	return "response", nil
}

// httpError maps flow errors to HTTP responses.
func httpError(err error) error {
	var apiErr *apiclient.APIError
	switch {
	case errors.Is(err, auth.ErrNotLoggedIn):
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrNotLoggedIn.Error())
	case errors.Is(err, ErrMissingPatient), errors.Is(err, ErrMissingDoctor), errors.Is(err, ErrEmptyCode):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoPendingRequest), errors.Is(err, ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAccessNotVerified), errors.Is(err, ErrAccessExpired):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, apiclient.ErrTransport):
		return echo.NewHTTPError(http.StatusBadGateway, apiclient.ErrTransport.Error())
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		return echo.NewHTTPError(status, apiErr.Message)
	case errors.Is(err, blobstore.ErrFileTooLarge), errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
