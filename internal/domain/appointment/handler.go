package appointment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments", auth.RequireRole("doctor", "patient"))
	g.GET("", h.List)
	g.PUT("/:id/cancel", h.Cancel)
}

func (h *Handler) List(c echo.Context) error {
	appts, err := h.svc.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appts)
}

type cancelRequest struct {
	CancellationReason string `json:"cancellationReason" form:"cancellationReason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	appt, err := h.svc.Cancel(c.Request().Context(), id, callerRole(c), req.CancellationReason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

// callerRole picks the acting party from the token. Admins and tokens without
// a role act as the doctor.
func callerRole(c echo.Context) Role {
	for _, r := range auth.RolesFromContext(c.Request().Context()) {
		if role, ok := ParseRole(r); ok {
			return role
		}
	}
	return RoleDoctor
}

func httpError(err error) error {
	var apiErr *apiclient.APIError
	switch {
	case errors.Is(err, auth.ErrNotLoggedIn):
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrNotLoggedIn.Error())
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrUnknownRole):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, apiclient.ErrTransport):
		return echo.NewHTTPError(http.StatusBadGateway, apiclient.ErrTransport.Error())
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		return echo.NewHTTPError(status, apiErr.Message)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
