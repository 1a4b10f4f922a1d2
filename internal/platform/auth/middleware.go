package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TokenKey     contextKey = "bearer_token"
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// BearerMiddleware extracts the caller's bearer token, decodes the identity it
// carries and places both on the request context. The token itself is passed
// through to the backend, which remains the authority on its validity.
func BearerMiddleware() echo.MiddlewareFunc {
	return bearerMiddleware(nil)
}

// DevAuthMiddleware behaves like BearerMiddleware but falls back to the
// configured token when a request arrives without an Authorization header.
func DevAuthMiddleware(fallback TokenProvider) echo.MiddlewareFunc {
	return bearerMiddleware(fallback)
}

func bearerMiddleware(fallback TokenProvider) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerFromHeader(c.Request().Header.Get("Authorization"))
			if err != nil && fallback != nil && c.Request().Header.Get("Authorization") == "" {
				tokenStr, err = fallback.Token(c.Request().Context())
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			id, err := ParseIdentity(tokenStr, time.Now())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrNotLoggedIn.Error())
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, TokenKey, tokenStr)
			ctx = context.WithValue(ctx, UserIDKey, id.UserID)
			ctx = context.WithValue(ctx, UserRolesKey, id.Roles)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("user_id", id.UserID)

			return next(c)
		}
	}
}

var errAuthFormat = errors.New("invalid authorization format")

func bearerFromHeader(header string) (string, error) {
	if header == "" {
		return "", ErrNotLoggedIn
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errAuthFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// TokenFromContext returns the bearer token placed on ctx by the middleware.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(TokenKey).(string)
	return tok
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
