package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotLoggedIn is returned when no usable bearer token is available. It is a
// precondition failure: callers abort the action and ask the user to log in.
var ErrNotLoggedIn = errors.New("please log in")

// TokenProvider supplies the doctor's bearer credential for outbound calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider backed by a fixed token string.
type StaticToken string

func (s StaticToken) Token(_ context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNotLoggedIn
	}
	return tok, nil
}

// FileToken reads the token from a file on every call so that a re-login
// performed by another process is picked up without restarting.
type FileToken struct {
	Path string
}

func (f FileToken) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotLoggedIn
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return StaticToken(data).Token(context.Background())
}

// RequestToken resolves the token placed on the request context by
// BearerMiddleware. It is the provider used by the BFF, where every browser
// request carries its own credential.
type RequestToken struct{}

func (RequestToken) Token(ctx context.Context) (string, error) {
	tok, _ := ctx.Value(TokenKey).(string)
	if tok == "" {
		return "", ErrNotLoggedIn
	}
	return tok, nil
}

// Claims mirrors the backend's token layout: the subject is the user id and
// "role" carries the granted authorities.
type Claims struct {
	jwt.RegisteredClaims
	UserID string     `json:"userId,omitempty"`
	Role   roleClaims `json:"role,omitempty"`
}

// roleClaims accepts a plain string, a string array or a list of
// {"authority": "ROLE_X"} objects.
type roleClaims []string

func (r *roleClaims) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*r = nil
			return nil
		}
		*r = roleClaims{normalizeRole(single)}
		return nil
	}
	var many []json.RawMessage
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("role claim: %w", err)
	}
	out := make(roleClaims, 0, len(many))
	for _, raw := range many {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, normalizeRole(s))
			continue
		}
		var authority struct {
			Authority string `json:"authority"`
		}
		if err := json.Unmarshal(raw, &authority); err == nil && authority.Authority != "" {
			out = append(out, normalizeRole(authority.Authority))
		}
	}
	*r = out
	return nil
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(role), "ROLE_"))
}

// Identity is what the client learns about the caller from the bearer token.
type Identity struct {
	UserID    string
	Roles     []string
	ExpiresAt *time.Time
}

// HasRole reports whether the identity carries the given role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ParseIdentity decodes the token without verifying its signature; only the
// backend holds the signing key. An expired token or one with no subject is
// reported as ErrNotLoggedIn so that no request is issued with it.
func ParseIdentity(token string, now time.Time) (Identity, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed token", ErrNotLoggedIn)
	}

	id := Identity{UserID: claims.UserID, Roles: claims.Role}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrNotLoggedIn)
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		id.ExpiresAt = &exp
		if !now.Before(exp) {
			return Identity{}, fmt.Errorf("%w: token expired", ErrNotLoggedIn)
		}
	}
	return id, nil
}

// CheckExpiry returns ErrNotLoggedIn when token is a decodable JWT whose expiry
// has passed. Opaque tokens pass; the backend judges them.
func CheckExpiry(token string, now time.Time) error {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: token expired", ErrNotLoggedIn)
	}
	return nil
}

// DoctorIDFromToken resolves the doctor's identifier from the token held by p.
func DoctorIDFromToken(ctx context.Context, p TokenProvider) (string, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	id, err := ParseIdentity(tok, time.Now())
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// Fingerprint returns a digest that identifies token without revealing it.
// The empty token has the empty fingerprint.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}
