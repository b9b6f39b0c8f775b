package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"notify-relay/internal/models"
)

// SessionClaims is the subset of the backend token this client reads. The
// backend has issued tokens with the user id under several claim names.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	LegacyID string `json:"id"`
	EmpID    string `json:"empId"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// Session carries the bearer token and the identity the realtime layer acts for.
type Session struct {
	Token    string
	Identity models.Identity
	Expires  time.Time
}

// NewSession builds a session from the stored token and identity. Identity
// fields left empty are filled from the token claims when the token is a JWT.
// The signature is not verified here; the backend does that on every request.
func NewSession(token string, identity models.Identity) Session {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	s := Session{Token: token, Identity: identity}
	if token == "" {
		return s
	}

	claims, err := ParseClaims(token)
	if err != nil {
		return s
	}

	if s.Identity.UserID == "" {
		s.Identity.UserID = firstNonEmpty(claims.UserID, claims.LegacyID, claims.Subject)
	}
	if s.Identity.EmpID == "" {
		s.Identity.EmpID = claims.EmpID
	}
	if s.Identity.Name == "" {
		s.Identity.Name = firstNonEmpty(claims.Name, claims.Email)
	}
	if claims.ExpiresAt != nil {
		s.Expires = claims.ExpiresAt.Time
	}
	return s
}

// ParseClaims decodes a JWT without verifying its signature.
func ParseClaims(token string) (*SessionClaims, error) {
	if token == "" {
		return nil, errors.New("token is empty")
	}

	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// Valid reports whether realtime delivery may be attempted for this session.
func (s Session) Valid() bool {
	return s.ValidAt(time.Now())
}

func (s Session) ValidAt(now time.Time) bool {
	if s.Token == "" || s.Identity.IsZero() {
		return false
	}
	return s.Expires.IsZero() || s.Expires.After(now)
}

// Header returns the Authorization header for REST and WebSocket requests.
func (s Session) Header() http.Header {
	h := http.Header{}
	if s.Token != "" {
		h.Set("Authorization", "Bearer "+s.Token)
	}
	return h
}

// Same reports whether two sessions would produce the same connection.
func (s Session) Same(other Session) bool {
	return s.Token == other.Token && s.Identity.UserID == other.Identity.UserID && s.Identity.EmpID == other.Identity.EmpID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
