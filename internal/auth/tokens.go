package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSigningDisabled is returned when no signing secret is configured.
	ErrSigningDisabled = errors.New("approval token signing disabled")
	// ErrInvalidToken is returned for malformed, mis-signed, or expired tokens.
	ErrInvalidToken = errors.New("invalid approval token")
)

// ApprovalTokens signs and verifies the tokens embedded in approval links.
// A token is bound to a single permission request id, so the approval page
// can resolve only the request it was issued for.
type ApprovalTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewApprovalTokens builds a token helper with the given secret and lifetime.
func NewApprovalTokens(secret string, ttl time.Duration) *ApprovalTokens {
	return &ApprovalTokens{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a signing secret is configured.
func (a *ApprovalTokens) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Generate issues a signed token for the given permission request id.
func (a *ApprovalTokens) Generate(requestID string) (string, error) {
	if !a.Enabled() {
		return "", ErrSigningDisabled
	}
	if strings.TrimSpace(requestID) == "" {
		return "", errors.New("request id required")
	}

	claims := jwt.RegisteredClaims{
		Subject:  requestID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses a token and returns the permission request id it is bound to.
func (a *ApprovalTokens) Validate(token string) (string, error) {
	if !a.Enabled() {
		return "", ErrSigningDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
