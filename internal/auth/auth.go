// Package auth validates bearer tokens for the reward HTTP API.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds token verification parameters.
type Config struct {
	Secret string
	Issuer string
	// Leeway tolerates clock skew between the identity service and this one.
	Leeway time.Duration
}

// Claims is the caller identity attached to a request.
type Claims struct {
	Subject   string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken is returned when the Authorization header is absent.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps parsing and validation errors.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// scopeList accepts either a JSON array or an OAuth-style space-separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("scopes must be a string or list of strings: %w", err)
	}
	*s = strings.Fields(joined)
	return nil
}

type tokenClaims struct {
	Scopes scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

// Parse validates an HS256 token and returns the caller's claims. Tokens must
// carry sub and exp and be issued by cfg.Issuer.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	scopes := make(map[string]struct{}, len(tc.Scopes))
	for _, scope := range tc.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	return &Claims{
		Subject:   tc.Subject,
		Scopes:    scopes,
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}

// HasScope reports whether the claim set includes the provided scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// CanRead reports whether the caller may read userID's rewards. Users may
// always read their own.
func (c *Claims) CanRead(userID string) bool {
	if c == nil {
		return false
	}
	return c.Subject == userID || c.HasScope(ScopeRewardsRead) || c.HasScope(ScopeRewardsAdmin)
}
