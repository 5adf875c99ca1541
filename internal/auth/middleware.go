package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware enforces bearer-token authentication outside a set of public paths.
type Middleware struct {
	cfg    Config
	public map[string]struct{}
}

// NewMiddleware constructs Middleware. Health and metrics endpoints stay open,
// as do any extra public paths.
func NewMiddleware(cfg Config, public ...string) Middleware {
	m := Middleware{cfg: cfg, public: map[string]struct{}{"/healthz": {}, "/metrics": {}}}
	for _, p := range public {
		m.public[p] = struct{}{}
	}
	return m
}

// Wrap attaches authentication handling to an http.Handler.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := m.public[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := Parse(bearerToken(r), m.cfg)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="rewards"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// bearerToken returns the credential of a Bearer Authorization header, or ""
// when the header is absent or uses another scheme.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return token
}
