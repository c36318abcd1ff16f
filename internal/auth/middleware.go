package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type claimsKey struct{}

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// Middleware rejects requests without a valid bearer token, except on the
// paths it was told to leave open.
type Middleware struct {
	cfg  Config
	open map[string]bool
}

// NewMiddleware constructs Middleware.
func NewMiddleware(cfg Config, openPaths ...string) Middleware {
	open := make(map[string]bool, len(openPaths))
	for _, p := range openPaths {
		open[p] = true
	}
	return Middleware{cfg: cfg, open: open}
}

// Wrap places next behind token verification. Verified claims are available
// to next through FromContext.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.authenticate(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, errors.New("authorization header is not a bearer token")
	}
	return Parse(token, m.cfg)
}

func unauthorized(w http.ResponseWriter, err error) {
	code := "invalid_token"
	if errors.Is(err, ErrMissingToken) {
		code = "missing_token"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="ridesync"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": code, "detail": err.Error()})
}
