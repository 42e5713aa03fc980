package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/control"
	"github.com/mackeh/sitelock/internal/gate"
)

// Role represents an RBAC role for API access.
type Role string

const (
	RoleAdmin    Role = "admin"    // full access
	RoleOperator Role = "operator" // lock, unlock, view
	RoleViewer   Role = "viewer"   // status, events and metrics
)

// AuthMiddleware enforces API key authentication and RBAC.
// If auth is not enabled, all requests pass through.
// An authenticated key's role is attached for the gate role rule and its
// name becomes the actor of any lock operation.
func AuthMiddleware(cfg config.AuthConfig, requiredRole Role, next http.HandlerFunc) http.HandlerFunc {
	if !cfg.Enabled {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		key, ok := authenticateToken(cfg.Keys, token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		if !hasPermission(Role(key.Role), requiredRole) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r.WithContext(withKey(r, key)))
	}
}

// RolesMiddleware attaches the role of a valid API key to the request
// without rejecting anything. It lets trusted callers through the gated
// proxy when authorized.roles names their role. A matched key is removed
// from the request so it never reaches the upstream; unknown tokens are
// left alone for the upstream's own auth.
func RolesMiddleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, src := findToken(r); token != "" {
			if key, ok := authenticateToken(cfg.Keys, token); ok {
				r = stripCredential(r.WithContext(withKey(r, key)), src)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// credential names where a token was found.
type credential int

const (
	credNone credential = iota
	credBearer
	credHeader
	credQuery
)

const (
	apiKeyHeader = "X-API-Key"
	apiKeyParam  = "api_key"
)

// stripCredential returns a copy of r without the credential at src.
func stripCredential(r *http.Request, src credential) *http.Request {
	r = r.Clone(r.Context())
	switch src {
	case credBearer:
		r.Header.Del("Authorization")
	case credHeader:
		r.Header.Del(apiKeyHeader)
	case credQuery:
		q := r.URL.Query()
		q.Del(apiKeyParam)
		r.URL.RawQuery = q.Encode()
		r.RequestURI = r.URL.RequestURI()
	}
	return r
}

func withKey(r *http.Request, key config.APIKey) context.Context {
	ctx := gate.WithRoles(r.Context(), key.Role)
	return control.WithActor(ctx, "api:"+key.Name)
}

func extractToken(r *http.Request) string {
	token, _ := findToken(r)
	return token
}

func findToken(r *http.Request) (string, credential) {
	// Check Authorization header: "Bearer <token>"
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), credBearer
	}

	if key := r.Header.Get(apiKeyHeader); key != "" {
		return key, credHeader
	}

	// Query parameter, for WebSocket connections
	if key := r.URL.Query().Get(apiKeyParam); key != "" {
		return key, credQuery
	}

	return "", credNone
}

func authenticateToken(keys []config.APIKey, token string) (config.APIKey, bool) {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k.Token), []byte(token)) == 1 {
			return k, true
		}
	}
	return config.APIKey{}, false
}

// hasPermission checks if the given role meets the required role level.
// admin > operator > viewer
func hasPermission(have, need Role) bool {
	levels := map[Role]int{
		RoleAdmin:    3,
		RoleOperator: 2,
		RoleViewer:   1,
	}
	return levels[have] >= levels[need]
}
