package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type ctxKey int

const principalKey ctxKey = 0

// Role decides whose buckets a caller may act on.
type Role string

const (
	// RoleTenant may only check its own client id.
	RoleTenant Role = "tenant"
	// RoleService is a trusted backend that checks on behalf of any client.
	RoleService Role = "service"
	// RoleAdmin may also reset buckets.
	RoleAdmin Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleTenant:
		return RoleTenant, nil
	case RoleService:
		return RoleService, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return RoleTenant, fmt.Errorf("unknown role %q", s)
}

// Principal is the authenticated caller.
type Principal struct {
	ClientID string
	Role     Role
}

// CanActFor reports whether p may spend or inspect clientID's tokens.
func (p Principal) CanActFor(clientID string) bool {
	return p.Role == RoleService || p.Role == RoleAdmin || p.ClientID == clientID
}

// Key is one configured API key.
type Key struct {
	ClientID string
	Secret   string
	Role     Role
}

// Store maps API key secrets to principals.
type Store struct {
	header   string
	bySecret map[string]Principal
}

// NewStatic creates a key store reading secrets from header
// (default "X-API-Key").
func NewStatic(header string, keys []Key) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	m := make(map[string]Principal, len(keys))
	for _, k := range keys {
		role := k.Role
		if role == "" {
			role = RoleTenant
		}
		m[k.Secret] = Principal{ClientID: k.ClientID, Role: role}
	}
	return &Store{header: h, bySecret: m}
}

func (s *Store) Len() int { return len(s.bySecret) }

func (s *Store) principalFor(secret string) (Principal, bool) {
	for k, p := range s.bySecret {
		if subtle.ConstantTimeCompare([]byte(k), []byte(secret)) == 1 {
			return p, true
		}
	}
	return Principal{}, false
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// WithClientID marks ctx as authenticated by a tenant key for id.
func WithClientID(ctx context.Context, id string) context.Context {
	return WithPrincipal(ctx, Principal{ClientID: id, Role: RoleTenant})
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.ClientID != ""
}

func ClientIDFrom(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	return p.ClientID, ok
}

// ClientID returns the authenticated client, falling back to the remote IP.
func ClientID(r *http.Request) string {
	if id, ok := ClientIDFrom(r.Context()); ok {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "anon"
	}
	return "ip:" + host
}

// RequireRole rejects callers that are not authenticated with one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "missing_api_key", "authentication required")
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteError(w, http.StatusForbidden, "forbidden", "API key lacks the required role")
		})
	}
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				WriteError(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			p, ok := s.principalFor(secret)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError writes the shared JSON error envelope.
func WriteError(w http.ResponseWriter, code int, errCode, msg string) {
	var b errorBody
	b.Error.Code = errCode
	b.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(b)
}
