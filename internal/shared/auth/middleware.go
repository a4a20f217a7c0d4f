package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	IdentityContextKey contextKey = "identity"

	// IdentityHeader carries the identity assertion minted by the upstream
	// auth layer. The core never authenticates users itself.
	IdentityHeader = "X-Forwarded-Identity"
)

// Roles recognised by the surveillance core.
const (
	RoleEpidemiologist = "epidemiologist"
	RoleLabManager     = "lab_manager"
	RoleAnalyst        = "analyst"
	RoleAdmin          = "admin"
	RoleSystem         = "system"
)

// Identity is the already-validated caller forwarded by the auth layer.
type Identity struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// Claims is the forwarded identity assertion.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// SystemIdentity is used for jobs started from the CLI or the scheduler.
func SystemIdentity(name string) *Identity {
	return &Identity{Subject: name, Role: RoleSystem}
}

// Middleware decodes the forwarded identity assertion into the request context.
// The assertion is signed with a secret shared with the upstream proxy so a
// client cannot inject its own identity by setting the header directly.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(IdentityHeader)
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing caller identity")
				return
			}
			tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid caller identity")
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "caller identity has no subject")
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{Subject: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity stores the identity in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// GetIdentity extracts the caller identity from request context
func GetIdentity(ctx context.Context) *Identity {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// RequireRoles creates middleware that requires specific roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, "caller identity required")
				return
			}

			if !id.HasAnyRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasAnyRole checks if the identity holds one of roles. Admin holds all.
func (i *Identity) HasAnyRole(roles ...string) bool {
	if i.Role == RoleAdmin {
		return true
	}
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
