package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sugos/mrdash/internal/shared/config"
)

type contextKey string

const (
	OperatorContextKey contextKey = "operator"
)

// Operator is the person driving the dashboard, taken from JWT claims.
type Operator struct {
	Subject string   `json:"sub"`
	Name    string   `json:"name"`
	Roles   []string `json:"roles"`
}

// Claims extends JWT claims with dashboard roles
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

// Middleware creates JWT authentication middleware. When auth is disabled
// every request runs as an anonymous local operator.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				ctx := context.WithValue(r.Context(), OperatorContextKey, &Operator{Subject: "local"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.JWTSecret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid || claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			operator := &Operator{
				Subject: claims.Subject,
				Name:    claims.Name,
				Roles:   claims.Roles,
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperator extracts the operator from request context
func GetOperator(ctx context.Context) *Operator {
	operator, ok := ctx.Value(OperatorContextKey).(*Operator)
	if !ok {
		return nil
	}
	return operator
}

// RequireRoles creates middleware that requires one of the given roles.
// It is a no-op for the anonymous local operator.
func RequireRoles(cfg config.AuthConfig, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			operator := GetOperator(r.Context())
			if operator == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !operator.HasAnyRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasAnyRole checks if the operator holds at least one of the roles
func (o *Operator) HasAnyRole(roles ...string) bool {
	for _, required := range roles {
		for _, role := range o.Roles {
			if role == required {
				return true
			}
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
