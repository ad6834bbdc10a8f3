package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// AuthMiddleware requires a valid access token on every request.
type AuthMiddleware struct {
	jwtManager *JWTManager
}

func NewAuthMiddleware(jm *JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: jm}
}

// Authenticate validates the bearer token and stores its claims in the context.
func (am *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			am.unauthorized(w, "missing or malformed authorization header")
			return
		}

		claims, err := am.jwtManager.ValidateToken(r.Context(), token, TokenTypeAccess)
		if err != nil {
			am.unauthorized(w, "invalid or expired token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (am *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "unauthorized",
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

type contextKey string

const ClaimsContextKey contextKey = "claims"

// GetClaimsFromContext extracts claims from request context
func GetClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
