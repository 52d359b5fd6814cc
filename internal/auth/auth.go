// Package auth provides JWT Bearer token validation for bridge sessions
// and the admin API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/ble-bridge/internal/bridgeerr"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims represents the validated JWT claims injected into the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// FromContext returns the claims stored by Middleware, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

// Middleware returns an HTTP middleware that validates JWT Bearer tokens
// and requires the given scope. When auth is disabled in the config, all
// requests pass through.
func Middleware(cfg config.AuthConfig, requiredScope string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := BearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				bridgeerr.WriteJSON(w, r, http.StatusUnauthorized, bridgeerr.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			claims, err := Verify(tokenStr, cfg, requiredScope)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				if IsScopeError(err) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					bridgeerr.WriteJSON(w, r, http.StatusForbidden, bridgeerr.AuthInsufficient, err.Error())
				} else {
					metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
					bridgeerr.WriteJSON(w, r, http.StatusUnauthorized, bridgeerr.AuthInvalidToken, err.Error())
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the Bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// Verify validates a raw token string against the configured issuer,
// audience, and signing secret, then checks that requiredScope is
// present. The session server calls this directly during the websocket
// handshake; Middleware calls it for admin HTTP requests.
func Verify(tokenStr string, cfg config.AuthConfig, requiredScope string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	// Handle audience — can be string or []interface{}
	switch aud := mapClaims["aud"].(type) {
	case string:
		claims.Audience = aud
	case []interface{}:
		if len(aud) > 0 {
			if s, ok := aud[0].(string); ok {
				claims.Audience = s
			}
		}
	}

	// Parse scopes — space-separated string per OAuth2 spec
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		claims.Scopes = strings.Fields(scopeStr)
	}

	if requiredScope != "" {
		found := false
		for _, s := range claims.Scopes {
			if s == requiredScope {
				found = true
				break
			}
		}
		if !found {
			return nil, &ScopeError{MissingScope: requiredScope}
		}
	}

	return claims, nil
}

// ScopeError indicates the token is valid but lacks the required scope.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

// IsScopeError reports whether err is a scope rejection rather than an
// invalid token.
func IsScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}
