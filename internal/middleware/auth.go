package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/photoedit/photoedit-api/internal/pkg/jwt"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/response"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	EmailKey  contextKey = "email"
)

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (*jwt.Identity, error)
}

// UserProvisioner creates the user record on first sight and refreshes its email.
type UserProvisioner func(ctx context.Context, userID string, email *string) error

// Auth rejects requests without a valid bearer token.
func Auth(verifier TokenVerifier, provision UserProvisioner) func(http.Handler) http.Handler {
	return authenticate(verifier, provision, true)
}

// OptionalAuth attaches the identity when a valid token is present and lets anonymous requests through.
// A token that is present but invalid is still rejected.
func OptionalAuth(verifier TokenVerifier, provision UserProvisioner) func(http.Handler) http.Handler {
	return authenticate(verifier, provision, false)
}

func authenticate(verifier TokenVerifier, provision UserProvisioner, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					response.Unauthorized(w, "Missing authorization header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.Fields(authHeader)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			identity, err := verifier.Verify(parts[1])
			if err != nil {
				if errors.Is(err, jwt.ErrExpiredToken) {
					response.Unauthorized(w, "Token expired")
				} else {
					response.Unauthorized(w, "Invalid token")
				}
				return
			}

			ctx := r.Context()
			if provision != nil {
				if err := provision(ctx, identity.UserID, identity.Email); err != nil {
					logger.FromContext(ctx).Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to provision user")
					response.InternalError(w)
					return
				}
			}

			ctx = context.WithValue(ctx, UserIDKey, identity.UserID)
			if identity.Email != nil {
				ctx = context.WithValue(ctx, EmailKey, *identity.Email)
			}
			ctx = logger.With(ctx, map[string]string{"user_id": identity.UserID})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// GetEmail extracts the caller's email from context
func GetEmail(ctx context.Context) string {
	if email, ok := ctx.Value(EmailKey).(string); ok {
		return email
	}
	return ""
}

// WithUserID returns a context carrying userID. Used by tests and internal callers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
