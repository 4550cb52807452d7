package middleware

import (
	"context"
	"net/http"
	"strings"

	"market-chat/internal/apperr"
	"market-chat/internal/httpx"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is what the middleware needs from the identity provider.
type TokenValidator interface {
	ValidateToken(tokenString string) (userID string, username string, err error)
}

// AuthMiddleware is the Identity Resolver boundary: downstream handlers only
// ever see an authenticated actor id in the request context.
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		// Browsers cannot set headers on a websocket handshake.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			httpx.Error(w, nil, apperr.Unauthorized("missing authentication token", nil))
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			httpx.Error(w, nil, apperr.Unauthorized("invalid token", err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}

func UsernameFrom(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}
