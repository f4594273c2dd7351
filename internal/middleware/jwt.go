package myMiddleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey  contextKey = "user_id"
	EmailKey contextKey = "email"
)

// TokenValidator resolves a bearer token to a user id and email handle.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if scheme, tok, ok := strings.Cut(authHeader, " "); ok && strings.EqualFold(scheme, "Bearer") {
				tokenString = tok
			}
		}
		// browsers cannot set headers on websocket upgrades
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, email, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, EmailKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identity returns the authenticated user id and email from ctx.
func Identity(ctx context.Context) (string, string, bool) {
	id, ok1 := ctx.Value(UserKey).(string)
	email, ok2 := ctx.Value(EmailKey).(string)
	return id, email, ok1 && ok2 && id != ""
}
