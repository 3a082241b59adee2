package middleware

import (
	"context"
	"net/http"
	"strings"

	"note-sync-server/pkg/jwt"
	"note-sync-server/pkg/response"
)

type contextKey string

const ClientIDKey contextKey = "clientID"

// AuthMiddleware requires a bearer token signed with secret. An empty
// secret disables the check.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				response.Unauthorized(w, "missing or malformed authorization header")
				return
			}

			claims, err := jwt.ValidateToken(token, secret)
			if err != nil {
				response.Unauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		token := r.URL.Query().Get("token")
		return token, token != ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func GetClientID(r *http.Request) string {
	id, _ := r.Context().Value(ClientIDKey).(string)
	return id
}
