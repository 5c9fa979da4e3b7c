package httpserver

import (
	"context"
	"net/http"
	"strings"
)

// sessionCookie is the cookie the web application sets at login; API
// clients send the same token as a bearer header instead.
const sessionCookie = "session_token"

type ctxKey int

const userIDKey ctxKey = iota

// requireAuth resolves the session token to a user and stores the user
// ID on the request context. Requests without a valid session never
// reach the handlers.
func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie(sessionCookie); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing session token")
			return
		}

		userID, err := h.svc.Authenticate(r.Context(), token)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}
