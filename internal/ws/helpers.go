package ws

import (
	"net/http"

	"github.com/google/uuid"

	"chat-vault/internal/middleware"
)

func newConnID() string {
	return uuid.NewString()
}

// tokenFromRequest reads the bearer token from the Authorization header or,
// for clients that cannot set headers on upgrade, the token query param.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		token, _ := middleware.BearerToken(header)
		return token
	}
	return r.URL.Query().Get("token")
}
