package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-vault/internal/models"
)

const (
	PrincipalKey = "principal"
	UserIDKey    = "userID"
	TokenKey     = "token"
)

// TokenResolver turns a bearer token into the signed-in principal.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (models.Principal, error)
}

// AuthMiddleware validates the Authorization bearer token.
func AuthMiddleware(resolver TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		principal, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(PrincipalKey, principal)
		c.Set(UserIDKey, principal.ID)
		c.Set(TokenKey, token)
		c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// PrincipalFromContext returns the principal set by AuthMiddleware.
func PrincipalFromContext(c *gin.Context) (models.Principal, bool) {
	val, ok := c.Get(PrincipalKey)
	if !ok {
		return models.Principal{}, false
	}
	principal, ok := val.(models.Principal)
	return principal, ok
}
