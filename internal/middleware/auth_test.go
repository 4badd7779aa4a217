package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/mocks"
	"chat-vault/internal/models"
)

func setupRouter(resolver TokenResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(resolver), func(c *gin.Context) {
		principal, _ := PrincipalFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": principal.ID, "user_id": c.GetString(UserIDKey), "token": c.GetString(TokenKey)})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	accounts := new(mocks.AccountServiceMock)
	router := setupRouter(accounts)
	accounts.On("Resolve", mock.Anything, "good").Return(models.Principal{ID: "alice"}, nil)
	accounts.On("Resolve", mock.Anything, "expired").Return(nil, apperrors.ErrInvalidToken)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"rejected", "Bearer expired", http.StatusUnauthorized},
		{"ok", "bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.JSONEq(t, `{"id":"alice","user_id":"alice","token":"good"}`, rec.Body.String())
			}
		})
	}
}
