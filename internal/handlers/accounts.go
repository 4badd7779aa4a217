package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chat-vault/internal/identity"
	"chat-vault/internal/middleware"
	"chat-vault/internal/models"
	"chat-vault/internal/telemetry"
)

const dateOfBirthLayout = "2006-01-02"

// Accounts is the identity provider as used by the HTTP layer.
type Accounts interface {
	SignUp(ctx context.Context, req identity.SignUpRequest) (string, models.Principal, error)
	SignIn(ctx context.Context, email, password string) (string, models.Principal, error)
	SignOut(ctx context.Context, token string) error
	UpdateUsername(ctx context.Context, uid, username string) (models.Principal, error)
	UpdateAvatar(ctx context.Context, uid, avatar string) (models.Principal, error)
}

// AccountHandler serves sign-up, sign-in, sign-out and profile endpoints.
type AccountHandler struct {
	accounts Accounts
	audit    *telemetry.AuditEmitter
}

func NewAccountHandler(accounts Accounts, audit *telemetry.AuditEmitter) *AccountHandler {
	return &AccountHandler{accounts: accounts, audit: audit}
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

func newUserResponse(p models.Principal) userResponse {
	return userResponse{ID: p.ID, Email: p.Email, Username: p.DisplayName, AvatarURL: p.Avatar()}
}

// SignUp creates an account and returns its first session token.
func (h *AccountHandler) SignUp(c *gin.Context) {
	var req struct {
		Email           string `json:"email" binding:"required"`
		Password        string `json:"password" binding:"required"`
		ConfirmPassword string `json:"confirm_password" binding:"required"`
		Username        string `json:"username" binding:"required"`
		DateOfBirth     string `json:"date_of_birth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var dob time.Time
	if strings.TrimSpace(req.DateOfBirth) != "" {
		parsed, err := time.Parse(dateOfBirthLayout, strings.TrimSpace(req.DateOfBirth))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_of_birth must be YYYY-MM-DD"})
			return
		}
		dob = parsed
	}

	token, principal, err := h.accounts.SignUp(c.Request.Context(), identity.SignUpRequest{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Username:        req.Username,
		DateOfBirth:     dob,
	})
	if err != nil {
		respondError(c, err, "failed to sign up")
		return
	}

	c.Set(middleware.UserIDKey, principal.ID)
	emitAudit(c, h.audit, "INFO", "User signed up")
	c.JSON(http.StatusCreated, gin.H{"token": token, "user": newUserResponse(principal)})
}

// SignIn exchanges email and password for a session token.
func (h *AccountHandler) SignIn(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, principal, err := h.accounts.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		emitAudit(c, h.audit, "WARN", "Sign in rejected")
		respondError(c, err, "failed to sign in")
		return
	}

	c.Set(middleware.UserIDKey, principal.ID)
	emitAudit(c, h.audit, "INFO", "User signed in")
	c.JSON(http.StatusOK, gin.H{"token": token, "user": newUserResponse(principal)})
}

// SignOut ends the session that authenticated the request.
func (h *AccountHandler) SignOut(c *gin.Context) {
	if err := h.accounts.SignOut(c.Request.Context(), c.GetString(middleware.TokenKey)); err != nil {
		respondError(c, err, "failed to sign out")
		return
	}
	emitAudit(c, h.audit, "INFO", "User signed out")
	c.Status(http.StatusNoContent)
}

// Me returns the authenticated principal.
func (h *AccountHandler) Me(c *gin.Context) {
	principal, _ := middleware.PrincipalFromContext(c)
	c.JSON(http.StatusOK, gin.H{"user": newUserResponse(principal)})
}

func (h *AccountHandler) UpdateUsername(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal, err := h.accounts.UpdateUsername(c.Request.Context(), c.GetString(middleware.UserIDKey), req.Username)
	if err != nil {
		respondError(c, err, "failed to update username")
		return
	}
	emitAudit(c, h.audit, "INFO", "Username changed")
	c.JSON(http.StatusOK, gin.H{"user": newUserResponse(principal)})
}

// UpdateAvatar sets or, with an empty avatar, clears the profile picture.
func (h *AccountHandler) UpdateAvatar(c *gin.Context) {
	var req struct {
		Avatar *string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Avatar == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar is required"})
		return
	}

	principal, err := h.accounts.UpdateAvatar(c.Request.Context(), c.GetString(middleware.UserIDKey), *req.Avatar)
	if err != nil {
		respondError(c, err, "failed to update avatar")
		return
	}
	emitAudit(c, h.audit, "INFO", "Avatar changed")
	c.JSON(http.StatusOK, gin.H{"user": newUserResponse(principal)})
}
