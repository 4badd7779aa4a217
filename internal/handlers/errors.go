package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-vault/internal/apperrors"
)

func statusFor(err error) int {
	if errors.Is(err, apperrors.ErrUsernameTaken) || errors.Is(err, apperrors.ErrEmailTaken) {
		return http.StatusConflict
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeAuth:
		return http.StatusUnauthorized
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeAlreadyExists:
		return http.StatusConflict
	case apperrors.CodeStoreOperation:
		return http.StatusBadGateway
	case apperrors.CodeCipher:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error", "code"}. Causes stay in the logs.
func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Str("request_id", requestIDFromContext(c)).Msg(fallback)
	}
	code := apperrors.CodeOf(err)
	c.JSON(status, gin.H{"error": apperrors.MessageOf(err, fallback), "code": code})
}
