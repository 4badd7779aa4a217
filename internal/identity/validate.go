package identity

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
	"time"

	"chat-vault/internal/apperrors"
)

const (
	MinPasswordLength = 6
	MinimumAge        = 18

	// MaxAvatarBytes bounds the decoded size of an inline data URL avatar.
	MaxAvatarBytes = 1 << 20
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,25}$`)

// NormalizeUsername lowercases and trims a username and checks it against
// the allowed charset and length.
func NormalizeUsername(username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return "", apperrors.ErrInvalidUsername
	}
	return username, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.ContainsAny(email, " \t\r\n") {
		return "", apperrors.ErrInvalidEmail
	}
	return email, nil
}

func validatePassword(password, confirm string) error {
	if len(password) < MinPasswordLength {
		return apperrors.ErrWeakPassword
	}
	if password != confirm {
		return apperrors.ErrPasswordMismatch
	}
	return nil
}

// validateAge reports whether someone born on dob is at least MinimumAge
// years old at now.
func validateAge(dob, now time.Time) error {
	if dob.IsZero() {
		return apperrors.ErrMissingDateOfBirth
	}
	if dob.AddDate(MinimumAge, 0, 0).After(now) {
		return apperrors.ErrUnderage
	}
	return nil
}

// NormalizeAvatar accepts an http(s) URL or a base64 image data URL. An
// empty string clears the avatar and yields nil.
func NormalizeAvatar(avatar string) (*string, error) {
	avatar = strings.TrimSpace(avatar)
	if avatar == "" {
		return nil, nil
	}

	if strings.HasPrefix(avatar, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(avatar, "data:"), ",")
		if !ok || !strings.HasPrefix(meta, "image/") || !strings.HasSuffix(meta, ";base64") {
			return nil, apperrors.ErrInvalidAvatar
		}
		if base64.StdEncoding.DecodedLen(len(data)) > MaxAvatarBytes+2 {
			return nil, apperrors.ErrAvatarTooLarge
		}
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, apperrors.ErrInvalidAvatar
		}
		if len(decoded) > MaxAvatarBytes {
			return nil, apperrors.ErrAvatarTooLarge
		}
		return &avatar, nil
	}

	u, err := url.Parse(avatar)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.ErrInvalidAvatar
	}
	return &avatar, nil
}
