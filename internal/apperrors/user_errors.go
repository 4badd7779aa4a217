package apperrors

var (
	ErrEmptyMessage       = Validation("message text cannot be empty")
	ErrMessageTooLong     = Validation("message text is too long")
	ErrInvalidParticipant = Validation("invalid participant id")
	ErrNotParticipant     = Validation("viewer is not a participant of the conversation")

	ErrInvalidUsername    = Validation("username must be 3-25 chars: letters, numbers or . - _")
	ErrPasswordMismatch   = Validation("passwords do not match")
	ErrWeakPassword       = Validation("password must be at least 6 characters long")
	ErrInvalidEmail       = Validation("invalid email address")
	ErrUnderage           = Validation("you must be at least 18 years old to sign up")
	ErrInvalidAvatar      = Validation("avatar must be an http(s) url or a base64 image data url")
	ErrAvatarTooLarge     = Validation("avatar image is too large")
	ErrMissingDateOfBirth = Validation("date of birth is required")

	ErrInvalidCredentials = Auth("invalid email or password")
	ErrEmailTaken         = Auth("an account already exists for this email")
	ErrUsernameTaken      = Auth("username already taken")
	ErrInvalidToken       = Auth("invalid or expired session")

	ErrUserNotFound = NotFound("user not found")
)
