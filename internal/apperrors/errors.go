package apperrors

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknown        Code = "UNKNOWN"
	CodeValidation     Code = "VALIDATION"
	CodeAuth           Code = "AUTH"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeStoreOperation Code = "STORE_OPERATION"
	CodeCipher         Code = "CIPHER"
	CodeInternal       Code = "INTERNAL"
)

// Error carries a taxonomy code alongside the message shown to clients.
// Cause is kept for logs and errors.Is/As, never serialized.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code and message so sentinel values work
// with errors.Is even after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func Auth(msg string) error {
	return New(CodeAuth, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func Store(msg string, cause error) error {
	return Wrap(CodeStoreOperation, msg, cause)
}

func Cipher(msg string, cause error) error {
	return Wrap(CodeCipher, msg, cause)
}

func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

// CodeOf returns the code of the outermost *Error in the chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// MessageOf returns the client-facing message of err, or fallback when err
// carries no taxonomy.
func MessageOf(err error, fallback string) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return fallback
}
