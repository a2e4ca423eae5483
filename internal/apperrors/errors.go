package apperrors

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("authentication failed")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	ErrNoToken        = errors.New("access token not provided")
	ErrTokenExpired   = errors.New("token is expired")
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrDecryption     = errors.New("token could not be decrypted")
	ErrReauthenticate = errors.New("session can't be renewed, authenticate again")
)

// ValidationError reports user correctable input problems per field
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
