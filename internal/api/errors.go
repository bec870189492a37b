package api

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a response body cannot be decoded
// or is missing required fields.
var ErrMalformedResponse = errors.New("malformed response")

// AuthError indicates that the server rejected the credentials or token.
// It is returned when a 401 or 403 response is received.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%d): %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// StatusError is any other non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Message)
}
