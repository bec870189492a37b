package api

import "github.com/nhle/courier/internal/model"

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	UserType model.Role `json:"userType"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// ErrorResponse is the JSON error body the server sends with non-2xx
// responses.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e ErrorResponse) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
