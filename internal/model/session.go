package model

import "fmt"

// Role is the kind of account a client authenticates as.
type Role string

const (
	RoleDriver Role = "driver"
	RoleShop   Role = "shop"
)

// ParseRole validates a role name from config or flags.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDriver, RoleShop:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q (want %q or %q)", s, RoleDriver, RoleShop)
	}
}

// Counterpart returns the role on the other side of a notification.
func (r Role) Counterpart() Role {
	if r == RoleDriver {
		return RoleShop
	}
	return RoleDriver
}

// Session is the authenticated identity of this client. At most one exists
// per client process.
type Session struct {
	SubjectID       string `json:"userId"`
	Role            Role   `json:"userType"`
	AuthToken       string `json:"-"`
	HeartbeatActive bool   `json:"-"`
}

// Notice is a user-facing message raised by the sync layer.
type Notice struct {
	Kind NoticeKind
	Text string

	// Terminal notices cannot be dismissed; a redirect always follows.
	Terminal bool
}

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeSessionConflict NoticeKind = "session_conflict"
	NoticeForcedLogout    NoticeKind = "force_logout"
	NoticeAuthFailed      NoticeKind = "authentication_failed"
	NoticeRequestFailed   NoticeKind = "request_failed"
	NoticeLoginFailed     NoticeKind = "login_failed"
)

// RedirectTarget names a place the UI should navigate to.
type RedirectTarget string

const RedirectLogin RedirectTarget = "login"
