// Package protocol defines the JSON frames exchanged over the real-time
// channel. Every frame is an object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nhle/courier/internal/model"
)

// Kind is the value of a frame's "type" field.
type Kind string

// Inbound kinds.
const (
	KindAuthenticated        Kind = "authenticated"
	KindNotification         Kind = "notification"
	KindNotificationCount    Kind = "notification_count"
	KindNotificationUpdate   Kind = "notification_update"
	KindSessionConflict      Kind = "session_conflict"
	KindForceLogout          Kind = "force_logout"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindOrderUpdate          Kind = "order_update"
)

// Outbound kinds.
const (
	KindAuthenticate     Kind = "authenticate"
	KindSessionHeartbeat Kind = "session_heartbeat"
)

var (
	// ErrMalformed marks a frame that failed structural validation.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownKind marks a frame whose type is not understood.
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Envelope is the part shared by every frame.
type Envelope struct {
	Type Kind `json:"type"`
}

// Authenticated acknowledges an authenticate frame.
type Authenticated struct {
	UserID string `json:"userId,omitempty"`
}

// SessionSignal carries the server's reason for ending a session.
type SessionSignal struct {
	Message string `json:"message,omitempty"`
}

// NotificationPush delivers a new or changed notification.
type NotificationPush struct {
	Data model.NotificationPatch `json:"data"`
}

// NotificationCount is the server's idea of the unread count.
type NotificationCount struct {
	Count int `json:"count"`
}

// UpdateAction is the change a notification_update describes.
type UpdateAction string

const (
	ActionConfirmed UpdateAction = "confirmed"
	ActionDeleted   UpdateAction = "deleted"
	ActionEdited    UpdateAction = "edited"
)

// NotificationUpdate describes a change made elsewhere to a known record.
type NotificationUpdate struct {
	Action         UpdateAction             `json:"action"`
	NotificationID model.NotificationID     `json:"notificationId"`
	Data           *model.NotificationPatch `json:"data,omitempty"`
}

// OrderUpdate is forwarded untouched to the order collaborator.
type OrderUpdate struct {
	Data json.RawMessage `json:"data"`
}

// Frame is a decoded inbound frame. Exactly one payload field is set,
// matching Kind.
type Frame struct {
	Kind Kind

	Authenticated *Authenticated
	Signal        *SessionSignal
	Push          *NotificationPush
	Count         *NotificationCount
	Update        *NotificationUpdate
	Order         *OrderUpdate
}

// Decode parses and validates an inbound frame. The returned error wraps
// ErrMalformed or ErrUnknownKind; the frame is only usable when err is nil.
func Decode(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	f := Frame{Kind: env.Type}
	var err error
	switch env.Type {
	case KindAuthenticated:
		f.Authenticated = &Authenticated{}
		err = json.Unmarshal(data, f.Authenticated)

	case KindSessionConflict, KindForceLogout, KindAuthenticationFailed:
		f.Signal = &SessionSignal{}
		err = json.Unmarshal(data, f.Signal)

	case KindNotification:
		f.Push = &NotificationPush{}
		if err = json.Unmarshal(data, f.Push); err == nil {
			err = validatePatch(f.Push.Data)
		}

	case KindNotificationCount:
		var raw struct {
			Count *int `json:"count"`
		}
		if err = json.Unmarshal(data, &raw); err == nil {
			switch {
			case raw.Count == nil:
				err = errors.New("missing count")
			case *raw.Count < 0:
				err = fmt.Errorf("negative count %d", *raw.Count)
			default:
				f.Count = &NotificationCount{Count: *raw.Count}
			}
		}

	case KindNotificationUpdate:
		f.Update = &NotificationUpdate{}
		if err = json.Unmarshal(data, f.Update); err == nil {
			err = validateUpdate(f.Update)
		}

	case KindOrderUpdate:
		f.Order = &OrderUpdate{}
		err = json.Unmarshal(data, f.Order)

	default:
		return Frame{Kind: env.Type}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return f, nil
}

func validatePatch(p model.NotificationPatch) error {
	if p.ID == "" {
		return errors.New("notification without id")
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", *p.Status)
	}
	return nil
}

func validateUpdate(u *NotificationUpdate) error {
	if u.NotificationID == "" {
		return errors.New("missing notificationId")
	}
	switch u.Action {
	case ActionConfirmed, ActionDeleted:
	case ActionEdited:
		if u.Data == nil {
			return errors.New("edited update without data")
		}
	default:
		return fmt.Errorf("unknown action %q", u.Action)
	}
	if u.Data != nil {
		if u.Data.ID != "" && u.Data.ID != u.NotificationID {
			return fmt.Errorf("data id %q does not match notificationId %q", u.Data.ID, u.NotificationID)
		}
		if u.Data.Status != nil && !u.Data.Status.Valid() {
			return fmt.Errorf("unknown status %q", *u.Data.Status)
		}
	}
	return nil
}

// Authenticate is sent once the channel opens.
type Authenticate struct {
	Type     Kind       `json:"type"`
	UserID   string     `json:"userId"`
	UserType model.Role `json:"userType"`
}

// NewAuthenticate builds the authenticate frame for s.
func NewAuthenticate(s model.Session) Authenticate {
	return Authenticate{Type: KindAuthenticate, UserID: s.SubjectID, UserType: s.Role}
}

// SessionHeartbeat is the periodic liveness frame.
type SessionHeartbeat struct {
	Type   Kind   `json:"type"`
	UserID string `json:"userId"`
}

// NewSessionHeartbeat builds a heartbeat frame for s.
func NewSessionHeartbeat(s model.Session) SessionHeartbeat {
	return SessionHeartbeat{Type: KindSessionHeartbeat, UserID: s.SubjectID}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}
