package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NotificationStatus is the confirmation state of a notification.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusConfirmed NotificationStatus = "confirmed"
)

// Valid reports whether s is one of the known statuses.
func (s NotificationStatus) Valid() bool {
	return s == StatusPending || s == StatusConfirmed
}

// NotificationID is the stable, server-assigned identifier of a notification.
// The server emits it either as a JSON string or as a JSON number; both
// decode to the same canonical string form.
type NotificationID string

// UnmarshalJSON accepts both `"42"` and `42`.
func (id *NotificationID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NotificationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("notification id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("notification id %s is not an integer", n)
	}
	*id = NotificationID(n.String())
	return nil
}

// Counterparty identifies the other side of a notification: the shop for a
// driver, the driver for a shop.
type Counterparty struct {
	Kind Role   `json:"kind,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Notification is the client's view of a single notification record.
type Notification struct {
	// ID uniquely identifies the record; the store never holds two
	// records with the same ID.
	ID NotificationID `json:"id"`

	// Status is pending until the recipient confirms it.
	Status NotificationStatus `json:"status"`

	// IsRead indicates whether the user has seen this notification.
	IsRead bool `json:"isRead"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// Counterparty is the shop or driver the notification concerns.
	Counterparty Counterparty `json:"counterpartyRef"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// NotificationPatch is a partial notification as carried by a push event.
// Nil fields were not present on the wire and must be preserved when the
// patch is merged into an existing record.
type NotificationPatch struct {
	ID           NotificationID      `json:"id"`
	Status       *NotificationStatus `json:"status,omitempty"`
	IsRead       *bool               `json:"isRead,omitempty"`
	Message      *string             `json:"message,omitempty"`
	Counterparty *Counterparty       `json:"counterpartyRef,omitempty"`
	CreatedAt    *time.Time          `json:"createdAt,omitempty"`
	ConfirmedAt  *time.Time          `json:"confirmedAt,omitempty"`
}

// ApplyTo returns n with every field present in the patch overwritten.
func (p NotificationPatch) ApplyTo(n Notification) Notification {
	if p.Status != nil {
		n.Status = *p.Status
	}
	if p.IsRead != nil {
		n.IsRead = *p.IsRead
	}
	if p.Message != nil {
		n.Message = *p.Message
	}
	if p.Counterparty != nil {
		n.Counterparty = *p.Counterparty
	}
	if p.CreatedAt != nil {
		n.CreatedAt = *p.CreatedAt
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		n.ConfirmedAt = &t
	}
	return n
}

// NewNotification builds a full record from a patch for an id the client
// has not seen yet. Missing status defaults to pending.
func (p NotificationPatch) NewNotification() Notification {
	n := p.ApplyTo(Notification{ID: p.ID, Status: StatusPending})
	if !n.Status.Valid() {
		n.Status = StatusPending
	}
	return n
}
