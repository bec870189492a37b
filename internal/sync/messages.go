package sync

import (
	"encoding/json"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/realtime"
)

// SnapshotMsg is a tea.Msg carrying the latest notification state.
type SnapshotMsg struct {
	Snapshot notify.Snapshot
}

// NoticeMsg is a tea.Msg with a message for the user. Terminal notices
// cannot be dismissed.
type NoticeMsg struct {
	Notice model.Notice
}

// RedirectMsg is a tea.Msg asking the UI to navigate.
type RedirectMsg struct {
	Target model.RedirectTarget
}

// ConnStatusMsg is a tea.Msg sent on every connection state change.
type ConnStatusMsg struct {
	Status realtime.Status
}

// SessionMsg is a tea.Msg sent when a session begins or ends. Session is
// nil when signed out.
type SessionMsg struct {
	Session *model.Session
}

// SoundMsg is a tea.Msg with the current sound preference.
type SoundMsg struct {
	Enabled bool
}

// OrderUpdateMsg is a tea.Msg carrying an order update verbatim.
type OrderUpdateMsg struct {
	Data json.RawMessage
}
