package notifylist

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/keys"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
)

func snapshot(records ...model.Notification) notify.Snapshot {
	s := notify.Snapshot{Records: records, Intents: map[model.NotificationID]notify.IntentKind{}}
	for _, n := range records {
		s.Counts.Total++
		if n.Status == model.StatusPending {
			s.Counts.Pending++
		} else {
			s.Counts.Confirmed++
		}
	}
	return s
}

func note(id string, status model.NotificationStatus) model.Notification {
	return model.Notification{ID: model.NotificationID(id), Status: status, Message: "msg " + id}
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestSetSnapshotKeepsCursorOnRecord(t *testing.T) {
	m := New(keys.DefaultKeyMap(), 80, 20)
	m.SetSnapshot(snapshot(note("1", model.StatusPending), note("2", model.StatusPending)))
	m.list.Select(1)

	// A push lands at the top; the cursor follows record 2.
	m.SetSnapshot(snapshot(note("3", model.StatusPending), note("1", model.StatusPending), note("2", model.StatusPending)))

	id, ok := m.SelectedID()
	require.True(t, ok)
	assert.Equal(t, model.NotificationID("2"), id)
}

func TestSetSnapshotClampsCursorWhenRecordRemoved(t *testing.T) {
	m := New(keys.DefaultKeyMap(), 80, 20)
	m.SetSnapshot(snapshot(note("1", model.StatusPending), note("2", model.StatusPending)))
	m.list.Select(1)

	m.SetSnapshot(snapshot(note("1", model.StatusPending)))

	id, ok := m.SelectedID()
	require.True(t, ok)
	assert.Equal(t, model.NotificationID("1"), id)
}

func TestConfirmKeyEmitsForPendingOnly(t *testing.T) {
	m := New(keys.DefaultKeyMap(), 80, 20)
	m.SetSnapshot(snapshot(note("1", model.StatusConfirmed), note("2", model.StatusPending)))

	_, cmd := m.Update(keyPress('c'))
	assert.Nil(t, cmd, "already confirmed")

	m.list.Select(1)
	_, cmd = m.Update(keyPress('c'))
	require.NotNil(t, cmd)
	assert.Equal(t, ConfirmMsg{ID: "2"}, cmd())
}

func TestDeleteKeyEmits(t *testing.T) {
	m := New(keys.DefaultKeyMap(), 80, 20)
	m.SetSnapshot(snapshot(note("7", model.StatusConfirmed)))

	_, cmd := m.Update(keyPress('d'))
	require.NotNil(t, cmd)
	assert.Equal(t, DeleteMsg{ID: "7"}, cmd())
}

func TestRenderLineShowsIntent(t *testing.T) {
	d := ItemDelegate{now: func() time.Time { return time.Unix(0, 0) }}
	line := d.renderLine(Item{
		Notification: note("1", model.StatusConfirmed),
		Intent:       notify.IntentConfirm,
		Pending:      true,
	}, false)

	assert.Contains(t, line, "msg 1")
	assert.Contains(t, line, "confirming…")
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{48 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, relativeTime(now.Add(-tt.ago), now))
		})
	}
	assert.Empty(t, relativeTime(time.Time{}, now))
}

func TestSelectKeyOpens(t *testing.T) {
	m := New(keys.DefaultKeyMap(), 80, 20)
	m.SetSnapshot(snapshot(note("4", model.StatusPending)))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, SelectedMsg{ID: "4"}, cmd())
}
