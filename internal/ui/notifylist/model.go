package notifylist

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/keys"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/theme"
)

// SelectedMsg is sent when the user opens a notification.
type SelectedMsg struct {
	ID model.NotificationID
}

// ConfirmMsg asks to confirm one notification.
type ConfirmMsg struct {
	ID model.NotificationID
}

// DeleteMsg asks to delete one notification.
type DeleteMsg struct {
	ID model.NotificationID
}

// Model is the notification list view.
type Model struct {
	list   list.Model
	keys   *keys.KeyMap
	counts notify.Counts
	width  int
	height int
}

// New creates a new notification list model.
func New(k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, ItemDelegate{}, width, max(height-2, 0))
	l.Title = "Notifications"
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()
	l.Styles.Title = theme.HeaderStyle

	return Model{
		list:   l,
		keys:   k,
		width:  width,
		height: height,
	}
}

// SetSnapshot replaces the rows, keeping the cursor on the same record
// when it still exists.
func (m *Model) SetSnapshot(s notify.Snapshot) tea.Cmd {
	selected, hadSelection := m.SelectedID()

	items := make([]list.Item, len(s.Records))
	cursor := -1
	for i, n := range s.Records {
		kind, pending := s.Intents[n.ID]
		items[i] = Item{Notification: n, Intent: kind, Pending: pending}
		if hadSelection && n.ID == selected {
			cursor = i
		}
	}

	m.counts = s.Counts
	m.list.Title = fmt.Sprintf("Notifications (%d pending, %d confirmed)", s.Counts.Pending, s.Counts.Confirmed)

	prev := m.list.Index()
	cmd := m.list.SetItems(items)
	switch {
	case cursor >= 0:
		m.list.Select(cursor)
	case len(items) > 0:
		m.list.Select(min(prev, len(items)-1))
	}
	return cmd
}

// Counts returns the counts of the last snapshot.
func (m Model) Counts() notify.Counts {
	return m.counts
}

// SelectedID returns the id under the cursor.
func (m Model) SelectedID() (model.NotificationID, bool) {
	it, ok := m.list.SelectedItem().(Item)
	if !ok {
		return "", false
	}
	return it.Notification.ID, true
}

// Update handles messages for the notification list.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Select):
			id, ok := m.SelectedID()
			if !ok {
				return m, nil
			}
			return m, func() tea.Msg { return SelectedMsg{ID: id} }

		case key.Matches(msg, m.keys.Confirm):
			it, ok := m.list.SelectedItem().(Item)
			if !ok || it.Notification.Status == model.StatusConfirmed {
				return m, nil
			}
			return m, func() tea.Msg { return ConfirmMsg{ID: it.Notification.ID} }

		case key.Matches(msg, m.keys.Delete):
			id, ok := m.SelectedID()
			if !ok {
				return m, nil
			}
			return m, func() tea.Msg { return DeleteMsg{ID: id} }
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the notification list.
func (m Model) View() string {
	if len(m.list.Items()) == 0 {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No notifications.\n\nNew ones appear here as they arrive.")
	}
	return m.list.View()
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, max(height-2, 0))
}
