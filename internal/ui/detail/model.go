package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/keys"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/theme"
	"github.com/nhle/courier/internal/ui/notifylist"
)

// BackMsg signals the parent to navigate back to the list view.
type BackMsg struct{}

// Model shows one notification in full.
type Model struct {
	id       model.NotificationID
	record   *model.Notification
	intent   notify.IntentKind
	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
}

// New creates a new detail view model.
func New(keys *keys.KeyMap, width, height int) Model {
	vp := viewport.New(width, max(height-2, 0))
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		keys:     keys,
		width:    width,
		height:   height,
	}
}

// Show selects the record to display from s.
func (m *Model) Show(id model.NotificationID, s notify.Snapshot) {
	m.id = id
	m.Refresh(s)
	m.viewport.GotoTop()
}

// Refresh re-reads the displayed record from a newer snapshot. It
// reports false once the record is gone.
func (m *Model) Refresh(s notify.Snapshot) bool {
	m.record = nil
	m.intent = ""
	for i := range s.Records {
		if s.Records[i].ID == m.id {
			n := s.Records[i]
			m.record = &n
			m.intent = s.Intents[m.id]
			break
		}
	}
	m.viewport.SetContent(m.renderContent())
	return m.record != nil
}

// Update handles messages for the detail view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Back):
			return m, func() tea.Msg { return BackMsg{} }

		case key.Matches(msg, m.keys.Confirm):
			if m.record != nil && m.record.Status == model.StatusPending {
				id := m.record.ID
				return m, func() tea.Msg { return notifylist.ConfirmMsg{ID: id} }
			}
			return m, nil

		case key.Matches(msg, m.keys.Delete):
			if m.record != nil {
				id := m.record.ID
				return m, func() tea.Msg { return notifylist.DeleteMsg{ID: id} }
			}
			return m, nil
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the detail view.
func (m Model) View() string {
	if m.record == nil {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("Notification no longer available")
	}
	return m.viewport.View()
}

func (m Model) renderContent() string {
	n := m.record
	if n == nil {
		return ""
	}

	var sections []string

	statusBadge := theme.StatusStyle(n.Status).Render(string(n.Status))
	readBadge := theme.HelpStyle.Render("read")
	if !n.IsRead {
		readBadge = theme.UnreadStyle.Render("unread")
	}
	badges := lipgloss.JoinHorizontal(lipgloss.Top, statusBadge, "  ", readBadge)
	if m.intent != "" {
		badges = lipgloss.JoinHorizontal(lipgloss.Top, badges, "  ", theme.DimmedStyle.Render(string(m.intent)+" in progress"))
	}
	sections = append(sections, badges, "")

	metaStyle := lipgloss.NewStyle().Foreground(theme.ColorGray)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	row := func(label, value string) {
		sections = append(sections, fmt.Sprintf("%s %s",
			metaStyle.Render(fmt.Sprintf("%-10s", label+":")),
			valStyle.Render(value),
		))
	}

	row("ID", string(n.ID))
	if c := n.Counterparty; c.Name != "" || c.ID != "" {
		who := c.Name
		if who == "" {
			who = c.ID
		}
		if c.Kind != "" {
			who = fmt.Sprintf("%s (%s)", who, c.Kind)
		}
		row("From", who)
	}
	if !n.CreatedAt.IsZero() {
		row("Received", formatTime(n.CreatedAt))
	}
	if n.ConfirmedAt != nil {
		row("Confirmed", formatTime(*n.ConfirmedAt))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorSubtle).
		Render(strings.Repeat("─", max(min(m.width-4, 80), 0)))
	sections = append(sections, "", sep, "")

	body := n.Message
	if body == "" {
		body = lipgloss.NewStyle().
			Foreground(theme.ColorGray).
			Italic(true).
			Render("No message")
	}
	sections = append(sections, lipgloss.NewStyle().Width(max(m.width-4, 10)).Render(body))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

// SetSize updates the detail view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = max(height-2, 0)
	m.viewport.SetContent(m.renderContent())
}
