package notifylist

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/theme"
)

// Item wraps a notification and any operation in flight for it.
type Item struct {
	Notification model.Notification
	Intent       notify.IntentKind
	Pending      bool
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string {
	return i.Notification.Message
}

// ItemDelegate implements list.ItemDelegate for notification rows.
type ItemDelegate struct {
	now func() time.Time
}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused for now).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single notification line.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(Item)
	if !ok {
		return
	}
	fmt.Fprint(w, d.renderLine(it, index == m.Index()))
}

func (d ItemDelegate) renderLine(it Item, selected bool) string {
	n := it.Notification

	marker := " "
	if !n.IsRead {
		marker = theme.UnreadStyle.Render("●")
	}

	statusBadge := theme.StatusStyle(n.Status).Render(string(n.Status))

	from := ""
	if n.Counterparty.Name != "" {
		from = lipgloss.NewStyle().
			Foreground(theme.ColorMagenta).
			Render(n.Counterparty.Name + ": ")
	}

	ts := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		Render(relativeTime(n.CreatedAt, d.clock()))

	line := fmt.Sprintf("%s %s %s%s  %s", marker, statusBadge, from, n.Message, ts)

	if it.Pending {
		line = theme.DimmedStyle.Render(line + " " + intentLabel(it.Intent))
	}

	if selected {
		return theme.SelectedItemStyle.Render(line)
	}
	return theme.ListItemStyle.Render(line)
}

func (d ItemDelegate) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func intentLabel(k notify.IntentKind) string {
	switch k {
	case notify.IntentConfirm:
		return "confirming…"
	case notify.IntentDelete:
		return "deleting…"
	default:
		return "working…"
	}
}

// relativeTime returns a human-friendly relative time string.
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return strings.TrimSpace(t.Local().Format("Jan _2"))
	}
}
