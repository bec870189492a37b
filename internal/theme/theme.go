package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/realtime"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange  = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorSubtle  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for top-level section headers and the application title.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// StatusBarStyle is used for the bottom status bar.
var StatusBarStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Background(ColorSubtle).
	Padding(0, 1)

// PanelStyle wraps overlay panels such as help and the command palette.
var PanelStyle = lipgloss.NewStyle().
	Padding(1, 2).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// NoticeStyle frames a terminal notice. It has no dismiss affordance.
var NoticeStyle = lipgloss.NewStyle().
	Padding(1, 3).
	Border(lipgloss.DoubleBorder()).
	BorderForeground(ColorRed).
	Foreground(ColorWhite)

// ErrorTextStyle is used for transient request failures in the status bar.
var ErrorTextStyle = lipgloss.NewStyle().
	Foreground(ColorRed).
	Bold(true)

// ListItemStyle is the base style for items in a list.
var ListItemStyle = lipgloss.NewStyle().
	PaddingLeft(2)

// SelectedItemStyle highlights the currently focused list item.
var SelectedItemStyle = lipgloss.NewStyle().
	PaddingLeft(1).
	Bold(true).
	Foreground(ColorBlue).
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(ColorBlue)

// HelpStyle is used for keyboard shortcut hints and help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// DimmedStyle renders records with an operation in flight.
var DimmedStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Faint(true)

// UnreadStyle marks an unread record.
var UnreadStyle = lipgloss.NewStyle().
	Foreground(ColorYellow).
	Bold(true)

// StatusStyle returns a color-coded style for a notification status.
func StatusStyle(status model.NotificationStatus) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch status {
	case model.StatusPending:
		return base.Foreground(ColorOrange)
	case model.StatusConfirmed:
		return base.Foreground(ColorGreen)
	default:
		return base.Foreground(ColorGray)
	}
}

// ConnStyle returns a style for the connection indicator.
func ConnStyle(state realtime.State) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Background(ColorBlue)

	switch state {
	case realtime.StateOpen:
		return base.Foreground(ColorGreen)
	case realtime.StateConnecting, realtime.StateAwaitingAuth:
		return base.Foreground(ColorYellow)
	case realtime.StateDisconnected:
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}
