package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/theme"
)

// Layout manages the terminal layout dimensions.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions.
// HeaderHeight and StatusBarHeight default to 1.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the height available for the main content area,
// accounting for the header and status bar.
func (l Layout) ContentHeight() int {
	return max(l.Height-l.HeaderHeight-l.StatusBarHeight, 0)
}

// RenderHeader renders the top bar with a title on the left and the
// already styled indicators on the right.
func (l Layout) RenderHeader(title string, indicators string) string {
	titleRendered := theme.HeaderStyle.Render(title)
	right := theme.HeaderStyle.Render(indicators)

	gap := max(l.Width-lipgloss.Width(titleRendered)-lipgloss.Width(right), 0)
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(theme.HeaderStyle.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, titleRendered, filler, right)
}

// RenderStatusBar renders the bottom status bar with keyboard hints or
// a status line.
func (l Layout) RenderStatusBar(text string) string {
	rendered := theme.StatusBarStyle.Render(text)

	gap := max(l.Width-lipgloss.Width(rendered), 0)
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(theme.StatusBarStyle.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered, filler)
}

// RenderCentered places block in the middle of the content area.
func (l Layout) RenderCentered(block string) string {
	return lipgloss.Place(
		l.ContentWidth(), l.ContentHeight(),
		lipgloss.Center, lipgloss.Center,
		block,
	)
}

// RenderWithFrame composes a full terminal view by vertically joining
// the header, content area, and status bar.
func (l Layout) RenderWithFrame(header, content, statusBar string) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		lipgloss.NewStyle().Height(l.ContentHeight()).Render(content),
		statusBar,
	)
}
