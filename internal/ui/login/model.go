package login

import (
	"errors"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/theme"
)

// SubmitMsg is dispatched when the user completes the form.
type SubmitMsg struct {
	Username string
	Password string
	Role     model.Role
}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	username string
	password string
	role     model.Role
}

// Model is the sign-in screen.
type Model struct {
	form    *huh.Form
	fb      *formBindings
	errText string
	busy    bool
	width   int
	height  int
}

// New creates a login form prefilled with the last username and role.
func New(username string, role model.Role, width, height int) Model {
	if role == "" {
		role = model.RoleDriver
	}
	return Model{
		fb:     &formBindings{username: username, role: role},
		width:  width,
		height: height,
	}
}

// Start builds a fresh form. The password is never kept between attempts.
func (m *Model) Start() tea.Cmd {
	m.fb.password = ""
	m.busy = false
	m.form = m.buildForm()
	return m.form.Init()
}

// SetError shows text under the form and reopens it for another attempt.
func (m *Model) SetError(text string) tea.Cmd {
	m.errText = text
	return m.Start()
}

// ClearError removes any error text.
func (m *Model) ClearError() {
	m.errText = ""
}

// Busy reports whether a submitted attempt is in flight.
func (m Model) Busy() bool {
	return m.busy
}

// Update handles messages for the login form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil || m.busy {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.busy = true
		m.errText = ""
		submit := SubmitMsg{
			Username: strings.TrimSpace(m.fb.username),
			Password: m.fb.password,
			Role:     m.fb.role,
		}
		return m, func() tea.Msg { return submit }
	case huh.StateAborted:
		return m, m.Start()
	}

	return m, cmd
}

// View renders the login form.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1).
		Render("Sign in")

	parts := []string{title}
	if m.busy {
		parts = append(parts, theme.HelpStyle.Render("Signing in..."))
	} else {
		parts = append(parts, m.form.View())
	}
	if m.errText != "" {
		parts = append(parts, theme.ErrorTextStyle.Render(m.errText))
	}

	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&m.fb.username).
				Validate(required("username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&m.fb.password).
				Validate(required("password")),
			huh.NewSelect[model.Role]().
				Title("Account").
				Options(
					huh.NewOption("Driver", model.RoleDriver),
					huh.NewOption("Shop", model.RoleShop),
				).
				Value(&m.fb.role),
		),
	).WithWidth(min(max(m.width-4, 20), 60)).WithShowHelp(true)
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New(field + " is required")
		}
		return nil
	}
}
