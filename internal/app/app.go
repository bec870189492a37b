package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/courier/internal/api"
	"github.com/nhle/courier/internal/keys"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/realtime"
	appsync "github.com/nhle/courier/internal/sync"
	"github.com/nhle/courier/internal/theme"
	"github.com/nhle/courier/internal/ui"
	"github.com/nhle/courier/internal/ui/command"
	"github.com/nhle/courier/internal/ui/detail"
	helpview "github.com/nhle/courier/internal/ui/help"
	"github.com/nhle/courier/internal/ui/login"
	"github.com/nhle/courier/internal/ui/notifylist"
)

// Service is the part of the sync client the UI drives.
type Service interface {
	Start() tea.Cmd
	WaitForNextUpdate() tea.Cmd
	Login(ctx context.Context, username, password string, role model.Role) error
	Logout()
	Confirm(id model.NotificationID)
	Delete(id model.NotificationID)
	ConfirmAllPending()
	DeleteAllConfirmed()
	Refresh()
	SetSoundEnabled(enabled bool)
}

// loginResultMsg carries the outcome of a sign-in attempt.
type loginResultMsg struct {
	username string
	role     model.Role
	err      error
}

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewLoading ViewState = iota
	ViewLogin
	ViewList
	ViewDetail
	ViewHelp
	ViewCommand
)

// Options configures the root model.
type Options struct {
	Service Service

	// Username and Role prefill the login form.
	Username string
	Role     model.Role

	// Remember is called after a successful sign-in. Optional.
	Remember func(username string, role model.Role) error
}

// Model is the root Bubble Tea model that manages view routing and
// relays user intents to the sync service.
type Model struct {
	svc      Service
	remember func(string, model.Role) error

	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *keys.KeyMap

	loginView   login.Model
	listView    notifylist.Model
	detailView  detail.Model
	helpView    helpview.Model
	commandView command.Model

	snapshot notify.Snapshot
	session  *model.Session
	conn     realtime.Status
	sound    bool
	terminal *model.Notice
	status   string
	ready    bool
}

// New creates the root application model.
func New(opts Options) Model {
	k := keys.DefaultKeyMap()
	return Model{
		svc:         opts.Service,
		remember:    opts.Remember,
		currentView: ViewLoading,
		keys:        k,
		loginView:   login.New(opts.Username, opts.Role, 80, 24),
		listView:    notifylist.New(k, 80, 24),
		detailView:  detail.New(k, 80, 24),
		helpView:    helpview.New(k, 80, 24),
		commandView: command.New(80, 24),
		sound:       true,
	}
}

// Init starts the sync service.
func (m Model) Init() tea.Cmd {
	return m.svc.Start()
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.loginView.SetSize(w, h)
		m.listView.SetSize(w, h)
		m.detailView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		m.commandView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case appsync.SessionMsg:
		m.session = msg.Session
		next := m.svc.WaitForNextUpdate()
		if msg.Session != nil {
			m.currentView = ViewList
			m.loginView.ClearError()
			return m, next
		}
		// A torn-down session waits for its redirect; only the initial
		// restore goes straight to the login form.
		if m.currentView == ViewLoading {
			m.currentView = ViewLogin
			return m, tea.Batch(next, m.loginView.Start())
		}
		return m, next

	case appsync.RedirectMsg:
		m.terminal = nil
		m.status = ""
		m.currentView = ViewLogin
		return m, tea.Batch(m.svc.WaitForNextUpdate(), m.loginView.Start())

	case appsync.NoticeMsg:
		if msg.Notice.Terminal {
			n := msg.Notice
			m.terminal = &n
		} else {
			m.status = msg.Notice.Text
		}
		return m, m.svc.WaitForNextUpdate()

	case appsync.SnapshotMsg:
		m.snapshot = msg.Snapshot
		cmd := m.listView.SetSnapshot(msg.Snapshot)
		if m.currentView == ViewDetail && !m.detailView.Refresh(msg.Snapshot) {
			m.currentView = ViewList
		}
		return m, tea.Batch(cmd, m.svc.WaitForNextUpdate())

	case appsync.ConnStatusMsg:
		m.conn = msg.Status
		return m, m.svc.WaitForNextUpdate()

	case appsync.SoundMsg:
		m.sound = msg.Enabled
		return m, m.svc.WaitForNextUpdate()

	case appsync.OrderUpdateMsg:
		m.status = orderSummary(msg.Data)
		return m, m.svc.WaitForNextUpdate()

	case login.SubmitMsg:
		return m, m.login(msg)

	case loginResultMsg:
		if msg.err != nil {
			return m, m.loginView.SetError(loginErrorText(msg.err))
		}
		if m.remember != nil {
			// Best effort; the session itself is already persisted.
			_ = m.remember(msg.username, msg.role)
		}
		return m, nil

	case notifylist.SelectedMsg:
		m.detailView.Show(msg.ID, m.snapshot)
		m.currentView = ViewDetail
		return m, nil

	case detail.BackMsg:
		m.currentView = ViewList
		return m, nil

	case notifylist.ConfirmMsg:
		m.svc.Confirm(msg.ID)
		return m, nil

	case notifylist.DeleteMsg:
		m.svc.Delete(msg.ID)
		return m, nil

	case command.CommandMsg:
		m.currentView = m.previousView
		return m, m.executeCommand(string(msg))

	case command.CancelMsg:
		m.currentView = m.previousView
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		// A terminal notice blocks all input until its redirect.
		if m.terminal != nil {
			return m, nil
		}
		if m.currentView == ViewList {
			m.status = ""
			if cmd, handled := m.handleListKeys(msg); handled {
				return m, cmd
			}
		}
		if m.currentView == ViewHelp && (key.Matches(msg, m.keys.Help) || key.Matches(msg, m.keys.Back)) {
			m.currentView = m.previousView
			return m, nil
		}
	}

	return m.updateActiveView(msg)
}

// handleListKeys processes global keys available on the list view.
func (m *Model) handleListKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit, true
	case key.Matches(msg, m.keys.Help):
		m.previousView = m.currentView
		m.currentView = ViewHelp
		return nil, true
	case key.Matches(msg, m.keys.Command):
		m.previousView = m.currentView
		m.currentView = ViewCommand
		return m.commandView.Focus(), true
	case key.Matches(msg, m.keys.Refresh):
		m.svc.Refresh()
		return nil, true
	case key.Matches(msg, m.keys.ConfirmAll):
		m.svc.ConfirmAllPending()
		return nil, true
	case key.Matches(msg, m.keys.DeleteConfirmed):
		m.svc.DeleteAllConfirmed()
		return nil, true
	case key.Matches(msg, m.keys.Sound):
		m.svc.SetSoundEnabled(!m.sound)
		return nil, true
	case key.Matches(msg, m.keys.Logout):
		m.svc.Logout()
		return nil, true
	}
	return nil, false
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewLogin:
		m.loginView, cmd = m.loginView.Update(msg)
	case ViewList:
		m.listView, cmd = m.listView.Update(msg)
	case ViewDetail:
		m.detailView, cmd = m.detailView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewCommand:
		m.commandView, cmd = m.commandView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.layout.RenderHeader(m.title(), m.indicators())
	statusBar := m.layout.RenderStatusBar(m.statusLine())

	var content string
	if m.terminal != nil {
		content = m.layout.RenderCentered(theme.NoticeStyle.Render(m.terminal.Text))
	} else {
		content = m.renderContent()
	}

	return m.layout.RenderWithFrame(header, content, statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewLoading:
		return m.layout.RenderCentered(theme.HelpStyle.Render("Restoring session..."))
	case ViewLogin:
		return m.loginView.View()
	case ViewList:
		return m.listView.View()
	case ViewDetail:
		return m.detailView.View()
	case ViewHelp:
		return m.helpView.View()
	case ViewCommand:
		return lipgloss.JoinVertical(lipgloss.Left, m.commandView.View(), m.listView.View())
	default:
		return ""
	}
}

func (m Model) title() string {
	title := "Courier"
	if m.session != nil {
		title = fmt.Sprintf("Courier · %s %s", m.session.Role, m.session.SubjectID)
	}
	if n := m.listView.Counts().Unread; n > 0 && m.session != nil {
		title += fmt.Sprintf(" [%d new]", n)
	}
	return title
}

// indicators renders the connection and sound state for the header.
func (m Model) indicators() string {
	if m.session == nil {
		return ""
	}
	sound := "sound off"
	if m.sound {
		sound = "sound on"
	}
	return fmt.Sprintf("%s | %s", theme.ConnStyle(m.conn.State).Render(connText(m.conn)), sound)
}

func connText(st realtime.Status) string {
	if st.State == realtime.StateDisconnected && st.RetryIn > 0 {
		return fmt.Sprintf("offline, retry in %s", st.RetryIn.Round(time.Second))
	}
	return st.State.String()
}

// statusLine returns the status bar text for the current view.
func (m Model) statusLine() string {
	if m.terminal != nil {
		return "Returning to sign in..."
	}
	if m.status != "" && m.currentView == ViewList {
		return m.status
	}

	switch m.currentView {
	case ViewLogin:
		if m.loginView.Busy() {
			return "waiting for the server | ctrl+c quit"
		}
		return "tab next field | enter submit | ctrl+c quit"
	case ViewDetail:
		return "esc back | c confirm | d delete | j/k scroll"
	case ViewHelp:
		return "? close help | esc back"
	case ViewCommand:
		return "enter execute | esc back"
	case ViewList:
		return m.helpView.ShortView()
	default:
		return ""
	}
}

func (m Model) login(msg login.SubmitMsg) tea.Cmd {
	svc := m.svc
	return func() tea.Msg {
		err := svc.Login(context.Background(), msg.Username, msg.Password, msg.Role)
		return loginResultMsg{username: msg.Username, role: msg.Role, err: err}
	}
}

func loginErrorText(err error) string {
	if api.IsAuthError(err) {
		return "Invalid username or password."
	}
	return "Could not sign in. Check your connection and try again."
}

// orderSummary renders an order update for the status bar.
func orderSummary(data json.RawMessage) string {
	var fields struct {
		OrderID any    `json:"orderId"`
		ID      any    `json:"id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return "Order updated."
	}
	id := fields.OrderID
	if id == nil {
		id = fields.ID
	}
	parts := []string{"Order"}
	if id != nil {
		parts = append(parts, fmt.Sprint(id))
	}
	if fields.Status != "" {
		return strings.Join(parts, " ") + ": " + fields.Status
	}
	return strings.Join(parts, " ") + " updated."
}

// executeCommand handles a command string from the command palette.
func (m *Model) executeCommand(cmd string) tea.Cmd {
	switch cmd {
	case "refresh", "sync":
		m.svc.Refresh()
	case "confirm all":
		m.svc.ConfirmAllPending()
	case "clear confirmed":
		m.svc.DeleteAllConfirmed()
	case "sound on":
		m.svc.SetSoundEnabled(true)
	case "sound off":
		m.svc.SetSoundEnabled(false)
	case "logout":
		m.svc.Logout()
	case "quit", "q":
		return tea.Quit
	default:
		m.status = fmt.Sprintf("Unknown command %q", cmd)
	}
	return nil
}
