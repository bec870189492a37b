// Package session enforces the single-active-session rule. The Guard
// owns the current model.Session, persists it, and tears it down when the
// server revokes it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nhle/courier/internal/loop"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/realtime"
)

// Default timings.
const (
	DefaultRedirectDelay  = 3 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// User-facing notice texts. A rejected token reads differently from a
// login elsewhere so the user knows whether to worry.
const (
	ConflictText    = "Your account was signed in on another device. You have been signed out."
	ForceLogoutText = "You were signed out by the server."
	AuthFailedText  = "Your session is no longer valid. Please sign in again."
)

// Connection is the part of the realtime manager the guard drives.
type Connection interface {
	Connect()
	Disconnect()
}

// Persister stores the session across restarts.
type Persister interface {
	LoadSession(ctx context.Context) (*model.Session, error)
	SaveSession(ctx context.Context, s model.Session) error
	// ClearLocalState removes the session and every preference in one step.
	ClearLocalState(ctx context.Context) error
}

// Remote is the REST surface used on logout.
type Remote interface {
	Logout(ctx context.Context, token string) error
}

// Listener is told about session lifecycle events.
type Listener interface {
	SessionStarted(s model.Session)
	SessionEnded()
	Notice(n model.Notice)
	Redirect(target model.RedirectTarget)
}

// Config configures a Guard.
type Config struct {
	Executor  loop.Executor
	Persister Persister
	Listener  Listener

	// Remote is optional; without it logout is local only.
	Remote Remote

	RedirectDelay  time.Duration
	RequestTimeout time.Duration

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Guard owns the session. Like realtime.Manager it is confined to the
// loop: every method runs inside a turn.
type Guard struct {
	exec      loop.Executor
	persister Persister
	listener  Listener
	remote    Remote
	logger    *slog.Logger

	redirectDelay  time.Duration
	requestTimeout time.Duration

	conn      Connection
	session   *model.Session
	heartbeat *realtime.Heartbeat

	terminating bool
	gen         uint64
	redirect    loop.Timer
}

// NewGuard validates cfg and returns a Guard with no session.
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Executor == nil {
		return nil, errors.New("session: Executor is required")
	}
	if cfg.Persister == nil {
		return nil, errors.New("session: Persister is required")
	}
	if cfg.Listener == nil {
		return nil, errors.New("session: Listener is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.RedirectDelay
	if delay <= 0 {
		delay = DefaultRedirectDelay
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Guard{
		exec:           cfg.Executor,
		persister:      cfg.Persister,
		listener:       cfg.Listener,
		remote:         cfg.Remote,
		logger:         logger.With("component", "session"),
		redirectDelay:  delay,
		requestTimeout: timeout,
	}, nil
}

// Attach sets the connection torn down with the session.
func (g *Guard) Attach(conn Connection) {
	g.conn = conn
}

// Current returns a copy of the session, or nil when signed out.
func (g *Guard) Current() *model.Session {
	if g.session == nil {
		return nil
	}
	s := *g.session
	return &s
}

// Terminating reports whether a teardown is in progress, i.e. the redirect
// has not fired yet.
func (g *Guard) Terminating() bool {
	return g.terminating
}

// Begin installs s as the active session, persists it and connects.
func (g *Guard) Begin(ctx context.Context, s model.Session) {
	if err := g.persister.SaveSession(ctx, s); err != nil {
		g.logger.Warn("persisting session", "error", err)
	}
	g.activate(s)
}

// Restore loads a persisted session and, when one exists, activates it.
func (g *Guard) Restore(ctx context.Context) (bool, error) {
	s, err := g.persister.LoadSession(ctx)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	g.logger.Info("restoring session", "user_id", s.SubjectID, "role", s.Role)
	g.activate(*s)
	return true, nil
}

func (g *Guard) activate(s model.Session) {
	g.cancelRedirect()
	g.ReleaseHeartbeat()
	g.terminating = false

	// The open channel is authenticated as the previous identity.
	if g.session != nil {
		g.logger.Info("replacing active session", "user_id", g.session.SubjectID)
		g.session = nil
		if g.conn != nil {
			g.conn.Disconnect()
		}
		g.listener.SessionEnded()
	}

	s.HeartbeatActive = false
	g.session = &s
	g.listener.SessionStarted(s)
	if g.conn != nil {
		g.conn.Connect()
	}
}

// Logout ends the session at the user's request: the server is told in
// the background and the login screen is shown immediately.
func (g *Guard) Logout(ctx context.Context) {
	if g.session == nil {
		return
	}
	token := g.session.AuthToken
	g.logger.Info("logging out", "user_id", g.session.SubjectID)
	g.teardown(ctx)

	if g.remote != nil && token != "" {
		remote, timeout, logger := g.remote, g.requestTimeout, g.logger
		g.exec.Go(func() {
			rctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := remote.Logout(rctx, token); err != nil {
				logger.Warn("remote logout failed", "error", err)
			}
		})
	}
	g.listener.Redirect(model.RedirectLogin)
}

// HandleConflict reacts to another login for the same account.
func (g *Guard) HandleConflict(ctx context.Context, message string) {
	g.terminate(ctx, model.NoticeSessionConflict, ConflictText, message)
}

// HandleForceLogout reacts to the server revoking the session.
func (g *Guard) HandleForceLogout(ctx context.Context, message string) {
	g.terminate(ctx, model.NoticeForcedLogout, ForceLogoutText, message)
}

// HandleAuthFailed reacts to the server rejecting the session token.
func (g *Guard) HandleAuthFailed(ctx context.Context, message string) {
	g.terminate(ctx, model.NoticeAuthFailed, AuthFailedText, message)
}

// terminate runs the teardown once per session. Later signals for the
// same session are ignored until a new session begins.
func (g *Guard) terminate(ctx context.Context, kind model.NoticeKind, text, serverMessage string) {
	if g.terminating {
		g.logger.Debug("already terminating", "signal", kind)
		return
	}
	if g.session == nil {
		g.logger.Debug("session signal without session", "signal", kind)
		return
	}

	g.logger.Warn("session terminated by server",
		"signal", kind,
		"user_id", g.session.SubjectID,
		"server_message", serverMessage,
	)
	g.terminating = true
	g.teardown(ctx)
	g.listener.Notice(model.Notice{Kind: kind, Text: text, Terminal: true})

	g.gen++
	gen := g.gen
	g.redirect = g.exec.AfterFunc(g.redirectDelay, func() {
		if gen != g.gen {
			return
		}
		g.redirect = nil
		g.terminating = false
		g.listener.Redirect(model.RedirectLogin)
	})
}

// teardown destroys the session in memory and on disk, stops the
// heartbeat and closes the channel without reconnecting.
func (g *Guard) teardown(ctx context.Context) {
	g.session = nil
	if err := g.persister.ClearLocalState(ctx); err != nil {
		g.logger.Error("clearing local state", "error", err)
	}
	g.ReleaseHeartbeat()
	if g.conn != nil {
		g.conn.Disconnect()
	}
	g.listener.SessionEnded()
}

func (g *Guard) cancelRedirect() {
	if g.redirect != nil {
		g.redirect.Stop()
		g.redirect = nil
	}
	g.gen++
}

// AdoptHeartbeat takes ownership of a heartbeat started by the manager.
func (g *Guard) AdoptHeartbeat(h *realtime.Heartbeat) {
	if g.session == nil {
		h.Stop()
		return
	}
	if g.heartbeat != nil && g.heartbeat != h {
		g.heartbeat.Stop()
	}
	g.heartbeat = h
	g.session.HeartbeatActive = true
}

// ReleaseHeartbeat stops the owned heartbeat, if any.
func (g *Guard) ReleaseHeartbeat() {
	if g.heartbeat == nil {
		return
	}
	g.heartbeat.Stop()
	g.heartbeat = nil
	if g.session != nil {
		g.session.HeartbeatActive = false
	}
}

// Close cancels a pending redirect.
func (g *Guard) Close() {
	g.cancelRedirect()
}
