// Package sync is the service object behind the UI. A Client owns the
// event loop and wires the connection manager, session guard,
// notification store and frame router together. Its exported methods are
// safe to call from any goroutine; results reach the UI as tea messages.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/courier/internal/api"
	"github.com/nhle/courier/internal/loop"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/realtime"
	"github.com/nhle/courier/internal/router"
	"github.com/nhle/courier/internal/session"
	"github.com/nhle/courier/internal/store"
)

// closeTimeout bounds the final turn run by Close.
const closeTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	Config *model.AppConfig
	Store  store.Store
	Vault  TokenVault

	// Dialer defaults to a WebsocketDialer for Config.Server.
	Dialer realtime.Dialer

	// Chime is optional.
	Chime Chime

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the real-time sync client.
type Client struct {
	cfg    *model.AppConfig
	db     store.Store
	logger *slog.Logger

	loop   *loop.Loop
	tokens *loop.Loop
	out    *outbox
	ctx    context.Context
	cancel context.CancelFunc

	startOnce gosync.Once
	closeOnce gosync.Once
	started   atomic.Bool

	// Confined to the loop.
	guard *session.Guard
	conn  *realtime.Manager
	notes *notify.Store
	chime Chime
	sound bool
}

// New builds a Client. Call Start to run it.
func New(opts Options) (*Client, error) {
	if opts.Config == nil || opts.Store == nil || opts.Vault == nil {
		return nil, errors.New("sync: Config, Store and Vault are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	rt := cfg.Realtime

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		db:     opts.Store,
		logger: logger,
		loop:   loop.New(logger.With("component", "loop")),
		tokens: loop.New(logger.With("component", "token_writer")),
		out:    newOutbox(),
		ctx:    ctx,
		cancel: cancel,
		chime:  opts.Chime,
		sound:  true,
	}

	dialer := opts.Dialer
	if dialer == nil {
		url, err := cfg.Server.WebsocketURL()
		if err != nil {
			cancel()
			return nil, err
		}
		dialer = &realtime.WebsocketDialer{URL: url, Logger: logger}
	}

	var err error
	c.guard, err = session.NewGuard(session.Config{
		Executor: c.loop,
		Persister: &localState{
			db:        opts.Store,
			vault:     opts.Vault,
			writes:    c.tokens,
			serverURL: cfg.Server.BaseURL,
			logger:    logger.With("component", "local_state"),
			now:       time.Now,
		},
		Listener:       c,
		Remote:         c.newAPI(model.Role(cfg.Account.Role)),
		RedirectDelay:  rt.RedirectDelay,
		RequestTimeout: rt.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	c.conn, err = realtime.NewManager(realtime.Config{
		Dialer:          dialer,
		Executor:        c.loop,
		Sessions:        c.guard,
		Listener:        c,
		Rejections:      c,
		HeartbeatPeriod: rt.HeartbeatPeriod,
		ReconnectBase:   rt.ReconnectBase,
		ReconnectCap:    rt.ReconnectCap,
		Logger:          logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.guard.Attach(c.conn)

	c.notes, err = notify.NewStore(notify.Config{
		Executor:       c.loop,
		Listener:       c,
		RequestTimeout: rt.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	r, err := router.New(router.Config{
		Connection:    c.conn,
		Sessions:      c.guard,
		Notifications: c.notes,
		Orders:        c,
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn.SetFrameHandler(r)

	return c, nil
}

func (c *Client) newAPI(role model.Role) *api.Client {
	return api.NewClient(c.cfg.Server.BaseURL, role, c.cfg.Realtime.RequestTimeout, c.logger)
}

// Start runs the loop and restores a persisted session, if any. The
// returned command delivers the first update.
func (c *Client) Start() tea.Cmd {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.loop.Run(c.ctx)
		go c.tokens.Run(c.ctx)
		c.loop.Post(c.restore)
	})
	return c.WaitForNextUpdate()
}

func (c *Client) restore() {
	ok, err := c.guard.Restore(c.ctx)
	if err != nil {
		c.logger.Error("restoring session", "error", err)
	}
	if !ok {
		c.out.publish(SessionMsg{})
	}
}

// WaitForNextUpdate returns a tea.Cmd that waits for the next update.
// This should be called after processing each update to continue
// listening.
func (c *Client) WaitForNextUpdate() tea.Cmd {
	return func() tea.Msg {
		return c.out.next()
	}
}

// Login authenticates against the REST API and begins the session. It
// blocks for the network round trip.
func (c *Client) Login(ctx context.Context, username, password string, role model.Role) error {
	s, err := c.newAPI(role).Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("logging in as %s: %w", username, err)
	}
	return c.loop.Call(ctx, func() {
		c.guard.Begin(c.ctx, s)
	})
}

// Logout ends the session.
func (c *Client) Logout() {
	c.loop.Post(func() { c.guard.Logout(c.ctx) })
}

// Confirm optimistically confirms one notification.
func (c *Client) Confirm(id model.NotificationID) {
	c.loop.Post(func() { c.notes.ConfirmOptimistic(id) })
}

// Delete optimistically deletes one notification.
func (c *Client) Delete(id model.NotificationID) {
	c.loop.Post(func() { c.notes.DeleteOptimistic(id) })
}

// ConfirmAllPending confirms every pending notification.
func (c *Client) ConfirmAllPending() {
	c.loop.Post(func() {
		n := c.notes.ConfirmAllPending()
		c.logger.Info("confirming all pending", "count", n)
	})
}

// DeleteAllConfirmed deletes every confirmed notification.
func (c *Client) DeleteAllConfirmed() {
	c.loop.Post(func() {
		n := c.notes.DeleteAllConfirmed()
		c.logger.Info("deleting all confirmed", "count", n)
	})
}

// Refresh refetches the notification list.
func (c *Client) Refresh() {
	c.loop.Post(c.notes.Refresh)
}

// SetSoundEnabled changes and persists the sound preference.
func (c *Client) SetSoundEnabled(enabled bool) {
	c.loop.Post(func() {
		c.sound = enabled
		if err := c.db.SetSoundEnabled(c.ctx, enabled); err != nil {
			c.logger.Warn("saving sound preference", "error", err)
		}
		c.out.publish(SoundMsg{Enabled: enabled})
	})
}

// Close disconnects without ending the session, so it can be restored on
// the next start, and stops the loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.started.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			err := c.loop.Call(ctx, func() {
				c.guard.Close()
				c.conn.Close()
			})
			if err != nil && !errors.Is(err, loop.ErrStopped) {
				c.logger.Warn("closing client", "error", err)
			}
			// Let queued keyring writes land before exiting.
			if err := c.tokens.Call(ctx, func() {}); err != nil && !errors.Is(err, loop.ErrStopped) {
				c.logger.Warn("flushing token writes", "error", err)
			}
		}
		c.cancel()
		c.loop.Stop()
		c.tokens.Stop()
		c.out.close()
		if c.started.Load() {
			deadline := time.After(closeTimeout)
			for _, l := range []*loop.Loop{c.loop, c.tokens} {
				select {
				case <-l.Done():
				case <-deadline:
					c.logger.Warn("loop did not stop in time")
					return
				}
			}
		}
	})
}

// SessionStarted implements session.Listener.
func (c *Client) SessionStarted(s model.Session) {
	c.notes.SetRemote(&authWatch{
		Remote: c.newAPI(s.Role).Authorized(s.AuthToken),
		token:  s.AuthToken,
		client: c,
	})

	sound, err := c.db.SoundEnabled(c.ctx)
	if err != nil {
		c.logger.Warn("reading sound preference", "error", err)
		sound = true
	}
	c.sound = sound

	c.out.publish(SessionMsg{Session: &s})
	c.out.publish(SoundMsg{Enabled: sound})
}

// SessionEnded implements session.Listener.
func (c *Client) SessionEnded() {
	c.notes.Reset()
	c.out.publish(SessionMsg{})
}

// Notice implements session.Listener and notify.Listener.
func (c *Client) Notice(n model.Notice) {
	c.out.publish(NoticeMsg{Notice: n})
}

// Redirect implements session.Listener.
func (c *Client) Redirect(target model.RedirectTarget) {
	c.out.publish(RedirectMsg{Target: target})
}

// NotificationsChanged implements notify.Listener.
func (c *Client) NotificationsChanged(s notify.Snapshot) {
	c.out.publish(SnapshotMsg{Snapshot: s})
}

// NotificationArrived implements notify.Listener.
func (c *Client) NotificationArrived(model.Notification) {
	if c.sound && c.chime != nil {
		c.chime.Ring()
	}
}

// ConnectionChanged implements realtime.Listener. Every Open is followed
// by a full refresh, since pushes sent while disconnected are lost.
func (c *Client) ConnectionChanged(st realtime.Status) {
	c.out.publish(ConnStatusMsg{Status: st})
	if st.State == realtime.StateOpen {
		c.notes.Refresh()
	}
}

// HandshakeRejected implements realtime.RejectionHandler. A refused
// upgrade means the token is no longer valid.
func (c *Client) HandshakeRejected(err error) {
	if c.guard.Current() == nil {
		return
	}
	c.guard.HandleAuthFailed(c.ctx, err.Error())
}

// tokenRejected runs on the loop after a REST call failed with 401 or
// 403. It only acts if token still belongs to the active session.
func (c *Client) tokenRejected(token string, err error) {
	s := c.guard.Current()
	if s == nil || s.AuthToken != token {
		c.logger.Debug("stale token rejected", "error", err)
		return
	}
	c.guard.HandleAuthFailed(c.ctx, err.Error())
}

// OrderUpdated implements router.Orders.
func (c *Client) OrderUpdated(data json.RawMessage) {
	c.out.publish(OrderUpdateMsg{Data: data})
}

// authWatch reports auth failures from notification requests back to
// the loop. Its methods run off the loop.
type authWatch struct {
	notify.Remote
	token  string
	client *Client
}

func (w *authWatch) check(err error) error {
	if err != nil && api.IsAuthError(err) {
		w.client.loop.Post(func() { w.client.tokenRejected(w.token, err) })
	}
	return err
}

func (w *authWatch) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	records, err := w.Remote.FetchNotifications(ctx)
	return records, w.check(err)
}

func (w *authWatch) ConfirmNotification(ctx context.Context, id model.NotificationID) error {
	return w.check(w.Remote.ConfirmNotification(ctx, id))
}

func (w *authWatch) DeleteNotification(ctx context.Context, id model.NotificationID) error {
	return w.check(w.Remote.DeleteNotification(ctx, id))
}
