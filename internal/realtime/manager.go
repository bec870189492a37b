// Package realtime owns the real-time channel: opening it, the
// authentication handshake, the liveness heartbeat and reconnection with
// capped exponential backoff.
//
// A Manager is not safe for concurrent use. Every method must be called
// from a turn of the loop.Executor it was built with; results of dials,
// inbound frames and timers re-enter through that executor and carry an
// epoch so callbacks belonging to an earlier channel are ignored.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/courier/internal/loop"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/protocol"
)

// DefaultHeartbeatPeriod is how often a liveness frame is sent while Open.
const DefaultHeartbeatPeriod = 30 * time.Second

// SessionSource is the manager's view of the session owner. The heartbeat
// handle started at Open is handed over with AdoptHeartbeat; the owner
// stops it in ReleaseHeartbeat.
type SessionSource interface {
	Current() *model.Session
	AdoptHeartbeat(h *Heartbeat)
	ReleaseHeartbeat()
}

// FrameHandler receives every inbound frame while the channel is
// authenticating or open.
type FrameHandler interface {
	HandleFrame(data []byte)
}

// Listener is told about every state transition.
type Listener interface {
	ConnectionChanged(Status)
}

// RejectionHandler is told when the server refuses the handshake because
// of the credentials. It may end the session; if it does not, the
// rejection is retried like any other transport error.
type RejectionHandler interface {
	HandshakeRejected(err error)
}

// Config configures a Manager.
type Config struct {
	Dialer   Dialer
	Executor loop.Executor
	Sessions SessionSource

	// Listener is optional.
	Listener Listener

	// Rejections is optional.
	Rejections RejectionHandler

	HeartbeatPeriod time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager drives the channel state machine.
type Manager struct {
	dialer     Dialer
	exec       loop.Executor
	sessions   SessionSource
	handler    FrameHandler
	listener   Listener
	rejections RejectionHandler
	logger     *slog.Logger
	period     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state   State
	policy  ReconnectPolicy
	channel Channel
	manual  bool
	lastErr error

	// epoch identifies the current channel; it advances whenever a dial
	// starts or a channel is abandoned.
	epoch     uint64
	attemptID string

	reconnect    loop.Timer
	reconnectGen uint64
	retryIn      time.Duration
}

// NewManager validates cfg and returns a disconnected Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("realtime: Dialer is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("realtime: Executor is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("realtime: Sessions is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	period := cfg.HeartbeatPeriod
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	base := cfg.ReconnectBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := cfg.ReconnectCap
	if ceiling < base {
		ceiling = 30 * base
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:     cfg.Dialer,
		exec:       cfg.Executor,
		sessions:   cfg.Sessions,
		listener:   cfg.Listener,
		rejections: cfg.Rejections,
		logger:     logger.With("component", "realtime"),
		period:     period,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		policy:     ReconnectPolicy{Base: base, Cap: ceiling},
	}, nil
}

// SetFrameHandler installs the receiver of inbound frames.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.handler = h
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Status returns the current state with reconnect details.
func (m *Manager) Status() Status {
	return Status{
		State:   m.state,
		Attempt: m.policy.Attempt,
		RetryIn: m.retryIn,
		Err:     m.lastErr,
	}
}

// Connect opens and authenticates the channel. It is a no-op while a
// connection is already being established or is open.
func (m *Manager) Connect() {
	switch m.state {
	case StateConnecting, StateAwaitingAuth, StateOpen:
		return
	}

	s := m.sessions.Current()
	if s == nil {
		m.logger.Warn("connect refused: no session")
		return
	}

	m.manual = false
	m.cancelReconnect()
	m.epoch++
	epoch := m.epoch
	m.attemptID = uuid.NewString()
	m.logger.Info("connecting",
		"attempt_id", m.attemptID,
		"attempt", m.policy.Attempt,
		"user_id", s.SubjectID,
	)
	m.setState(StateConnecting)

	ctx := m.ctx
	dialer := m.dialer
	sink := epochSink{m: m, epoch: epoch}
	m.exec.Go(func() {
		ch, err := dialer.Dial(ctx, sink)
		m.exec.Post(func() { m.handleDialed(epoch, ch, err) })
	})
}

// handleDialed continues Connect once the dial has finished.
func (m *Manager) handleDialed(epoch uint64, ch Channel, err error) {
	if epoch != m.epoch {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, ErrRejected) && m.rejections != nil {
			m.logger.Warn("handshake rejected", "error", err)
			m.rejections.HandshakeRejected(err)
			if epoch != m.epoch {
				return
			}
		}
		m.handleClosed(epoch, err)
		return
	}

	m.channel = ch
	s := m.sessions.Current()
	if s == nil {
		m.logger.Info("session ended while dialing")
		m.Disconnect()
		return
	}

	data, err := protocol.Encode(protocol.NewAuthenticate(*s))
	if err != nil {
		m.handleClosed(epoch, err)
		return
	}
	if err := ch.Send(data); err != nil {
		m.handleClosed(epoch, err)
		return
	}
	m.setState(StateAwaitingAuth)
}

// handleFrame forwards a frame from the current channel.
func (m *Manager) handleFrame(epoch uint64, data []byte) {
	if epoch != m.epoch {
		return
	}
	if m.state != StateAwaitingAuth && m.state != StateOpen {
		m.logger.Debug("dropping frame", "state", m.state.String())
		return
	}
	if m.handler == nil {
		m.logger.Warn("no frame handler installed; dropping frame")
		return
	}
	m.handler.HandleFrame(data)
}

// HandleAuthenticated completes the handshake: the channel becomes Open,
// the backoff resets and the heartbeat starts.
func (m *Manager) HandleAuthenticated() {
	if m.state != StateAwaitingAuth {
		m.logger.Debug("ignoring authenticated frame", "state", m.state.String())
		return
	}
	if m.sessions.Current() == nil {
		m.Disconnect()
		return
	}

	m.policy.Reset()
	m.lastErr = nil
	m.retryIn = 0

	hb := &Heartbeat{}
	m.sessions.AdoptHeartbeat(hb)
	m.scheduleBeat(hb, m.epoch)

	m.logger.Info("channel open", "attempt_id", m.attemptID)
	m.setState(StateOpen)
}

// scheduleBeat arms the next heartbeat tick.
func (m *Manager) scheduleBeat(hb *Heartbeat, epoch uint64) {
	hb.timer = m.exec.AfterFunc(m.period, func() {
		if hb.stopped || epoch != m.epoch || m.state != StateOpen {
			return
		}
		s := m.sessions.Current()
		if s == nil {
			return
		}
		m.Send(protocol.NewSessionHeartbeat(*s))
		if !hb.stopped && epoch == m.epoch {
			m.scheduleBeat(hb, epoch)
		}
	})
}

// handleClosed is the single path for every transport failure. Unless the
// close was requested with Disconnect, a reconnect is scheduled.
func (m *Manager) handleClosed(epoch uint64, err error) {
	if epoch != m.epoch {
		return
	}
	m.epoch++

	if ch := m.channel; ch != nil {
		m.channel = nil
		_ = ch.Close()
	}
	m.sessions.ReleaseHeartbeat()
	m.lastErr = err

	if err != nil {
		m.logger.Warn("channel closed", "attempt_id", m.attemptID, "error", err)
	} else {
		m.logger.Info("channel closed", "attempt_id", m.attemptID)
	}

	if m.manual {
		m.setState(StateDisconnected)
		return
	}
	if m.sessions.Current() == nil {
		m.logger.Info("not reconnecting: no session")
		m.setState(StateDisconnected)
		return
	}

	delay := m.policy.Next()
	m.scheduleReconnect(delay)
	m.setState(StateDisconnected)
}

func (m *Manager) scheduleReconnect(delay time.Duration) {
	m.cancelReconnect()
	m.reconnectGen++
	gen := m.reconnectGen
	m.retryIn = delay
	m.logger.Info("reconnect scheduled", "delay", delay, "attempt", m.policy.Attempt)
	m.reconnect = m.exec.AfterFunc(delay, func() {
		if gen != m.reconnectGen || m.manual {
			return
		}
		m.reconnect = nil
		m.retryIn = 0
		if m.sessions.Current() == nil {
			m.logger.Info("reconnect suppressed: no session")
			return
		}
		m.Connect()
	})
}

// cancelReconnect stops any pending reconnect and invalidates its callback.
func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.reconnectGen++
	m.retryIn = 0
}

// Disconnect closes the channel on purpose. No reconnect follows until the
// next Connect.
func (m *Manager) Disconnect() {
	m.manual = true
	m.cancelReconnect()
	m.sessions.ReleaseHeartbeat()

	if m.state == StateDisconnected && m.channel == nil {
		m.epoch++
		return
	}

	m.epoch++
	m.setState(StateClosing)
	if ch := m.channel; ch != nil {
		m.channel = nil
		if err := ch.Close(); err != nil {
			m.logger.Debug("closing channel", "error", err)
		}
	}
	m.lastErr = nil
	m.setState(StateDisconnected)
}

// Send writes frame while Open. Anything sent in another state is dropped
// with a warning; frames are never queued for later.
func (m *Manager) Send(frame any) bool {
	if m.state != StateOpen || m.channel == nil {
		m.logger.Warn("dropping outbound frame: channel not open",
			"state", m.state.String(),
			"frame", fmt.Sprintf("%T", frame),
		)
		return false
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		m.logger.Error("encoding outbound frame", "error", err)
		return false
	}
	if err := m.channel.Send(data); err != nil {
		m.handleClosed(m.epoch, err)
		return false
	}
	return true
}

// Close disconnects and abandons any dial in flight. The Manager cannot
// be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state change", "from", m.state.String(), "to", s.String())
	m.state = s
	if m.listener != nil {
		m.listener.ConnectionChanged(m.Status())
	}
}

// epochSink posts channel events back onto the loop, stamped with the
// epoch of the dial that produced them.
type epochSink struct {
	m     *Manager
	epoch uint64
}

func (s epochSink) Frame(data []byte) {
	s.m.exec.Post(func() { s.m.handleFrame(s.epoch, data) })
}

func (s epochSink) Closed(err error) {
	s.m.exec.Post(func() { s.m.handleClosed(s.epoch, err) })
}

// Heartbeat is the handle of a running heartbeat. The manager creates it
// at Open; the session owner stops it.
type Heartbeat struct {
	timer   loop.Timer
	stopped bool
}

// Stop cancels the heartbeat. Further calls do nothing.
func (h *Heartbeat) Stop() {
	if h == nil || h.stopped {
		return
	}
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Active reports whether the heartbeat is still running.
func (h *Heartbeat) Active() bool {
	return h != nil && !h.stopped
}
