// Package router decodes inbound frames and hands each one to exactly one
// handler. A bad frame is logged and dropped; it never reaches a handler
// and never closes the channel.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/protocol"
)

// Connection receives the handshake acknowledgement.
type Connection interface {
	HandleAuthenticated()
}

// Sessions receives session policy signals.
type Sessions interface {
	HandleConflict(ctx context.Context, message string)
	HandleForceLogout(ctx context.Context, message string)
	HandleAuthFailed(ctx context.Context, message string)
}

// Notifications receives notification events.
type Notifications interface {
	ApplyPush(p model.NotificationPatch)
	ApplyUpdate(u protocol.NotificationUpdate)
	ObserveServerCount(count int)
}

// Orders receives order updates. It is optional.
type Orders interface {
	OrderUpdated(data json.RawMessage)
}

// Config wires a Router to its handlers.
type Config struct {
	Connection    Connection
	Sessions      Sessions
	Notifications Notifications
	Orders        Orders

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Router dispatches frames. It runs on the loop together with its
// handlers.
type Router struct {
	conn     Connection
	sessions Sessions
	notes    Notifications
	orders   Orders
	logger   *slog.Logger
}

// New validates cfg and returns a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Connection == nil || cfg.Sessions == nil || cfg.Notifications == nil {
		return nil, errors.New("router: Connection, Sessions and Notifications are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		conn:     cfg.Connection,
		sessions: cfg.Sessions,
		notes:    cfg.Notifications,
		orders:   cfg.Orders,
		logger:   logger.With("component", "router"),
	}, nil
}

// HandleFrame decodes data and dispatches it.
func (r *Router) HandleFrame(data []byte) {
	if err := r.Dispatch(context.Background(), data); err != nil {
		r.logger.Warn("dropping frame", "error", err, "size", len(data))
	}
}

// Dispatch decodes data and calls its handler. The error reports why a
// frame was dropped; panics raised by handlers are recovered and returned.
func (r *Router) Dispatch(ctx context.Context, data []byte) (err error) {
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v", f.Kind, p)
		}
	}()

	r.logger.Debug("frame", "type", f.Kind)
	switch f.Kind {
	case protocol.KindAuthenticated:
		r.conn.HandleAuthenticated()
	case protocol.KindSessionConflict:
		r.sessions.HandleConflict(ctx, f.Signal.Message)
	case protocol.KindForceLogout:
		r.sessions.HandleForceLogout(ctx, f.Signal.Message)
	case protocol.KindAuthenticationFailed:
		r.sessions.HandleAuthFailed(ctx, f.Signal.Message)
	case protocol.KindNotification:
		r.notes.ApplyPush(f.Push.Data)
	case protocol.KindNotificationUpdate:
		r.notes.ApplyUpdate(*f.Update)
	case protocol.KindNotificationCount:
		r.notes.ObserveServerCount(f.Count.Count)
	case protocol.KindOrderUpdate:
		if r.orders == nil {
			r.logger.Debug("no order handler; dropping order update")
			return nil
		}
		r.orders.OrderUpdated(f.Order.Data)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownKind, f.Kind)
	}
	return nil
}
