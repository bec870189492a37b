package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRejected marks a handshake the server refused with 401 or 403.
var ErrRejected = errors.New("handshake rejected")

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Maximum inbound frame size.
	maxFrameSize = 64 * 1024
)

// Sink receives what the server sends. Calls come from the channel's
// reader goroutine; Closed is called exactly once, after the last Frame.
type Sink interface {
	Frame(data []byte)
	Closed(err error)
}

// Channel is an open, bidirectional frame channel.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens channels. Dial may block; it is always run off the loop.
type Dialer interface {
	Dial(ctx context.Context, sink Sink) (Channel, error)
}

// WebsocketDialer opens channels over gorilla/websocket.
type WebsocketDialer struct {
	URL    string
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Dial connects and starts the read pump.
func (d *WebsocketDialer) Dial(ctx context.Context, sink Sink) (Channel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("dialing %s: status %d: %w: %w", d.URL, resp.StatusCode, ErrRejected, err)
			}
			return nil, fmt.Errorf("dialing %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	c := &wsChannel{conn: conn, logger: logger}
	conn.SetReadLimit(maxFrameSize)
	go c.readPump(sink)
	return c, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closeMu sync.Once
}

// readPump delivers frames until the connection fails or is closed.
func (c *wsChannel) readPump(sink Sink) {
	var err error
	for {
		var msgType int
		var data []byte
		msgType, data, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		sink.Frame(data)
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.conn.Close()
	sink.Closed(err)
}

// Send writes one text frame.
func (c *wsChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down. The read pump
// then reports Closed to the sink.
func (c *wsChannel) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
