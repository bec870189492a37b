package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink struct {
	frames chan string
	closed chan error
}

func newChanSink() *chanSink {
	return &chanSink{frames: make(chan string, 8), closed: make(chan error, 1)}
}

func (s *chanSink) Frame(data []byte) { s.frames <- string(data) }
func (s *chanSink) Closed(err error) { s.closed <- err }

// wsServer upgrades every request and hands the connection to fn.
func wsServer(t *testing.T, fn func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"authenticated"}`))
		// Wait for the client's close frame.
		_, _, _ = conn.ReadMessage()
	})

	sink := newChanSink()
	d := &WebsocketDialer{URL: url}
	ch, err := d.Dial(context.Background(), sink)
	require.NoError(t, err)

	require.NoError(t, ch.Send([]byte(`{"type":"authenticate"}`)))

	select {
	case got := <-received:
		assert.Equal(t, `{"type":"authenticate"}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}

	select {
	case got := <-sink.frames:
		assert.Equal(t, `{"type":"authenticated"}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("sink never received the frame")
	}

	require.NoError(t, ch.Close())
	select {
	case <-sink.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("sink was not told about the close")
	}
}

func TestWebsocketDialerReportsServerDrop(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	sink := newChanSink()
	d := &WebsocketDialer{URL: url}
	_, err := d.Dial(context.Background(), sink)
	require.NoError(t, err)

	select {
	case err := <-sink.closed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sink was not told about the drop")
	}
}

func TestWebsocketDialerRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	d := &WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := d.Dial(context.Background(), newChanSink())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.ErrorIs(t, err, ErrRejected)
}
