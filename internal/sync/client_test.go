package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/credential"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/notify"
	"github.com/nhle/courier/internal/realtime"
	"github.com/nhle/courier/internal/store"
	"github.com/nhle/courier/tests/testutil"
)

// backend is a REST plus WebSocket test server. Frames pushed on send are
// written to the most recent socket.
type backend struct {
	srv     *httptest.Server
	frames  chan string
	send    chan string
	logouts chan string

	// rejectREST and rejectUpgrade make notification requests and
	// socket upgrades answer 401.
	rejectREST    atomic.Bool
	rejectUpgrade atomic.Bool
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		frames:  make(chan string, 16),
		send:    make(chan string, 16),
		logouts: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"tok-1","userId":"d-1"}`))
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		b.logouts <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/driver/notifications", func(w http.ResponseWriter, r *http.Request) {
		if b.rejectREST.Load() {
			http.Error(w, `{"message":"token expired"}`, http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"status":"pending","isRead":false,"message":"pickup at 9"}]`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if b.rejectUpgrade.Load() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				b.frames <- string(data)
			}
		}()
		for {
			select {
			case frame := <-b.send:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) expectFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-b.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from client")
		return ""
	}
}

type fixture struct {
	client  *Client
	backend *backend
	db      *store.SQLiteStore
	vault   *credential.Vault
	msgs    chan tea.Msg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := newBackend(t)
	db := testutil.NewTestStore(t)
	vault := credential.NewVault(keyring.NewArrayKeyring(nil))

	cfg := &model.AppConfig{
		Server:  model.ServerConfig{BaseURL: b.srv.URL},
		Account: model.AccountConfig{Role: string(model.RoleDriver)},
		Realtime: model.RealtimeConfig{
			HeartbeatPeriod: time.Hour,
			ReconnectBase:   10 * time.Millisecond,
			ReconnectCap:    50 * time.Millisecond,
			RedirectDelay:   20 * time.Millisecond,
			RequestTimeout:  5 * time.Second,
		},
	}
	c, err := New(Options{Config: cfg, Store: db, Vault: vault})
	require.NoError(t, err)

	f := &fixture{client: c, backend: b, db: db, vault: vault, msgs: make(chan tea.Msg, 64)}
	t.Cleanup(c.Close)
	return f
}

// start runs the client and pumps its updates into f.msgs.
func (f *fixture) start() {
	cmd := f.client.Start()
	go func() {
		for {
			msg := cmd()
			if msg == nil {
				close(f.msgs)
				return
			}
			f.msgs <- msg
			cmd = f.client.WaitForNextUpdate()
		}
	}()
}

// waitFor returns the first message satisfying match.
func waitFor[T tea.Msg](t *testing.T, f *fixture, match func(T) bool) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-f.msgs:
			require.True(t, ok, "client closed")
			if m, is := msg.(T); is && (match == nil || match(m)) {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func (f *fixture) authenticate(t *testing.T) {
	t.Helper()
	auth := f.backend.expectFrame(t)
	assert.JSONEq(t, `{"type":"authenticate","userId":"d-1","userType":"driver"}`, auth)
	f.backend.send <- `{"type":"authenticated","userId":"d-1"}`
	waitFor(t, f, func(m ConnStatusMsg) bool { return m.Status.State == realtime.StateOpen })
}

// expectTokenCleared waits for the token writer to remove key.
func (f *fixture) expectTokenCleared(t *testing.T, key string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, err := f.vault.Get(key)
		return errors.Is(err, credential.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoginSyncsNotificationsAndHandlesConflict(t *testing.T) {
	f := newFixture(t)
	f.start()
	ctx := context.Background()

	waitFor[SessionMsg](t, f, nil)
	require.NoError(t, f.client.Login(ctx, "ana", "pw", model.RoleDriver))
	waitFor(t, f, func(m SessionMsg) bool { return m.Session != nil })

	f.authenticate(t)
	waitFor(t, f, func(m SnapshotMsg) bool { return len(m.Snapshot.Records) == 1 })

	f.backend.send <- `{"type":"notification","data":{"id":"2","message":"order ready"}}`
	snap := waitFor(t, f, func(m SnapshotMsg) bool { return len(m.Snapshot.Records) == 2 })
	assert.Equal(t, model.NotificationID("2"), snap.Snapshot.Records[0].ID)
	assert.Equal(t, 2, snap.Snapshot.Counts.Unread)

	rec, err := f.db.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-1", rec.UserID)

	f.backend.send <- `{"type":"session_conflict","message":"signed in elsewhere"}`
	notice := waitFor[NoticeMsg](t, f, nil)
	assert.Equal(t, model.NoticeSessionConflict, notice.Notice.Kind)
	assert.True(t, notice.Notice.Terminal)
	redirect := waitFor[RedirectMsg](t, f, nil)
	assert.Equal(t, model.RedirectLogin, redirect.Target)

	_, err = f.db.LoadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNoSession)
	f.expectTokenCleared(t, credential.TokenKey("driver", "d-1"))
}

func TestRestoreReconnectsPersistedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.SaveSession(ctx, store.SessionRecord{
		UserID: "d-1", Role: model.RoleDriver, ServerURL: f.backend.srv.URL,
	}))
	require.NoError(t, f.vault.Set(credential.TokenKey("driver", "d-1"), "tok-1"))

	f.start()

	msg := waitFor[SessionMsg](t, f, nil)
	require.NotNil(t, msg.Session)
	assert.Equal(t, "tok-1", msg.Session.AuthToken)
	f.authenticate(t)
}

func TestRejectedFetchEndsSession(t *testing.T) {
	f := newFixture(t)
	f.start()
	waitFor[SessionMsg](t, f, nil)
	f.backend.rejectREST.Store(true)
	require.NoError(t, f.client.Login(context.Background(), "ana", "pw", model.RoleDriver))

	// The refresh after Open is refused.
	f.authenticate(t)

	notice := waitFor(t, f, func(m NoticeMsg) bool { return m.Notice.Terminal })
	assert.Equal(t, model.NoticeAuthFailed, notice.Notice.Kind)
	waitFor[RedirectMsg](t, f, nil)

	_, err := f.db.LoadSession(context.Background())
	assert.ErrorIs(t, err, store.ErrNoSession)
}

func TestRejectedHandshakeEndsRestoredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.SaveSession(ctx, store.SessionRecord{
		UserID: "d-1", Role: model.RoleDriver, ServerURL: f.backend.srv.URL,
	}))
	require.NoError(t, f.vault.Set(credential.TokenKey("driver", "d-1"), "stale"))
	f.backend.rejectUpgrade.Store(true)

	f.start()

	notice := waitFor(t, f, func(m NoticeMsg) bool { return m.Notice.Terminal })
	assert.Equal(t, model.NoticeAuthFailed, notice.Notice.Kind)
	waitFor[RedirectMsg](t, f, nil)
	f.expectTokenCleared(t, credential.TokenKey("driver", "d-1"))
}

func TestRestoreIgnoresSessionForOtherServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.SaveSession(ctx, store.SessionRecord{
		UserID: "d-1", Role: model.RoleDriver, ServerURL: "https://elsewhere.example",
	}))
	require.NoError(t, f.vault.Set(credential.TokenKey("driver", "d-1"), "tok-1"))

	f.start()

	msg := waitFor[SessionMsg](t, f, nil)
	assert.Nil(t, msg.Session)
}

func TestLogoutRedirectsAndRevokesToken(t *testing.T) {
	f := newFixture(t)
	f.start()
	waitFor[SessionMsg](t, f, nil)
	require.NoError(t, f.client.Login(context.Background(), "ana", "pw", model.RoleDriver))
	f.authenticate(t)

	f.client.Logout()

	waitFor[RedirectMsg](t, f, nil)
	select {
	case auth := <-f.backend.logouts:
		assert.Equal(t, "Bearer tok-1", auth)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the logout")
	}
}

func TestSoundPreference(t *testing.T) {
	f := newFixture(t)
	f.start()
	waitFor[SessionMsg](t, f, nil)

	f.client.SetSoundEnabled(false)

	msg := waitFor[SoundMsg](t, f, nil)
	assert.False(t, msg.Enabled)
	on, err := f.db.SoundEnabled(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
}

func TestCloseStopsLoopsAndFlushesTokens(t *testing.T) {
	f := newFixture(t)
	f.start()
	waitFor[SessionMsg](t, f, nil)
	require.NoError(t, f.client.Login(context.Background(), "ana", "pw", model.RoleDriver))

	f.client.Close()

	for _, done := range []<-chan struct{}{f.client.loop.Done(), f.client.tokens.Done()} {
		select {
		case <-done:
		default:
			t.Fatal("loop still running after Close")
		}
	}
	token, err := f.vault.Get(credential.TokenKey("driver", "d-1"))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestOutboxCollapsesSnapshots(t *testing.T) {
	o := newOutbox()
	o.publish(SnapshotMsg{})
	o.publish(SnapshotMsg{Snapshot: notify.Snapshot{Counts: notify.Counts{Total: 3}}})
	o.publish(NoticeMsg{})
	o.publish(SnapshotMsg{})

	first := o.next().(SnapshotMsg)
	assert.Equal(t, 3, first.Snapshot.Counts.Total)
	assert.IsType(t, NoticeMsg{}, o.next())
	assert.IsType(t, SnapshotMsg{}, o.next())

	o.close()
	assert.Nil(t, o.next())
}

func TestBellChime(t *testing.T) {
	var sb strings.Builder
	(&BellChime{W: &sb}).Ring()
	assert.Equal(t, "\a", sb.String())
}
