package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/loop/looptest"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/realtime"
)

type fakePersister struct {
	saved   *model.Session
	clears  int
	loadErr error
}

func (p *fakePersister) LoadSession(context.Context) (*model.Session, error) {
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	return p.saved, nil
}

func (p *fakePersister) SaveSession(_ context.Context, s model.Session) error {
	p.saved = &s
	return nil
}

func (p *fakePersister) ClearLocalState(context.Context) error {
	p.saved = nil
	p.clears++
	return nil
}

type recordingListener struct {
	started   []model.Session
	ended     int
	notices   []model.Notice
	redirects []model.RedirectTarget
}

func (l *recordingListener) SessionStarted(s model.Session) { l.started = append(l.started, s) }
func (l *recordingListener) SessionEnded() { l.ended++ }
func (l *recordingListener) Notice(n model.Notice) { l.notices = append(l.notices, n) }
func (l *recordingListener) Redirect(t model.RedirectTarget) { l.redirects = append(l.redirects, t) }

type fakeRemote struct {
	tokens []string
}

func (r *fakeRemote) Logout(_ context.Context, token string) error {
	r.tokens = append(r.tokens, token)
	return nil
}

type fakeChannel struct {
	sent   int
	closed int
}

func (c *fakeChannel) Send([]byte) error { c.sent++; return nil }
func (c *fakeChannel) Close() error { c.closed++; return nil }

type fakeDialer struct {
	sinks    []realtime.Sink
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(_ context.Context, sink realtime.Sink) (realtime.Channel, error) {
	d.sinks = append(d.sinks, sink)
	ch := &fakeChannel{}
	d.channels = append(d.channels, ch)
	return ch, nil
}

type fixture struct {
	exec      *looptest.Manual
	dialer    *fakeDialer
	persister *fakePersister
	listener  *recordingListener
	remote    *fakeRemote
	guard     *Guard
	mgr       *realtime.Manager
}

var driver = model.Session{SubjectID: "d-9", Role: model.RoleDriver, AuthToken: "tok-9"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		exec:      looptest.New(),
		dialer:    &fakeDialer{},
		persister: &fakePersister{},
		listener:  &recordingListener{},
		remote:    &fakeRemote{},
	}

	g, err := NewGuard(Config{
		Executor:      f.exec,
		Persister:     f.persister,
		Listener:      f.listener,
		Remote:        f.remote,
		RedirectDelay: 3 * time.Second,
	})
	require.NoError(t, err)

	mgr, err := realtime.NewManager(realtime.Config{
		Dialer:          f.dialer,
		Executor:        f.exec,
		Sessions:        g,
		HeartbeatPeriod: 30 * time.Second,
		ReconnectBase:   time.Second,
		ReconnectCap:    30 * time.Second,
	})
	require.NoError(t, err)
	g.Attach(mgr)

	f.guard, f.mgr = g, mgr
	return f
}

// openSession signs in and completes the handshake.
func (f *fixture) openSession(t *testing.T) {
	t.Helper()
	f.guard.Begin(context.Background(), driver)
	f.exec.Drain()
	f.mgr.HandleAuthenticated()
	require.Equal(t, realtime.StateOpen, f.mgr.State())
	require.True(t, f.guard.Current().HeartbeatActive)
}

func TestConflictTearsDownOpenSession(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)
	ctx := context.Background()

	f.guard.HandleConflict(ctx, "signed in elsewhere")

	assert.Nil(t, f.guard.Current())
	assert.Equal(t, realtime.StateDisconnected, f.mgr.State())
	assert.Equal(t, 1, f.dialer.channels[0].closed)
	assert.Equal(t, 1, f.persister.clears)
	assert.Nil(t, f.persister.saved)

	require.Len(t, f.listener.notices, 1)
	assert.Equal(t, model.NoticeSessionConflict, f.listener.notices[0].Kind)
	assert.True(t, f.listener.notices[0].Terminal)

	// Only the redirect is pending: no heartbeat, no reconnect.
	assert.Equal(t, []time.Duration{3 * time.Second}, f.exec.ActiveTimers())
	assert.Empty(t, f.listener.redirects)

	// The channel's own close report arrives late and must not reconnect.
	f.dialer.sinks[0].Closed(nil)
	f.exec.Advance(time.Minute)

	assert.Equal(t, []model.RedirectTarget{model.RedirectLogin}, f.listener.redirects)
	assert.Len(t, f.dialer.sinks, 1)
	assert.Equal(t, 1, f.dialer.channels[0].sent, "no heartbeat after teardown")
}

func TestConflictThenForceLogoutTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)
	ctx := context.Background()

	f.guard.HandleConflict(ctx, "")
	f.guard.HandleForceLogout(ctx, "")
	f.exec.Advance(10 * time.Second)

	assert.Len(t, f.listener.notices, 1)
	assert.Len(t, f.listener.redirects, 1)
	assert.Equal(t, 1, f.persister.clears)
	assert.Equal(t, 1, f.listener.ended)
}

func TestAuthFailedUsesDistinctText(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)

	f.guard.HandleAuthFailed(context.Background(), "token expired")

	require.Len(t, f.listener.notices, 1)
	n := f.listener.notices[0]
	assert.Equal(t, model.NoticeAuthFailed, n.Kind)
	assert.Equal(t, AuthFailedText, n.Text)
	assert.NotEqual(t, ConflictText, n.Text)
	assert.NotEqual(t, ForceLogoutText, n.Text)
}

func TestSignalWithoutSessionIsIgnored(t *testing.T) {
	f := newFixture(t)

	f.guard.HandleForceLogout(context.Background(), "")
	f.exec.Advance(time.Minute)

	assert.Empty(t, f.listener.notices)
	assert.Empty(t, f.listener.redirects)
	assert.Zero(t, f.persister.clears)
}

func TestLogoutCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)

	f.dialer.sinks[0].Closed(errors.New("reset by peer"))
	f.exec.Drain()
	require.Equal(t, []time.Duration{time.Second}, f.exec.ActiveTimers())

	f.guard.Logout(context.Background())
	f.exec.FireStopped()
	f.exec.Advance(time.Minute)

	assert.Nil(t, f.guard.Current())
	assert.Len(t, f.dialer.sinks, 1, "reconnect timer must not fire after logout")
	assert.Equal(t, realtime.StateDisconnected, f.mgr.State())
}

func TestLogoutRedirectsImmediatelyWithoutNotice(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)

	f.guard.Logout(context.Background())

	assert.Equal(t, []model.RedirectTarget{model.RedirectLogin}, f.listener.redirects)
	assert.Empty(t, f.listener.notices)
	assert.Equal(t, 1, f.persister.clears)

	f.exec.Drain()
	assert.Equal(t, []string{"tok-9"}, f.remote.tokens)
}

func TestBeginPersistsAndConnects(t *testing.T) {
	f := newFixture(t)

	f.guard.Begin(context.Background(), driver)
	f.exec.Drain()

	require.NotNil(t, f.persister.saved)
	assert.Equal(t, "d-9", f.persister.saved.SubjectID)
	assert.Len(t, f.listener.started, 1)
	assert.Equal(t, realtime.StateAwaitingAuth, f.mgr.State())
}

func TestBeginWhileOpenReauthenticates(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)
	shop := model.Session{SubjectID: "s-1", Role: model.RoleShop, AuthToken: "tok-s"}

	f.guard.Begin(context.Background(), shop)
	f.exec.Drain()

	require.Len(t, f.dialer.channels, 2)
	assert.Equal(t, 1, f.dialer.channels[0].closed)
	assert.Equal(t, 1, f.dialer.channels[1].sent, "authenticate for the new identity")
	assert.Equal(t, realtime.StateAwaitingAuth, f.mgr.State())
	assert.Equal(t, 1, f.listener.ended)
	assert.Equal(t, 0, f.persister.clears)

	f.mgr.HandleAuthenticated()
	require.Equal(t, realtime.StateOpen, f.mgr.State())
	cur := f.guard.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "s-1", cur.SubjectID)
	assert.True(t, cur.HeartbeatActive)
	assert.Equal(t, []time.Duration{30 * time.Second}, f.exec.ActiveTimers())
}

func TestBeginCancelsPendingRedirect(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)
	ctx := context.Background()

	f.guard.HandleConflict(ctx, "")
	f.guard.Begin(ctx, driver)
	f.exec.FireStopped()
	f.exec.Advance(time.Minute)

	assert.Empty(t, f.listener.redirects)
	assert.False(t, f.guard.Terminating())
	require.NotNil(t, f.guard.Current())
}

func TestRestore(t *testing.T) {
	t.Run("persisted session reconnects", func(t *testing.T) {
		f := newFixture(t)
		s := driver
		f.persister.saved = &s

		ok, err := f.guard.Restore(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)

		f.exec.Drain()
		assert.Len(t, f.dialer.sinks, 1)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		f := newFixture(t)

		ok, err := f.guard.Restore(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, f.guard.Current())
	})

	t.Run("load error", func(t *testing.T) {
		f := newFixture(t)
		f.persister.loadErr = errors.New("disk gone")

		_, err := f.guard.Restore(context.Background())
		assert.Error(t, err)
	})
}

func TestAdoptHeartbeatWithoutSessionStopsIt(t *testing.T) {
	f := newFixture(t)
	h := &realtime.Heartbeat{}

	f.guard.AdoptHeartbeat(h)

	assert.False(t, h.Active())
}
