package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/store"
	"github.com/nhle/courier/tests/testutil"
)

func TestSessionRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.LoadSession(ctx)
	require.ErrorIs(t, err, store.ErrNoSession)

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSession(ctx, store.SessionRecord{
		UserID: "d-1", Role: model.RoleDriver, ServerURL: "https://a.example", CreatedAt: created,
	}))
	require.NoError(t, s.SaveSession(ctx, store.SessionRecord{
		UserID: "d-2", Role: model.RoleDriver, ServerURL: "https://a.example", CreatedAt: created,
	}))

	rec, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-2", rec.UserID, "only one session row is kept")
	assert.Equal(t, model.RoleDriver, rec.Role)
	assert.Equal(t, "https://a.example", rec.ServerURL)
	assert.True(t, created.Equal(rec.CreatedAt))
}

func TestSaveSessionRejectsUnknownRole(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.SaveSession(context.Background(), store.SessionRecord{UserID: "x", Role: "admin"})
	assert.Error(t, err)
}

func TestSoundPreference(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	on, err := s.SoundEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on, "sound defaults to on")

	require.NoError(t, s.SetSoundEnabled(ctx, false))
	on, err = s.SoundEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.SetSoundEnabled(ctx, true))
	on, err = s.SoundEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestClearLocalStateRemovesEverything(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, store.SessionRecord{UserID: "s-1", Role: model.RoleShop}))
	require.NoError(t, s.SetSoundEnabled(ctx, false))

	require.NoError(t, s.ClearLocalState(ctx))

	_, err := s.LoadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNoSession)
	on, err := s.SoundEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on, "preference falls back to its default")

	// Clearing twice is harmless.
	assert.NoError(t, s.ClearLocalState(ctx))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, store.SessionRecord{UserID: "d-1", Role: model.RoleDriver}))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	rec, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-1", rec.UserID)
}
