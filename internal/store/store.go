package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/courier/internal/model"
)

// ErrNoSession is returned by LoadSession when nothing is persisted.
var ErrNoSession = errors.New("no persisted session")

// SessionRecord is the persisted part of a session. The auth token is
// kept in the OS keyring, never in the database.
type SessionRecord struct {
	UserID    string     `db:"user_id"`
	Role      model.Role `db:"role"`
	ServerURL string     `db:"server_url"`
	CreatedAt time.Time  `db:"created_at"`
}

// Store defines the client-local persistence the sync layer needs: the
// session record and user preferences.
type Store interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	LoadSession(ctx context.Context) (SessionRecord, error)

	SoundEnabled(ctx context.Context) (bool, error)
	SetSoundEnabled(ctx context.Context, enabled bool) error

	// ClearLocalState removes the session and all preferences in a single
	// transaction.
	ClearLocalState(ctx context.Context) error

	Close() error
}
