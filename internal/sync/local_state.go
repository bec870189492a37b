package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nhle/courier/internal/credential"
	"github.com/nhle/courier/internal/loop"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/store"
)

// TokenVault stores auth tokens outside the database.
type TokenVault interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Clear() error
}

// localState persists sessions across the database and the token vault.
// The database row is authoritative: a session is restored only when both
// the row and its token exist, and clearing removes the row first.
//
// Vault writes may block on the OS keyring, so they run as turns of
// writes, in the order they were requested.
type localState struct {
	db        store.Store
	vault     TokenVault
	writes    loop.Executor
	serverURL string
	logger    *slog.Logger
	now       func() time.Time
}

func (l *localState) SaveSession(ctx context.Context, s model.Session) error {
	rec := store.SessionRecord{
		UserID:    s.SubjectID,
		Role:      s.Role,
		ServerURL: l.serverURL,
		CreatedAt: l.now(),
	}
	if err := l.db.SaveSession(ctx, rec); err != nil {
		return err
	}
	key, token := credential.TokenKey(string(s.Role), s.SubjectID), s.AuthToken
	l.writes.Post(func() {
		if err := l.vault.Set(key, token); err != nil {
			l.logger.Warn("storing token", "error", err)
		}
	})
	return nil
}

func (l *localState) LoadSession(ctx context.Context) (*model.Session, error) {
	rec, err := l.db.LoadSession(ctx)
	if errors.Is(err, store.ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.ServerURL != l.serverURL {
		l.logger.Info("ignoring session saved for another server",
			"saved", rec.ServerURL,
			"configured", l.serverURL,
		)
		return nil, nil
	}

	token, err := l.vault.Get(credential.TokenKey(string(rec.Role), rec.UserID))
	if errors.Is(err, credential.ErrNotFound) {
		l.logger.Info("session record without token", "user_id", rec.UserID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &model.Session{SubjectID: rec.UserID, Role: rec.Role, AuthToken: token}, nil
}

func (l *localState) ClearLocalState(ctx context.Context) error {
	if err := l.db.ClearLocalState(ctx); err != nil {
		return err
	}
	l.writes.Post(func() {
		if err := l.vault.Clear(); err != nil {
			l.logger.Warn("clearing stored tokens", "error", err)
		}
	})
	return nil
}
