package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const prefSoundEnabled = "sound_enabled"

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:"
	// databases from being split across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// SaveSession replaces the persisted session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT OR REPLACE INTO session (id, user_id, role, server_url, created_at)
		VALUES (1, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, string(rec.Role), rec.ServerURL, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// LoadSession returns the persisted session record, or ErrNoSession.
func (s *SQLiteStore) LoadSession(ctx context.Context) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT user_id, role, server_url, created_at FROM session WHERE id = 1",
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNoSession
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("loading session: %w", err)
	}
	return rec, nil
}

// SoundEnabled returns the sound preference. It defaults to true.
func (s *SQLiteStore) SoundEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM preferences WHERE key = ?", prefSoundEnabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading sound preference: %w", err)
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parsing sound preference %q: %w", value, err)
	}
	return enabled, nil
}

// SetSoundEnabled stores the sound preference.
func (s *SQLiteStore) SetSoundEnabled(ctx context.Context, enabled bool) error {
	const query = `
		INSERT INTO preferences (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, prefSoundEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("saving sound preference: %w", err)
	}
	return nil
}

// ClearLocalState removes the session and every preference atomically.
func (s *SQLiteStore) ClearLocalState(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session"); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM preferences"); err != nil {
		return fmt.Errorf("clearing preferences: %w", err)
	}

	return tx.Commit()
}
