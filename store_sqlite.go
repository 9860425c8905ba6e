package feedsync

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	metaToken  = "token"
	metaUserID = "user_id"
)

// SQLiteStore keeps credentials and the cache mirror in a local SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ CredentialStore = (*SQLiteStore)(nil)
	_ Mirror          = (*SQLiteStore)(nil)
)

// OpenSQLiteStore opens the database at dsn and applies pending migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ── Credentials ──────────────────────────────────────────

func (s *SQLiteStore) Load(ctx context.Context) (Credentials, error) {
	token, err := s.get(ctx, metaToken)
	if err != nil {
		return Credentials{}, err
	}
	userID, err := s.get(ctx, metaUserID)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Token: string(token), UserID: string(userID)}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, creds Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{metaToken: creds.Token, metaUserID: creds.UserID} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, []byte(value))
		if err != nil {
			return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key IN (?, ?)`, metaToken, metaUserID)
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

// ── Mirror ───────────────────────────────────────────────

func (s *SQLiteStore) SaveMirror(ctx context.Context, entity string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirror (entity, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(entity) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, entity, data)
	if err != nil {
		return fmt.Errorf("failed to save mirror[%s]: %w", entity, err)
	}
	return nil
}

func (s *SQLiteStore) LoadMirror(ctx context.Context, entity string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mirror WHERE entity = ?`, entity).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load mirror[%s]: %w", entity, err)
	}
	return data, true, nil
}

// ClearMirror removes every mirrored snapshot.
func (s *SQLiteStore) ClearMirror(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mirror`); err != nil {
		return fmt.Errorf("failed to clear mirror: %w", err)
	}
	return nil
}
