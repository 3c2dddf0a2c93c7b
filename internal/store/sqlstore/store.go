package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	"github.com/mattn/go-sqlite3"      // SQLite driver ("sqlite3")
	"github.com/pliu/chatbridge/internal/blob"
	"github.com/pliu/chatbridge/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	secret     []byte
	blobs      blob.Store
	validate   *validator.Validate
	now        func() time.Time

	// mu is held shared by every operation and exclusively by RestoreBackup.
	mu sync.RWMutex
}

type Option func(*SQLStore)

// WithBlobStore sets where encrypted media payloads are written.
func WithBlobStore(b blob.Store) Option {
	return func(s *SQLStore) { s.blobs = b }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// New opens the database, creates missing tables and returns the store.
// driverName is "sqlite3", or "pgx"/"postgres" for PostgreSQL. secret is the
// server-wide secret conversation keys are derived from.
func New(driverName, dataSourceName string, secret []byte, opts ...Option) (*SQLStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("sqlstore: server secret must not be empty")
	}
	if driverName == "postgres" {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		secret:     secret,
		validate:   validator.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) isPostgres() bool { return s.driverName == "pgx" }

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_business BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		device_fingerprint TEXT NOT NULL,
		device_info TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		last_message_id TEXT NOT NULL DEFAULT '',
		last_message_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id TEXT NOT NULL REFERENCES chats(id),
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id),
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		ciphertext BLOB,
		iv BLOB,
		auth_tag BLOB,
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		media_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages (chat_id, created_at);

	CREATE TABLE IF NOT EXISTS media_files (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		original_name TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size BIGINT NOT NULL,
		file_key BLOB NOT NULL,
		iv BLOB NOT NULL,
		storage_path TEXT NOT NULL,
		thumbnail_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		address TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		linked_user_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (owner_id, address)
	);

	CREATE TABLE IF NOT EXISTS device_approval_requests (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		device_fingerprint TEXT NOT NULL,
		device_info TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_phone_fp ON device_approval_requests (phone, device_fingerprint);

	CREATE TABLE IF NOT EXISTS approved_devices (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		device_fingerprint TEXT NOT NULL,
		approved_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (phone, device_fingerprint)
	);
	`

	if s.isPostgres() {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
		query = strings.ReplaceAll(query, "BLOB", "BYTEA")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.isPostgres() {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, committing on nil error.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC()
}

// isUniqueViolation recognizes unique/primary key violations from both drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func mapConstraint(err error, entity, field string) error {
	if isUniqueViolation(err) {
		return &store.ConstraintError{Entity: entity, Field: field, Err: err}
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

var _ store.Store = (*SQLStore)(nil)
