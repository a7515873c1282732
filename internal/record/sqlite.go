package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/reveille/internal/errors"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the current version of the sqlite document schema.
const SchemaVersion = 1

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.InvalidInput("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open: create db dir: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: sql open: %w", err)
	}
	// One connection keeps read-modify-write merges serial inside the process;
	// busy_timeout covers other processes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate ensures the documents table exists at SchemaVersion.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, key)
		);
	`); err != nil {
		return fmt.Errorf("migrate: create documents table: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) (Document, error) {
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	return getDocument(ctx, s.db, collection, key)
}

func (s *SQLiteStore) Set(ctx context.Context, collection, key string, doc Document) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}
	return putDocument(ctx, s.db, collection, key, normalized)
}

func (s *SQLiteStore) Merge(ctx context.Context, collection, key string, fields Document) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge %s/%s: begin: %w", collection, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getDocument(ctx, tx, collection, key)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	merged, err := applyMerge(current, fields)
	if err != nil {
		return err
	}
	if err := putDocument(ctx, tx, collection, key, merged); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("merge %s/%s: commit: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND key = ?;`, collection, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, body FROM documents WHERE collection = ? ORDER BY key;`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("list %s: scan: %w", collection, err)
		}
		doc, err := decode([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", collection, key, err)
		}
		entries = append(entries, Entry{Key: key, Doc: doc})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getDocument(ctx context.Context, q queryer, collection, key string) (Document, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND key = ?;`, collection, key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, notFound(collection, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return decode([]byte(body))
}

func putDocument(ctx context.Context, q queryer, collection, key string, doc Document) error {
	body, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return errors.InvalidInput(fmt.Sprintf("encode %s/%s: %v", collection, key, err))
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, key, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at;
	`, collection, key, string(body), FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}
