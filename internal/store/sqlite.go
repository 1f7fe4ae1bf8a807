package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/store/migrations"
	_ "modernc.org/sqlite"
)

// DBFile is the database file name inside the data directory.
const DBFile = "fieldsync.db"

// SQLiteStore is a KV backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the store inside dataDir.
// The database is opened with:
// - WAL mode so readers never block the queue's writes
// - synchronous=FULL so a returned Set survives power loss
func Open(dataDir string) (*SQLiteStore, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "create data directory", err)
	}
	return OpenPath(filepath.Join(dataDir, DBFile))
}

// OpenPath opens the store at an explicit database path.
func OpenPath(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "configure database", err)
		}
	}

	if err := NewMigrator(db, migrations.FS).Up(context.Background()); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate database", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("read %s", key), err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("write %s", key), err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "list keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "scan key", err)
		}
		// LIKE is case-insensitive for ASCII
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
