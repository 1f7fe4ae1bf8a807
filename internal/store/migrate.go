package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at  INTEGER NOT NULL,
	description TEXT NOT NULL,
	checksum    TEXT NOT NULL CHECK(length(checksum) = 64)
)`

// V<version>__<description>.<up|down>.sql
var migrationName = regexp.MustCompile(`^V(\d+)__(.+)\.(up|down)\.sql$`)

// Migration is a row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// step pairs the up and down scripts of one version.
type step struct {
	version     int
	description string
	up, down    string
}

// Migrator applies the versioned SQL scripts found in an fs.FS. Applied
// scripts are checksummed; editing one after it ran is an error.
type Migrator struct {
	db    *sql.DB
	fsys  fs.FS
	clock func() time.Time
}

func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys, clock: time.Now}
}

func (m *Migrator) steps() ([]step, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}
	byVersion := map[int]*step{}
	for _, e := range entries {
		match := migrationName.FindStringSubmatch(e.Name())
		if e.IsDir() || match == nil {
			continue
		}
		v, _ := strconv.Atoi(match[1])
		s, ok := byVersion[v]
		if !ok {
			s = &step{version: v, description: match[2]}
			byVersion[v] = s
		}
		if match[3] == "up" {
			s.up = e.Name()
		} else {
			s.down = e.Name()
		}
	}

	out := make([]step, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up != "" {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Version returns the highest applied version, 0 on a fresh database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if _, err := m.db.ExecContext(ctx, migrationsTable); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	var v int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	return v, nil
}

// Applied lists applied migrations in version order.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	if _, err := m.db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "read schema_migrations", err)
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var (
			mig Migration
			at  int64
		)
		if err := rows.Scan(&mig.Version, &at, &mig.Description, &mig.Checksum); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMigration, "scan schema_migrations", err)
		}
		mig.AppliedAt = time.UnixMilli(at)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up brings the schema to the latest version.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	done := make(map[int]string, len(applied))
	for _, mig := range applied {
		done[mig.Version] = mig.Checksum
	}

	steps, err := m.steps()
	if err != nil {
		return err
	}
	for _, s := range steps {
		script, err := fs.ReadFile(m.fsys, s.up)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "read "+s.up, err)
		}
		sum := sha256.Sum256(script)
		checksum := hex.EncodeToString(sum[:])

		if prev, ok := done[s.version]; ok {
			if prev != checksum {
				return apperrors.Newf(apperrors.ErrMigration, "migration V%d changed after it was applied", s.version)
			}
			continue
		}
		err = m.inTx(ctx, string(script),
			`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
			s.version, m.clock().UnixMilli(), s.description, checksum)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "apply "+s.up, err)
		}
		logging.Debug("Schema migration applied", map[string]interface{}{
			"version":     s.version,
			"description": s.description,
		})
	}
	return nil
}

// Down reverts the latest applied version using its down script.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migration to revert")
	}

	steps, err := m.steps()
	if err != nil {
		return err
	}
	var target *step
	for i := range steps {
		if steps[i].version == current {
			target = &steps[i]
		}
	}
	if target == nil || target.down == "" {
		return apperrors.Newf(apperrors.ErrMigration, "no down script for V%d", current)
	}

	script, err := fs.ReadFile(m.fsys, target.down)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read "+target.down, err)
	}
	if err := m.inTx(ctx, string(script), `DELETE FROM schema_migrations WHERE version = ?`, current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "revert "+target.down, err)
	}
	return nil
}

// inTx runs script and the bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, script, record string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}
