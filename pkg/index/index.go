// Package index caches per-source package listings in SQLite so the client
// can answer lookups and searches without asking the package manager each
// time.
//
// Rows belong to a source and are replaced wholesale on refresh. Disabling a
// source never deletes its rows: every read takes the set of enabled sources
// and filters by it, so re-enabling restores results immediately.
package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pkgengine/pkgengine/pkg/repo"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index is the package listing cache.
type Index struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the cache at path and applies migrations.
func Open(ctx context.Context, path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between sweep workers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ix := &Index{db: db, path: path, now: time.Now}
	if err := ix.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(ix.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Put replaces every row of source with records and stamps the sync time.
func (ix *Index) Put(ctx context.Context, source string, records []repo.PackageRecord) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE source = ?`, source); err != nil {
		return fmt.Errorf("failed to clear %s: %w", source, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO packages (source, name, version, description, provides)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, source, rec.Name, rec.Version, rec.Description, strings.Join(rec.Provides, " ")); err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", source, rec.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sources (name, synced_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET synced_at = excluded.synced_at
	`, source, ix.now().Unix()); err != nil {
		return fmt.Errorf("failed to stamp %s: %w", source, err)
	}

	return tx.Commit()
}

// SyncedAt returns when source was last refreshed.
func (ix *Index) SyncedAt(ctx context.Context, source string) (time.Time, bool, error) {
	var unix int64
	err := ix.db.QueryRowContext(ctx, `SELECT synced_at FROM sources WHERE name = ?`, source).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync time: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

// Stale reports whether source was never synced or is older than ttl.
func (ix *Index) Stale(ctx context.Context, source string, ttl time.Duration) (bool, error) {
	at, ok, err := ix.SyncedAt(ctx, source)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return ix.now().Sub(at) > ttl, nil
}

// Lookup returns every record named name held by an enabled source.
func (ix *Index) Lookup(ctx context.Context, enabled []string, name string) ([]repo.PackageRecord, error) {
	if len(enabled) == 0 {
		return nil, nil
	}
	where, args := sourceFilter(enabled)
	query := `SELECT source, name, version, description, provides FROM packages WHERE name = ? AND ` + where
	return ix.query(ctx, query, append([]interface{}{name}, args...)...)
}

// Search returns records from enabled sources whose name or description
// contains query, case-insensitively. limit <= 0 means no limit.
func (ix *Index) Search(ctx context.Context, enabled []string, query string, limit int) ([]repo.PackageRecord, error) {
	if len(enabled) == 0 {
		return nil, nil
	}
	where, args := sourceFilter(enabled)
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	sqlText := `SELECT source, name, version, description, provides FROM packages
		WHERE (lower(name) LIKE ? ESCAPE '\' OR lower(description) LIKE ? ESCAPE '\') AND ` + where + `
		ORDER BY name, source`
	all := append([]interface{}{pattern, pattern}, args...)
	if limit > 0 {
		sqlText += ` LIMIT ?`
		all = append(all, limit)
	}
	return ix.query(ctx, sqlText, all...)
}

// Sources lists every source with cached rows, enabled or not.
func (ix *Index) Sources(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT name FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (ix *Index) query(ctx context.Context, query string, args ...interface{}) ([]repo.PackageRecord, error) {
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var out []repo.PackageRecord
	for rows.Next() {
		var rec repo.PackageRecord
		var provides string
		if err := rows.Scan(&rec.Source, &rec.Name, &rec.Version, &rec.Description, &provides); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		if provides != "" {
			rec.Provides = strings.Fields(provides)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

func sourceFilter(enabled []string) (string, []interface{}) {
	placeholders := make([]string, len(enabled))
	args := make([]interface{}, len(enabled))
	for i, s := range enabled {
		placeholders[i] = "?"
		args[i] = s
	}
	return "source IN (" + strings.Join(placeholders, ", ") + ")", args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
