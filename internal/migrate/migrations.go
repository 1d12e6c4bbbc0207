// Package migrate applies the embedded schema for the connection's dialect.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"taskline/internal/db"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationsFS embed.FS

// Migration is one numbered up-only script, e.g. 0001_init.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Available lists the embedded migrations for dialect in version order.
func Available(dialect db.Dialect) ([]Migration, error) {
	dir := path.Join("sql", string(dialect))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %s: %w", dialect, err)
	}
	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", e.Name())
		}
		data, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: e.Name(), UpSQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", out[i-1].Name, out[i].Name, out[i].Version)
		}
	}
	return out, nil
}

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, conn *db.Conn) error {
	_, err := Apply(ctx, conn)
	return err
}

// Apply runs every migration newer than the recorded version in a single
// transaction and returns the ones it ran. A failure leaves the schema at
// its previous version.
func Apply(ctx context.Context, conn *db.Conn) ([]Migration, error) {
	all, err := Available(conn.Dialect)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := ensureVersionTable(ctx, tx)
	if err != nil {
		return nil, err
	}
	var applied []Migration
	for _, m := range pendingAfter(all, current) {
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, conn.Rebind(`UPDATE schema_version SET version=?`), m.Version); err != nil {
			return nil, fmt.Errorf("record version %d: %w", m.Version, err)
		}
		applied = append(applied, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

// Pending lists migrations not yet applied, without changing anything.
func Pending(ctx context.Context, conn *db.Conn) ([]Migration, error) {
	all, err := Available(conn.Dialect)
	if err != nil {
		return nil, err
	}
	v, err := Version(ctx, conn)
	if err != nil {
		return nil, err
	}
	return pendingAfter(all, v), nil
}

// Version reports the applied schema version; 0 for an empty database.
func Version(ctx context.Context, conn *db.Conn) (int, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil && !tableExists(ctx, conn):
		return 0, nil
	}
	return v, err
}

func ensureVersionTable(ctx context.Context, tx *sql.Tx) (int, error) {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

func pendingAfter(all []Migration, version int) []Migration {
	i := sort.Search(len(all), func(i int) bool { return all[i].Version > version })
	return all[i:]
}

func tableExists(ctx context.Context, conn *db.Conn) bool {
	q := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`
	if conn.Dialect == db.Postgres {
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_name='schema_version'`
	}
	var n int
	return conn.QueryRowContext(ctx, q).Scan(&n) == nil && n > 0
}
