// Package dbtest opens migrated throwaway stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"taskline/internal/db"
	"taskline/internal/migrate"
)

// Open returns a migrated sqlite store in a temp dir, closed on cleanup.
func Open(t testing.TB) *db.Conn {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "taskline.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
