package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDBName = "taskline.db"

// Dialect selects SQL syntax differences between the supported stores.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Conn is the process-wide handle to the transactional store.
type Conn struct {
	*sql.DB
	Dialect Dialect
}

// DefaultPath returns the sqlite file used when no DSN is configured.
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "taskline", defaultDBName)
}

// Open opens the store named by dsn. postgres:// DSNs use lib/pq; anything
// else (sqlite://, file:, bare path) is a sqlite file.
func Open(dsn string) (*Conn, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultPath()
	}
	scheme := ""
	parsed, err := url.Parse(dsn)
	if err == nil {
		scheme = strings.ToLower(strings.TrimSpace(parsed.Scheme))
	}
	switch scheme {
	case "postgres", "postgresql":
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		return &Conn{DB: conn, Dialect: Postgres}, nil
	case "", "file", "sqlite", "sqlite3":
		path, err := sqlitePath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return openSQLite(path)
	default:
		// Windows drive letters parse as a one-letter scheme.
		if len(scheme) == 1 {
			return openSQLite(dsn)
		}
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func sqlitePath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil || parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("sqlite dsn %q has no path", raw)
	}
	return path, nil
}

func openSQLite(path string) (*Conn, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &Conn{DB: conn, Dialect: SQLite}, nil
}

// Ping verifies the store is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Rebind rewrites ? placeholders to $n for postgres. Queries in this
// module never carry a literal ? inside string constants.
func (c *Conn) Rebind(query string) string {
	if c == nil || c.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate returns the row-lock suffix for SELECTs that serialize writers
// on a row. sqlite serializes writers at the database level instead.
func (c *Conn) ForUpdate() string {
	if c != nil && c.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// Nullable maps "" to SQL NULL.
func Nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// NullableStringPtr maps nil and "" to SQL NULL.
func NullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
