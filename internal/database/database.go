package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DB wraps the SQL handle so callers get migrations and lifecycle in one place.
type DB struct {
	DB   *sql.DB
	path string
}

// Options tune the SQLite connection. Zero values fall back to defaults
// suitable for a single-process server.
type Options struct {
	MaxOpenConns int
	BusyTimeout  time.Duration
	CacheSize    int
	MmapSize     int64
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns == 0 {
		o.MaxOpenConns = 4
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.CacheSize == 0 {
		o.CacheSize = -20000
	}
	if o.MmapSize == 0 {
		o.MmapSize = 256 << 20
	}
	return o
}

// Open opens (creating if needed) the SQLite database at path. ":memory:"
// opens a private in-memory database, used by tests. Pragmas ride the DSN so
// every pooled connection gets them, and _txlock=immediate makes explicit
// transactions take the write lock up front; all BeginTx callers here are
// write paths.
func Open(path string, opts ...Options) (*DB, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.withDefaults()

	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")

	var dsn string
	if path == ":memory:" {
		// Shared cache keeps the schema visible across pooled connections.
		q.Set("mode", "memory")
		q.Set("cache", "shared")
		dsn = "file::memory:?" + q.Encode()
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", o.CacheSize))
		q.Add("_pragma", fmt.Sprintf("mmap_size(%d)", o.MmapSize))
		dsn = "file:" + path + "?" + q.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Migrate applies all pending migrations from the embedded filesystem.
func (d *DB) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(d.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.DB.Close()
}
