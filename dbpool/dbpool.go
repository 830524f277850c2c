// Package dbpool provides a bounded connection pool over one on-disk SQLite
// database file, with production-safe pragmas applied to every connection.
//
// Default pragmas (set through the DSN so each pooled connection gets them):
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	pool, err := dbpool.New(".mediadl/state.db", dbpool.WithMkdirAll())
//	conn, err := pool.Acquire(ctx)
//	defer pool.Release(conn)
//
// In tests:
//
//	pool := dbpool.OpenMemory(t)
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// ErrAcquireTimeout is returned when the pool is exhausted and no connection
// is released within the configured acquire timeout. Callers may retry.
var ErrAcquireTimeout = errors.New("dbpool: acquire timed out")

type config struct {
	maxConns       int
	idleConns      int
	acquireTimeout time.Duration
	busyTimeout    int
	cacheSize      int
	synchronous    string
	foreignKeys    bool
	mkdirAll       bool
	schemas        []string
}

func defaults() config {
	return config{
		maxConns:       10,
		idleConns:      3,
		acquireTimeout: 5 * time.Second,
		busyTimeout:    10_000,
		synchronous:    "NORMAL",
		foreignKeys:    true,
	}
}

// Option customises New behaviour.
type Option func(*config)

// WithMaxConns bounds the number of simultaneously open connections.
// Default: 10.
func WithMaxConns(n int) Option { return func(c *config) { c.maxConns = n } }

// WithIdleConns sets how many connections are pre-warmed and kept idle.
// Capped at the maximum. Default: 3.
func WithIdleConns(n int) Option { return func(c *config) { c.idleConns = n } }

// WithAcquireTimeout bounds how long Acquire waits for a free connection
// when the pool is exhausted. Default: 5s.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *config) { c.acquireTimeout = d }
}

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithCacheSize sets PRAGMA cache_size. 0 (default) keeps the SQLite default.
// Negative values are KiB (e.g. -64000 = 64 MB).
func WithCacheSize(pages int) Option { return func(c *config) { c.cacheSize = pages } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute once after the pool is opened.
func WithSchema(s string) Option {
	return func(c *config) { c.schemas = append(c.schemas, s) }
}

// WithoutForeignKeys disables PRAGMA foreign_keys (rarely needed).
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// Pool hands out short-lived connections to one SQLite database file.
// It bounds simultaneous connections and blocks Acquire with a timeout when
// exhausted, instead of serializing all access through a single lock.
type Pool struct {
	db             *sql.DB
	path           string
	acquireTimeout time.Duration
}

// New opens the database at path and pre-warms the idle connections.
// Connection creation failure (permissions, disk full) is fatal here.
func New(path string, opts ...Option) (*Pool, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxConns < 1 {
		cfg.maxConns = 1
	}
	if cfg.idleConns > cfg.maxConns {
		cfg.idleConns = cfg.maxConns
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbpool: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbpool: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxConns)
	db.SetMaxIdleConns(cfg.maxConns)
	db.SetConnMaxLifetime(0)

	p := &Pool{db: db, path: path, acquireTimeout: cfg.acquireTimeout}

	if err := p.warm(cfg.idleConns); err != nil {
		db.Close()
		return nil, err
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbpool: exec schema: %w", err)
		}
	}

	return p, nil
}

// dsn builds a modernc.org/sqlite DSN carrying the pragmas, so they apply to
// every connection the pool creates, not just the first.
func dsn(path string, cfg *config) string {
	fk := "1"
	if !cfg.foreignKeys {
		fk = "0"
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("foreign_keys(%s)", fk))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", cfg.synchronous))
	if cfg.cacheSize != 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", cfg.cacheSize))
	}
	return "file:" + path + "?" + q.Encode()
}

// warm opens n connections and releases them into the idle set.
func (p *Pool) warm(n int) error {
	conns := make([]*sql.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := p.db.Conn(context.Background())
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return fmt.Errorf("dbpool: warm: %w", err)
		}
		conns = append(conns, conn)
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Acquire returns an idle connection, creating one if the pool is below its
// maximum. When the pool is exhausted it blocks for at most the configured
// acquire timeout and then fails with ErrAcquireTimeout. Expiry of the
// caller's own context is reported as that context's error, never as
// ErrAcquireTimeout: only the pool's timeout means "exhausted, retry".
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dbpool: acquire: %w", ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrAcquireTimeout, p.acquireTimeout)
		}
		return nil, fmt.Errorf("dbpool: acquire: %w", err)
	}
	return conn, nil
}

// Release returns a connection to the idle set. If the idle set is already
// full the connection is closed instead of leaking.
func (p *Pool) Release(conn *sql.Conn) {
	if conn != nil {
		conn.Close()
	}
}

// Path returns the database file path the pool was opened with.
func (p *Pool) Path() string { return p.path }

// Close drains and closes every connection. Used at process shutdown.
func (p *Pool) Close() error { return p.db.Close() }

// OpenMemory opens an in-memory pool for testing. It forces a single
// connection because each connection to ":memory:" would otherwise see a
// separate database. It registers t.Cleanup to close the pool automatically.
func OpenMemory(t testing.TB, opts ...Option) *Pool {
	t.Helper()
	opts = append(opts, WithMaxConns(1), WithIdleConns(1))
	p, err := New(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbpool.OpenMemory: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}
