// Package sqlitepool wraps a fixed-size pool of SQLite connections that
// share one set of pragmas.
//
// Connections are not safe for concurrent use: each goroutine takes its own
// connection and puts it back, usually through With.
package sqlitepool

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/c360/taskmesh/errors"
)

// DefaultPoolSize is used when Config.PoolSize is not positive. SQLite
// serializes writers, so a handful of connections covers concurrent reads.
const DefaultPoolSize = 4

// Config holds the parameters for opening a pool.
type Config struct {
	// Path of the database file, created if missing. ":memory:" works only
	// with PoolSize 1, since every in-memory connection is its own database.
	Path     string
	PoolSize int
	Logger   *slog.Logger
	// OnConnect runs once per connection after the pragmas, typically to
	// create the schema.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a pool of prepared SQLite connections.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
	size   int
}

// Open creates the pool. Connections are prepared lazily on first Take.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sqlitepool", "Open", "path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlitepool", "path", cfg.Path)

	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	if cfg.Path == ":memory:" && size != 1 {
		return nil, errors.WrapInvalid(stderrors.New("in-memory database needs pool size 1"),
			"sqlitepool", "Open", "validate pool size")
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepare(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlitepool", "Open", "open "+cfg.Path)
	}

	logger.Info("sqlite pool opened", "pool_size", size)
	return &Pool{inner: inner, logger: logger, path: cfg.Path, size: size}, nil
}

// Size returns the number of connections in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Take borrows a connection, blocking until one is free or ctx is done. The
// caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitepool", "Take", "take connection")
	}
	return conn, nil
}

// Put returns a connection to the pool. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	if conn != nil {
		p.inner.Put(conn)
	}
}

// With runs fn on a borrowed connection and returns it afterwards.
func (p *Pool) With(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Close waits for borrowed connections to come back and closes them all.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close failed", "error", err)
		return errors.Wrap(err, "sqlitepool", "Close", "close "+p.path)
	}
	p.logger.Info("sqlite pool closed")
	return nil
}

var pragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

func prepare(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("on connect: %w", err)
		}
	}
	return nil
}
