// Package sqlengine adapts the standard database/sql API, backed by
// mattn/go-sqlite3, to the transactional handle reducerhost and timeline
// expect. Wiring a sqlite3 VFS directly onto storage.PageStore (the way
// consumer/store-sqlite hooks RocksDB into SQLite via cgo) is left as an
// external collaborator seam: PageStore is the pure-Go contract an engine
// would read/write pages through, but implementing that bridge requires
// the same custom cgo VFS shim the teacher's own store-sqlite package
// hand-writes in C, which is out of scope here (spec §1 places the SQL
// engine internals outside the core).
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/orbitinghail/sqlsync/reducerhost"
)

// Options configures how an Engine opens its underlying SQLite database.
type Options struct {
	// Path is a filesystem path, or ":memory:" for an in-memory database.
	// ":memory:" is opened with a shared cache, so Engines opened with it in
	// one process share one database while any of their connections is
	// open. The database is not loaded from storage.Storage.
	Path string
	// ForeignKeys enables SQLite foreign key enforcement.
	ForeignKeys bool
}

// DefaultOptions opens an in-memory database with foreign keys enforced.
// Every Engine, whatever its Options, runs with journal_mode=MEMORY and
// synchronous=OFF, which favours throughput over durability.
var DefaultOptions = Options{Path: ":memory:", ForeignKeys: true}

// uri builds the go-sqlite3 connection string for opts, following the
// same "file:name?pragma=value&..." URI style store.go's URIForDB uses.
func (o Options) uri() string {
	v := url.Values{}
	v.Set("_journal_mode", "MEMORY")
	v.Set("_synchronous", "OFF")
	if o.ForeignKeys {
		v.Set("_foreign_keys", "on")
	}
	if o.Path == ":memory:" {
		return fmt.Sprintf("file::memory:?cache=shared&%s", v.Encode())
	}
	return fmt.Sprintf("file:%s?%s", o.Path, v.Encode())
}

// Engine owns one *sql.DB and hands out transactions satisfying
// reducerhost.SQLTx and timeline.TxBeginner.
type Engine struct {
	db *sql.DB
}

// Open opens a new Engine per opts. A single connection is enforced,
// mirroring store-sqlite's SetMaxOpenConns(1): this implementation
// assumes one writer applying mutations and rebases serially per
// document, never concurrent SQLite connections racing one file.
func Open(opts Options) (*Engine, error) {
	db, err := sql.Open("sqlite3", opts.uri())
	if err != nil {
		return nil, errors.Wrap(err, "sqlengine.Open: opening database")
	}
	db.SetMaxOpenConns(1)
	return &Engine{db: db}, nil
}

// DB returns the underlying *sql.DB, satisfying timeline.TxBeginner.
func (e *Engine) DB() *sql.DB { return e.db }

// BeginTx begins a transaction, satisfying timeline.TxBeginner.
func (e *Engine) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return e.db.BeginTx(ctx, opts)
}

// Exec runs a statement outside of any document transaction, for
// bootstrap DDL executed once at Engine creation.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) error {
	_, err := e.db.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "sqlengine.Exec: %s", query)
}

// Close releases the underlying database handle.
func (e *Engine) Close() error { return e.db.Close() }

var _ reducerhost.SQLTx = (*sql.Tx)(nil)
