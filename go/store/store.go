// Package store implements the durable configuration store: a SQLite
// database holding chat config bindings, built routing snapshots, service
// bundles, and pending writes. Schema evolution is managed by a monotonic
// migration ledger applied at open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Store is a handle on the opened configuration database. All durable
// writes of the runtime go through it; readers may run concurrently under
// WAL journaling.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the database at |path|, creating it if needed, and applies
// pending migrations. A migration failure closes the handle and is fatal
// to the caller: the runtime must refuse to serve. The path ":memory:"
// opens an ephemeral single-connection database.
func Open(path string) (*Store, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?" + dsnOptions
	} else {
		dsn = fmt.Sprintf("file:%s?%s", url.PathEscape(path), dsnOptions)
	}

	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection of an in-memory DSN is a distinct database.
		db.SetMaxOpenConns(1)
	}

	var store = &Store{db: db, path: path}
	if err = store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database %s: %w", path, err)
	}
	return store, nil
}

// dsnOptions holds the connection options applied to every open:
// write-ahead logging, a busy timeout so concurrent writers queue rather
// than fail, enforced foreign keys, and immediate transactions so a Begin
// takes the write lock up front.
const dsnOptions = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

// loadRows runs |query| and invokes |loadedFn| with a freshly scanned
// destination tuple (from |newFn|) for each row.
func (s *Store) loadRows(
	ctx context.Context,
	query string,
	args []interface{},
	newFn func() []interface{},
	loadedFn func([]interface{}),
) error {
	var rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query(%q): %w", query, err)
	}
	defer rows.Close()

	for rows.Next() {
		var next = newFn()
		if err := rows.Scan(next...); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		loadedFn(next)
	}
	return rows.Err()
}
