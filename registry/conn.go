package registry

import (
	"context"
	"database/sql"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.docstore.dev/sqlite/schema"
)

// stmtCacheSize bounds the number of prepared statements cached per
// connection. Evicted statements are closed.
const stmtCacheSize = 128

// Conn is one open engine connection, shared by every collection instance
// of its logical database (within one layout). It carries an LRU cache of
// prepared statements keyed on statement text.
type Conn struct {
	layout schema.Layout
	name   string
	path   string
	db     *sql.DB
	stmts  *lru.Cache
}

func newConn(layout schema.Layout, name, path string, db *sql.DB) (*Conn, error) {
	var stmts, err = lru.NewWithEvict(stmtCacheSize, func(_, v interface{}) {
		if err := v.(*sql.Stmt).Close(); err != nil {
			log.WithFields(log.Fields{"name": name, "err": err}).
				Error("failed to close evicted statement")
		}
	})
	if err != nil {
		return nil, &OpenError{Name: name, Err: err}
	}
	return &Conn{layout: layout, name: name, path: path, db: db, stmts: stmts}, nil
}

// Name returns the logical database name.
func (c *Conn) Name() string { return c.name }

// Layout returns the layout the connection was opened under.
func (c *Conn) Layout() schema.Layout { return c.layout }

// Path returns the physical file path.
func (c *Conn) Path() string { return c.path }

// DB exposes the underlying handle for read-only introspection; all
// mutations should go through instance operations.
func (c *Conn) DB() *sql.DB { return c.db }

// Prepare returns a prepared statement for |stmt|, consulting and
// populating the connection's statement cache. A statement evicted at
// capacity is closed; database/sql defers the underlying close past any
// execution still in flight, so concurrent users of an evicted statement
// run to completion.
func (c *Conn) Prepare(stmt string) (*sql.Stmt, error) {
	if v, ok := c.stmts.Get(stmt); ok {
		return v.(*sql.Stmt), nil
	}
	var prepared, err = c.db.Prepare(stmt)
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing statement %q", stmt)
	}
	c.stmts.Add(stmt, prepared)
	return prepared, nil
}

// Begin starts a transaction.
func (c *Conn) Begin(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

// Exec executes a statement outside any transaction, bypassing the
// statement cache. It is used for DDL.
func (c *Conn) Exec(stmt string, args ...interface{}) error {
	var _, err = c.db.Exec(stmt, args...)
	return err
}

func (c *Conn) close() error {
	c.stmts.Purge() // Evict callbacks close cached statements.
	return c.db.Close()
}
