// Package registry maintains the per-process cache of open engine
// connections, keyed on (layout, logical database name).
//
// The registry guarantees get-or-create semantics: the first caller of a
// given key opens the physical file and configures journaling, and every
// subsequent caller receives the identical handle. Concurrent first access
// has a single winner; losers wait and reuse the winner's connection. The
// blob and relational layouts cache disjointly, so one logical name may
// resolve to two distinct physical files depending on layout.
//
// Closing a collection instance never evicts its connection: the registry
// owns connection lifetime, and reclamation only happens through the
// explicit Evict and CloseAll operations.
package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"go.docstore.dev/sqlite/metrics"
	"go.docstore.dev/sqlite/schema"
)

// OpenError is returned when the underlying database file cannot be
// opened or configured. It is raised synchronously to the caller, and no
// partial cache entry is left behind.
type OpenError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("opening database %q: %s", e.Name, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OpenError) Unwrap() error { return e.Err }

// Options configure the physical file and engine settings of a connection.
// They take effect only for the caller which actually opens the
// connection; later callers of the same key receive the already-open
// handle as-is.
type Options struct {
	// Dir is the directory holding database files.
	Dir string
	// Prefix is prepended to the logical name in the file name.
	Prefix string
	// JournalMode is the engine journal mode, configured at open time and
	// never per-operation. Defaults to WAL.
	JournalMode string
	// BusyTimeout bounds how long a statement waits on a locked database.
	// Defaults to 5s.
	BusyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.JournalMode == "" {
		o.JournalMode = "WAL"
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 5 * time.Second
	}
	return o
}

type connKey struct {
	layout schema.Layout
	name   string
}

// Registry is the lock-guarded get-or-create map of open connections.
// It is an injectable service: every instance is independent, and no
// package-level registry exists.
type Registry struct {
	mu     sync.Mutex
	conns  map[connKey]*Conn
	flight singleflight.Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[connKey]*Conn)}
}

// GetOrOpen returns the cached connection of (layout, name), opening and
// configuring it if this is the first access. Concurrent first accesses
// of the same key collapse to a single open.
func (r *Registry) GetOrOpen(layout schema.Layout, name string, opts Options) (*Conn, error) {
	if err := layout.Validate(); err != nil {
		return nil, &OpenError{Name: name, Err: err}
	}
	if err := schema.ValidateIdentifier(name); err != nil {
		return nil, &OpenError{Name: name, Err: err}
	}
	var key = connKey{layout: layout, name: name}

	r.mu.Lock()
	if conn, ok := r.conns[key]; ok {
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	var v, err, _ = r.flight.Do(layout.String()+"/"+name, func() (interface{}, error) {
		// Re-check: a prior flight may have populated the entry between
		// the fast path above and this call.
		r.mu.Lock()
		if conn, ok := r.conns[key]; ok {
			r.mu.Unlock()
			return conn, nil
		}
		r.mu.Unlock()

		var conn, err = openConn(layout, name, opts.withDefaults())
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.conns[key] = conn
		r.mu.Unlock()

		metrics.ConnectionsOpen.Inc()
		log.WithFields(log.Fields{
			"name":   name,
			"layout": layout.String(),
			"path":   conn.path,
		}).Info("opened database")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// ListNames returns the sorted logical names currently cached for the
// layout.
func (r *Registry) ListNames(layout schema.Layout) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for key := range r.conns {
		if key.layout == layout {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

// Evict closes and removes the connection of (layout, name), if cached.
// Evict is the only path by which a cached connection is reclaimed short
// of CloseAll.
func (r *Registry) Evict(layout schema.Layout, name string) error {
	var key = connKey{layout: layout, name: name}

	r.mu.Lock()
	var conn, ok = r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.ConnectionsOpen.Dec()
	return conn.close()
}

// CloseAll closes every cached connection and empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	var conns = r.conns
	r.conns = make(map[connKey]*Conn)
	r.mu.Unlock()

	var firstErr error
	for key, conn := range conns {
		metrics.ConnectionsOpen.Dec()
		if err := conn.close(); err != nil {
			log.WithFields(log.Fields{
				"name":   key.name,
				"layout": key.layout.String(),
				"err":    err,
			}).Error("failed to close database")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// openConn opens and configures the physical database of (layout, name).
func openConn(layout schema.Layout, name string, opts Options) (*Conn, error) {
	var path = filepath.Join(opts.Dir,
		fmt.Sprintf("%s%s.%s.db", opts.Prefix, name, layout.String()))

	// Engine configuration rides on the DSN and applies to every
	// connection the pool opens.
	var values = url.Values{
		"_journal_mode": {opts.JournalMode},
		"_busy_timeout": {fmt.Sprintf("%d", opts.BusyTimeout.Milliseconds())},
	}
	var db, err = sql.Open("sqlite3", "file:"+path+"?"+values.Encode())
	if err != nil {
		return nil, &OpenError{Name: name, Err: err}
	}
	// One writer per physical file. WAL readers may still proceed through
	// the same handle while a write is in flight.
	db.SetMaxOpenConns(1)

	// sql.Open is lazy; force the file open so failures surface here
	// rather than on first use.
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, &OpenError{Name: name, Err: errors.WithMessage(err, "opening database file")}
	}
	return newConn(layout, name, path, db)
}
