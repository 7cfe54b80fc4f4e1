package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.docstore.dev/sqlite/query"
	"go.docstore.dev/sqlite/registry"
	"go.docstore.dev/sqlite/schema"
)

type state int

const (
	stateOpen state = iota + 1
	stateClosed
)

// Instance is one opened collection of a logical database. All operations
// require the open state; Close is idempotent and does not close the
// shared connection (see registry eviction policy).
type Instance struct {
	adapter    *Adapter
	conn       *registry.Conn
	dbName     string
	collection string
	table      string
	sch        schema.Collection
	spec       *schema.TableSpec
	tr         *query.Translator
	stream     *ChangeStream

	// Statement texts computed once at open.
	stmtLookup  string
	stmtInsert  string
	stmtUpdate  string
	stmtMaxKey  string
	stmtChange  string
	stmtChanges string

	mu    sync.Mutex
	state state
}

func newInstance(a *Adapter, conn *registry.Conn, dbName, collection string,
	sch schema.Collection, spec *schema.TableSpec) (*Instance, error) {

	var table = schema.TableName(dbName, collection)
	var i = &Instance{
		adapter:    a,
		conn:       conn,
		dbName:     dbName,
		collection: collection,
		table:      table,
		sch:        sch,
		spec:       spec,
		tr:         query.NewTranslator(table, spec),
		stream:     newChangeStream(),
		state:      stateOpen,
	}
	i.buildStatements()

	if err := conn.Exec(spec.DDL(table)); err != nil {
		return nil, errors.WithMessagef(err, "creating table %q", table)
	}
	if err := conn.Exec(i.changesDDL()); err != nil {
		return nil, errors.WithMessagef(err, "creating change log of %q", table)
	}
	log.WithFields(log.Fields{
		"db":         dbName,
		"collection": collection,
		"layout":     a.layout.String(),
	}).Debug("opened collection instance")
	return i, nil
}

// Database returns the logical database name.
func (i *Instance) Database() string { return i.dbName }

// Collection returns the collection name.
func (i *Instance) Collection() string { return i.collection }

// Table returns the physical table name.
func (i *Instance) Table() string { return i.table }

// ChangeStream returns the instance's change notification surface.
func (i *Instance) ChangeStream() *ChangeStream { return i.stream }

func (i *Instance) requireOpen() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case stateOpen:
		return nil
	case stateClosed:
		return errors.Errorf("collection %q is closed", i.collection)
	default:
		return errors.Errorf("collection %q is not open", i.collection)
	}
}

// Close transitions the instance to closed and terminates change stream
// subscribers. It is idempotent, and never closes the shared connection:
// the registry retains it until explicitly evicted.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.state == stateClosed {
		i.mu.Unlock()
		return nil
	}
	i.state = stateClosed
	i.mu.Unlock()

	i.stream.close()
	return nil
}

// FindDocumentsByID fetches documents by primary key. Soft-deleted
// documents are returned only if |includeDeleted| is set. Missing ids are
// simply absent from the result.
func (i *Instance) FindDocumentsByID(ids []string, includeDeleted bool) ([]Document, error) {
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var vals = make([]interface{}, len(ids))
	for n, id := range ids {
		vals[n] = id
	}
	var b = sq.Select(i.tr.DocumentColumns()...).
		From(fmt.Sprintf("%q", i.table)).
		Where(sq.Eq{fmt.Sprintf("%q", i.spec.PrimaryKey.Name): vals})
	if !includeDeleted {
		b = b.Where(sq.Eq{fmt.Sprintf("%q", schema.DeletedColumn): 0})
	}
	stmt, args, err := b.ToSql()
	if err != nil {
		return nil, errors.WithMessage(err, "building find-by-id statement")
	}

	prepared, err := i.conn.Prepare(stmt)
	if err != nil {
		return nil, err
	}
	rows, err := prepared.Query(args...)
	if err != nil {
		return nil, errors.WithMessage(err, "querying documents by id")
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, _, _, err := i.decodeRow(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Cleanup physically deletes soft-deleted rows, returning the number of
// purged documents. Their change log entries are retained: they keep
// serving ChangedSince as deletion stubs, and they pin the keys ever
// assigned so autoincrement allocation never reuses a purged maximum.
func (i *Instance) Cleanup() (int64, error) {
	if err := i.requireOpen(); err != nil {
		return 0, err
	}
	var res, err = i.conn.DB().Exec(fmt.Sprintf(
		`DELETE FROM %q WHERE %q = 1`, i.table, schema.DeletedColumn))
	if err != nil {
		return 0, errors.WithMessage(err, "purging soft-deleted rows")
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if purged != 0 {
		log.WithFields(log.Fields{
			"collection": i.collection,
			"purged":     purged,
		}).Info("cleaned up soft-deleted documents")
	}
	return purged, nil
}

// buildStatements renders the fixed statement texts of the instance's
// write and change paths.
func (i *Instance) buildStatements() {
	var pk = i.spec.PrimaryKey.Name

	i.stmtLookup = fmt.Sprintf(`SELECT %q FROM %q WHERE %q = ?`,
		schema.RevColumn, i.table, pk)

	var cols, sets []string
	var holders []string
	for _, c := range i.spec.Columns {
		cols = append(cols, fmt.Sprintf("%q", c.Name))
		holders = append(holders, "?")
		if !c.PrimaryKey {
			sets = append(sets, fmt.Sprintf("%q = ?", c.Name))
		}
	}
	cols = append(cols, fmt.Sprintf("%q", schema.DeletedColumn), fmt.Sprintf("%q", schema.RevColumn))
	holders = append(holders, "?", "?")
	sets = append(sets, fmt.Sprintf("%q = ?", schema.DeletedColumn), fmt.Sprintf("%q = ?", schema.RevColumn))

	i.stmtInsert = fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
		i.table, strings.Join(cols, ", "), strings.Join(holders, ", "))
	i.stmtUpdate = fmt.Sprintf(`UPDATE %q SET %s WHERE %q = ?`,
		i.table, strings.Join(sets, ", "), pk)

	// Key allocation consults both the live table and the change log, so
	// a key freed by Cleanup is still never reassigned.
	if i.spec.Layout == schema.Blob || i.spec.PrimaryKey.Kind != schema.ColInteger {
		i.stmtMaxKey = fmt.Sprintf(
			`SELECT MAX(COALESCE((SELECT MAX(CAST(%q AS INTEGER)) FROM %q), 0),
				COALESCE((SELECT MAX(CAST(doc_id AS INTEGER)) FROM %q), 0))`,
			pk, i.table, i.changesTable())
	} else {
		i.stmtMaxKey = fmt.Sprintf(
			`SELECT MAX(COALESCE((SELECT MAX(%q) FROM %q), 0),
				COALESCE((SELECT MAX(CAST(doc_id AS INTEGER)) FROM %q), 0))`,
			pk, i.table, i.changesTable())
	}

	i.stmtChange = fmt.Sprintf(
		`INSERT OR REPLACE INTO %q (doc_id, %q, %q) VALUES (?, ?, ?)`,
		i.changesTable(), schema.DeletedColumn, schema.RevColumn)

	i.stmtChanges = fmt.Sprintf(
		`SELECT c.seq, c.doc_id, c.%s, c.%s, %s FROM %q c LEFT JOIN %q d ON d.%q = c.doc_id WHERE c.seq > ? ORDER BY c.seq ASC`,
		schema.DeletedColumn, schema.RevColumn,
		joinAliased("d", i.tr.DocumentColumns()),
		i.changesTable(), i.table, pk)
}

func joinAliased(alias string, cols []string) string {
	var out = make([]string, len(cols))
	for n, c := range cols {
		out[n] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

// formatKey renders a primary key value as its canonical string form, as
// stored in the blob layout's id column and the change log's doc_id.
func formatKey(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		if val != float64(int64(val)) {
			return "", errors.Errorf("primary key %v is not an integer", val)
		}
		return strconv.FormatInt(int64(val), 10), nil
	default:
		return "", errors.Errorf("unsupported primary key type %T", v)
	}
}

// scanRev looks up an existing row's revision by primary key.
// sql.ErrNoRows maps to ok=false.
func scanRev(tx *sql.Tx, stmt string, key interface{}) (rev string, ok bool, err error) {
	err = tx.QueryRow(stmt, key).Scan(&rev)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.WithMessage(err, "looking up existing document")
	}
	return rev, true, nil
}
