package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.docstore.dev/sqlite/metrics"
	"go.docstore.dev/sqlite/schema"
)

// WriteRow is one document of a bulk write, with its soft-delete flag.
type WriteRow struct {
	Document Document
	Deleted  bool
}

// WriteError is a per-document failure captured inside a bulk write
// result. It is never thrown: callers inspect the result's Error
// partition to learn which documents failed.
type WriteError struct {
	DocumentID string
	Err        error
}

// Error implements the error interface.
func (e WriteError) Error() string {
	return fmt.Sprintf("writing document %q: %s", e.DocumentID, e.Err)
}

// Unwrap returns the underlying cause.
func (e WriteError) Unwrap() error { return e.Err }

// BulkWriteResult partitions a batch into per-row successes and failures.
type BulkWriteResult struct {
	Success []Document
	Error   []WriteError
}

// BulkWrite performs a bulk upsert of |rows|. The batch runs inside one
// transaction; each row is isolated by a savepoint, so an individual
// row failure is captured into the result's Error partition without
// preventing other rows of the same batch from committing. Rows are
// applied in the order given: within one batch, a later row wins on a
// clashing primary key.
//
// For each row, the primary key determines insert versus update. Inserts
// of an autoincrement-keyed collection without a key are allocated the
// next strictly-increasing value. Every successful row is stamped with a
// fresh revision and its soft-delete flag, and appended to the change log
// within the same transaction. Change events publish to stream
// subscribers only after the batch commits.
func (i *Instance) BulkWrite(rows []WriteRow) (BulkWriteResult, error) {
	var res BulkWriteResult
	if err := i.requireOpen(); err != nil {
		return res, err
	}
	var tx, err = i.conn.Begin(context.Background())
	if err != nil {
		return res, errors.WithMessage(err, "beginning transaction")
	}
	defer tx.Rollback()

	var events []ChangeEvent
	for n, row := range rows {
		var sp = "row_" + strconv.Itoa(n)
		if _, err = tx.Exec("SAVEPOINT " + sp); err != nil {
			return res, errors.WithMessage(err, "creating savepoint")
		}
		doc, ev, rowErr := i.writeRow(tx, row)
		if rowErr != nil {
			if _, err = tx.Exec("ROLLBACK TO SAVEPOINT " + sp); err != nil {
				return res, errors.WithMessage(err, "rolling back savepoint")
			}
			res.Error = append(res.Error, WriteError{
				DocumentID: bestEffortID(row.Document, i.sch.PrimaryKey),
				Err:        rowErr,
			})
			metrics.WriteErrorsTotal.Inc()
		} else {
			res.Success = append(res.Success, doc)
			events = append(events, ev)
		}
		if _, err = tx.Exec("RELEASE SAVEPOINT " + sp); err != nil {
			return res, errors.WithMessage(err, "releasing savepoint")
		}
	}
	if err = tx.Commit(); err != nil {
		return BulkWriteResult{}, errors.WithMessage(err, "committing batch")
	}
	metrics.DocumentsWrittenTotal.Add(float64(len(res.Success)))
	i.stream.publish(events)
	return res, nil
}

// writeRow applies one row within the batch transaction.
func (i *Instance) writeRow(tx *sql.Tx, row WriteRow) (Document, ChangeEvent, error) {
	if row.Document == nil {
		return nil, ChangeEvent{}, errors.New("row has no document")
	}
	var doc = make(Document, len(row.Document)+1)
	for k, v := range row.Document {
		doc[k] = v
	}

	var pkVal, hasPK = doc[i.sch.PrimaryKey]
	if !hasPK || pkVal == nil {
		if !i.sch.AutoIncrement() {
			return nil, ChangeEvent{}, errors.Errorf("document is missing primary key %q", i.sch.PrimaryKey)
		}
		var next, err = i.nextKey(tx)
		if err != nil {
			return nil, ChangeEvent{}, err
		}
		pkVal = next
		doc[i.sch.PrimaryKey] = next
	}
	var id, err = formatKey(pkVal)
	if err != nil {
		return nil, ChangeEvent{}, err
	}

	prevRev, exists, err := scanRev(tx, i.stmtLookup, id)
	if err != nil {
		return nil, ChangeEvent{}, err
	}

	var point = PointInsert
	if exists {
		point = PointSave
	}
	if err = i.adapter.maybeValidate(point, i.sch, id, doc); err != nil {
		return nil, ChangeEvent{}, err
	}

	var rev = nextRev(prevRev)
	switch i.spec.Layout {
	case schema.Blob:
		err = i.writeBlobRow(tx, id, doc, row.Deleted, rev, exists)
	case schema.Relational:
		err = i.writeRelationalRow(tx, id, doc, row.Deleted, rev, exists)
	default:
		err = errors.Errorf("invalid layout (%d)", int(i.spec.Layout))
	}
	if err != nil {
		return nil, ChangeEvent{}, err
	}

	chg, err := tx.Exec(i.stmtChange, id, boolToInt(row.Deleted), rev)
	if err != nil {
		return nil, ChangeEvent{}, errors.WithMessage(err, "recording change")
	}
	seq, err := chg.LastInsertId()
	if err != nil {
		return nil, ChangeEvent{}, errors.WithMessage(err, "reading change sequence")
	}
	return doc, ChangeEvent{
		DocumentID: id,
		Document:   doc,
		Deleted:    row.Deleted,
		Rev:        rev,
		Sequence:   seq,
	}, nil
}

// writeBlobRow persists the document as one serialized JSON value.
func (i *Instance) writeBlobRow(tx *sql.Tx, id string, doc Document, deleted bool, rev string, exists bool) error {
	var data, err = json.Marshal(doc)
	if err != nil {
		return errors.WithMessage(err, "serializing document")
	}
	if exists {
		_, err = tx.Exec(i.stmtUpdate, string(data), boolToInt(deleted), rev, id)
	} else {
		_, err = tx.Exec(i.stmtInsert, id, string(data), boolToInt(deleted), rev)
	}
	return errors.WithMessage(err, "writing document row")
}

// writeRelationalRow persists the document column-by-column. Fields absent
// from the schema are rejected rather than silently coerced, and missing
// fields fall back to schema defaults or NULL (nullable only).
func (i *Instance) writeRelationalRow(tx *sql.Tx, id string, doc Document, deleted bool, rev string, exists bool) error {
	for field := range doc {
		if i.spec.ColumnForField(field) == nil {
			return errors.Errorf("field %q is not part of the schema", field)
		}
	}

	// Column values in spec order; pkVal separated for the UPDATE form.
	var vals []interface{}
	var pkParam interface{}
	for _, col := range i.spec.Columns {
		var v, present = doc[col.Field]
		var param interface{}
		var err error

		if present {
			param, err = encodeColumn(col, v)
		} else if col.Default != nil {
			param, err = encodeColumn(col, col.Default)
			doc[col.Field] = col.Default
		} else if col.Nullable {
			param = nil
		} else {
			err = errors.Errorf("document is missing required field %q", col.Field)
		}
		if err != nil {
			return err
		}
		if col.PrimaryKey {
			pkParam = param
		}
		vals = append(vals, param)
	}

	var err error
	if exists {
		var args []interface{}
		for n, col := range i.spec.Columns {
			if !col.PrimaryKey {
				args = append(args, vals[n])
			}
		}
		args = append(args, boolToInt(deleted), rev, pkParam)
		_, err = tx.Exec(i.stmtUpdate, args...)
	} else {
		var args = append(append([]interface{}{}, vals...), boolToInt(deleted), rev)
		_, err = tx.Exec(i.stmtInsert, args...)
	}
	return errors.WithMessage(err, "writing document row")
}

// encodeColumn converts a document value into the column's bound
// parameter. A present-but-null value of a JSON column stores the literal
// 'null' text, which keeps an explicit null distinguishable from an
// absent field on read-back.
func encodeColumn(col schema.Column, v interface{}) (interface{}, error) {
	if v == nil {
		if col.Kind == schema.ColJSON && col.Nullable {
			return "null", nil
		}
		if !col.Nullable {
			return nil, errors.Errorf("field %q: null is not permitted", col.Field)
		}
		return nil, nil
	}

	switch col.Kind {
	case schema.ColText:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("field %q: expected string, got %T", col.Field, v)
		}
		return s, nil

	case schema.ColInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != float64(int64(n)) {
				return nil, errors.Errorf("field %q: %v is not an integer", col.Field, n)
			}
			return int64(n), nil
		default:
			return nil, errors.Errorf("field %q: expected integer, got %T", col.Field, v)
		}

	case schema.ColReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, errors.Errorf("field %q: expected number, got %T", col.Field, v)
		}

	case schema.ColBool:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.Errorf("field %q: expected boolean, got %T", col.Field, v)
		}
		return boolToInt(b), nil

	case schema.ColJSON:
		var data, err = json.Marshal(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q: serializing value", col.Field)
		}
		return string(data), nil

	default:
		return nil, errors.Errorf("field %q: invalid column kind (%d)", col.Field, int(col.Kind))
	}
}

// nextKey allocates the next autoincrement key: one beyond the maximum
// ever assigned in this table, deleted rows included. The allocation is
// scoped to the batch transaction and derived from the table itself, not
// a separate counter store.
func (i *Instance) nextKey(tx *sql.Tx) (int64, error) {
	var max int64
	if err := tx.QueryRow(i.stmtMaxKey).Scan(&max); err != nil {
		return 0, errors.WithMessage(err, "allocating next key")
	}
	return max + 1, nil
}

// nextRev stamps a new revision: a monotonic height derived from the
// previous revision, joined to an opaque random suffix.
func nextRev(prev string) string {
	var height int64 = 1
	if idx := strings.IndexByte(prev, '-'); idx > 0 {
		if h, err := strconv.ParseInt(prev[:idx], 10, 64); err == nil {
			height = h + 1
		}
	}
	return fmt.Sprintf("%d-%s", height, uuid.NewString()[:8])
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// bestEffortID extracts a display id for per-row error reporting.
func bestEffortID(doc Document, pkField string) string {
	if doc == nil {
		return ""
	}
	if v, ok := doc[pkField]; ok && v != nil {
		if id, err := formatKey(v); err == nil {
			return id
		}
		return fmt.Sprint(v)
	}
	return ""
}
