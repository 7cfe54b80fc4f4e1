package store

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"go.docstore.dev/sqlite/metrics"
	"go.docstore.dev/sqlite/query"
	"go.docstore.dev/sqlite/schema"
)

// CountResult is the outcome of a Count. Mode reports whether the count
// ran as a bare table count ("fast") or a full predicate scan ("slow");
// it is informational, not a correctness signal.
type CountResult struct {
	Count int64
	Mode  string
}

// Query compiles the selector plus sort/limit/skip into one parameterized
// statement and returns the matching documents. Soft-deleted documents
// are never returned. When the strategy enables it, every returned
// document passes the validation gate; a rejection aborts the query.
func (i *Instance) Query(sel query.Selector, sorts []query.Sort, limit, skip int) ([]Document, error) {
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	var stmt, args, err = i.tr.Translate(sel, sorts, limit, skip)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, err
	}

	var started = time.Now()
	var docs []Document
	if docs, err = i.queryDocuments(stmt, args); err != nil {
		metrics.QueriesTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, err
	}
	for _, doc := range docs {
		if err = i.adapter.maybeValidate(PointQuery, i.sch,
			bestEffortID(doc, i.sch.PrimaryKey), doc); err != nil {
			metrics.QueriesTotal.WithLabelValues(metrics.Fail).Inc()
			return nil, err
		}
	}
	metrics.QueriesTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.QueryDurationTotal.Add(time.Since(started).Seconds())
	return docs, nil
}

// Count compiles the selector's WHERE clause into a COUNT statement.
// A nil selector counts all live documents.
func (i *Instance) Count(sel query.Selector) (CountResult, error) {
	if err := i.requireOpen(); err != nil {
		return CountResult{}, err
	}
	var stmt, args, mode, err = i.tr.TranslateCount(sel)
	if err != nil {
		return CountResult{}, err
	}
	prepared, err := i.conn.Prepare(stmt)
	if err != nil {
		return CountResult{}, err
	}
	var res = CountResult{Mode: mode}
	if err = prepared.QueryRow(args...).Scan(&res.Count); err != nil {
		return CountResult{}, errors.WithMessage(err, "counting documents")
	}
	return res, nil
}

func (i *Instance) queryDocuments(stmt string, args []interface{}) ([]Document, error) {
	var prepared, err = i.conn.Prepare(stmt)
	if err != nil {
		return nil, err
	}
	rows, err := prepared.Query(args...)
	if err != nil {
		return nil, errors.WithMessage(err, "querying documents")
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

// decodeRow maps one result row back into a Document through the
// compiled TableSpec. The row must project the translator's
// DocumentColumns: document columns in spec order, then deleted and rev.
func (i *Instance) decodeRow(rows *sql.Rows) (Document, bool, string, error) {
	var targets = make([]interface{}, 0, len(i.spec.Columns)+2)
	for range i.spec.Columns {
		targets = append(targets, new(sql.NullString))
	}
	var deleted sql.NullInt64
	var rev sql.NullString
	targets = append(targets, &deleted, &rev)

	if err := rows.Scan(targets...); err != nil {
		return nil, false, "", errors.WithMessage(err, "scanning document row")
	}
	var doc, err = i.decodeColumns(targets)
	if err != nil {
		return nil, false, "", err
	}
	return doc, deleted.Int64 != 0, rev.String, nil
}

// decodeColumns assembles a Document from scanned column values.
func (i *Instance) decodeColumns(targets []interface{}) (Document, error) {
	if i.spec.Layout == schema.Blob {
		// Column order is (id, data); the document is the data column.
		var data = targets[1].(*sql.NullString)
		if !data.Valid {
			return nil, errors.New("document row has no data")
		}
		var doc Document
		if err := json.Unmarshal([]byte(data.String), &doc); err != nil {
			return nil, errors.WithMessage(err, "deserializing document")
		}
		return doc, nil
	}

	var doc = make(Document, len(i.spec.Columns))
	for n, col := range i.spec.Columns {
		var raw = targets[n].(*sql.NullString)
		if !raw.Valid {
			if col.Nullable {
				doc[col.Field] = nil
			}
			// NULL in a non-nullable, non-PK position cannot occur by
			// construction; skip rather than invent a value.
			continue
		}
		var v, err = decodeColumn(col, raw.String)
		if err != nil {
			return nil, err
		}
		doc[col.Field] = v
	}
	return doc, nil
}

// decodeColumn maps a scanned column text back to its document value per
// the column's tagged kind. Scanning through NullString leans on the
// driver's text conversion of INTEGER and REAL values.
func decodeColumn(col schema.Column, raw string) (interface{}, error) {
	switch col.Kind {
	case schema.ColText:
		return raw, nil

	case schema.ColInteger:
		var n, err = parseInt(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q", col.Field)
		}
		return n, nil

	case schema.ColReal:
		var f, err = parseFloat(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q", col.Field)
		}
		return f, nil

	case schema.ColBool:
		var n, err = parseInt(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q", col.Field)
		}
		return n != 0, nil

	case schema.ColJSON:
		// The literal 'null' is an explicitly-null field value.
		if raw == "null" {
			return nil, nil
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, errors.WithMessagef(err, "field %q: deserializing value", col.Field)
		}
		return v, nil

	default:
		return nil, errors.Errorf("field %q: invalid column kind (%d)", col.Field, int(col.Kind))
	}
}

func parseInt(raw string) (int64, error) {
	// REAL-typed scans of integral values may render as "4" or "4.0"
	// depending on the driver's column affinity handling.
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	var f, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Errorf("malformed integer %q", raw)
	}
	return int64(f), nil
}

func parseFloat(raw string) (float64, error) {
	var f, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Errorf("malformed number %q", raw)
	}
	return f, nil
}
