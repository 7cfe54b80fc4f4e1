package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.docstore.dev/sqlite/schema"
)

// Count modes reported by TranslateCount. The mode is informational: it
// communicates whether the count could run as a bare table count or
// required a full predicate scan.
const (
	CountModeFast = "fast"
	CountModeSlow = "slow"
)

// fieldPathRe admits dotted paths of identifiers, as accepted by
// json_extract in the blob layout. Paths are interpolated into the
// extraction expression as literals and so must be validated.
var fieldPathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Translator compiles selectors against one compiled collection table.
type Translator struct {
	layout schema.Layout
	table  string
	spec   *schema.TableSpec
}

// NewTranslator returns a Translator for |table| with the compiled |spec|.
func NewTranslator(table string, spec *schema.TableSpec) *Translator {
	return &Translator{layout: spec.Layout, table: table, spec: spec}
}

// Translate compiles a selector plus sort/limit/skip into one
// parameterized SELECT over the table's document columns. Soft-deleted
// rows are always excluded. A nil selector matches all documents.
// A limit <= 0 means "no limit"; a skip <= 0 means "no offset".
func (t *Translator) Translate(sel Selector, sorts []Sort, limit, skip int) (string, []interface{}, error) {
	var b = sq.Select(t.DocumentColumns()...).
		From(fmt.Sprintf("%q", t.table)).
		Where(sq.Eq{fmt.Sprintf("%q", schema.DeletedColumn): 0})

	if sel != nil {
		var pred, err = t.compile(sel)
		if err != nil {
			return "", nil, err
		}
		b = b.Where(pred)
	}
	for _, s := range sorts {
		var ref, err = t.fieldRef(s.Field)
		if err != nil {
			return "", nil, err
		}
		if s.Descending {
			b = b.OrderBy(ref + " DESC")
		} else {
			b = b.OrderBy(ref + " ASC")
		}
	}

	stmt, args, err := b.ToSql()
	if err != nil {
		return "", nil, &TranslationError{Err: err}
	}
	// SQLite requires a LIMIT clause to apply an OFFSET; -1 is its
	// "unlimited" spelling.
	if limit > 0 || skip > 0 {
		if limit <= 0 {
			limit = -1
		}
		if skip < 0 {
			skip = 0
		}
		stmt = fmt.Sprintf("%s LIMIT %d OFFSET %d", stmt, limit, skip)
	}
	return stmt, args, nil
}

// TranslateCount compiles a COUNT over the same WHERE clause compilation
// as Translate, and reports the count mode used.
func (t *Translator) TranslateCount(sel Selector) (string, []interface{}, string, error) {
	var b = sq.Select("COUNT(*)").
		From(fmt.Sprintf("%q", t.table)).
		Where(sq.Eq{fmt.Sprintf("%q", schema.DeletedColumn): 0})

	var mode = CountModeFast
	if sel != nil {
		var pred, err = t.compile(sel)
		if err != nil {
			return "", nil, "", err
		}
		b = b.Where(pred)
		mode = CountModeSlow
	}
	stmt, args, err := b.ToSql()
	if err != nil {
		return "", nil, "", &TranslationError{Err: err}
	}
	return stmt, args, mode, nil
}

// DocumentColumns returns the quoted columns a document SELECT reads, in
// the order the decoder expects: the TableSpec's document columns, then the
// deleted and rev bookkeeping columns.
func (t *Translator) DocumentColumns() []string {
	var cols []string
	for _, c := range t.spec.Columns {
		cols = append(cols, fmt.Sprintf("%q", c.Name))
	}
	cols = append(cols,
		fmt.Sprintf("%q", schema.DeletedColumn),
		fmt.Sprintf("%q", schema.RevColumn))
	return cols
}

// FieldRef resolves a selector field to the SQL expression referencing it.
func (t *Translator) FieldRef(field string) (string, error) { return t.fieldRef(field) }

func (t *Translator) fieldRef(field string) (string, error) {
	switch t.layout {
	case schema.Relational:
		var col = t.spec.ColumnForField(field)
		if col == nil {
			return "", translationErrf(field, "field is not part of the schema")
		}
		return fmt.Sprintf("%q", col.Name), nil

	case schema.Blob:
		if field == t.spec.PrimaryKey.Field {
			return fmt.Sprintf("%q", schema.BlobIDColumn), nil
		}
		if !fieldPathRe.MatchString(field) {
			return "", translationErrf(field, "malformed field path")
		}
		return fmt.Sprintf("json_extract(%q, '$.%s')", schema.BlobDataColumn, field), nil

	default:
		return "", translationErrf(field, "invalid layout (%d)", int(t.layout))
	}
}

// compile lowers a Selector node into a squirrel Sqlizer. Dispatch is
// exhaustive over the closed node set: comparisons, membership, LIKE and
// AND/OR conjunctions ride directly on the query builder, while null
// equality, existence, NOT and NOR compile as custom expressions the
// builder does not natively support.
func (t *Translator) compile(sel Selector) (sq.Sqlizer, error) {
	switch n := sel.(type) {
	case Cmp:
		return t.compileCmp(n)

	case In:
		var ref, err = t.fieldRef(n.Field)
		if err != nil {
			return nil, err
		}
		var vals = make([]interface{}, len(n.Values))
		for i, v := range n.Values {
			if vals[i], err = t.param(n.Field, v); err != nil {
				return nil, err
			}
		}
		if n.Negate {
			return sq.NotEq{ref: vals}, nil
		}
		return sq.Eq{ref: vals}, nil

	case Exists:
		var ref, err = t.existsRef(n.Field)
		if err != nil {
			return nil, err
		}
		if n.Exists {
			return sq.Expr(ref + " IS NOT NULL"), nil
		}
		return sq.Expr(ref + " IS NULL"), nil

	case Match:
		var ref, err = t.fieldRef(n.Field)
		if err != nil {
			return nil, err
		}
		return sq.Expr(ref+` LIKE ? ESCAPE '\'`, LikePattern(n.Pattern)), nil

	case And:
		return t.compileList(n, func(s []sq.Sqlizer) sq.Sqlizer { return andOf(s) })
	case Or:
		return t.compileList(n, func(s []sq.Sqlizer) sq.Sqlizer { return orOf(s) })
	case Nor:
		return t.compileList(n, func(s []sq.Sqlizer) sq.Sqlizer { return notExpr{orOf(s)} })

	case Not:
		if n.Sel == nil {
			return nil, translationErrf("$not", "operand is empty")
		}
		var inner, err = t.compile(n.Sel)
		if err != nil {
			return nil, err
		}
		return notExpr{inner}, nil

	case nil:
		return nil, translationErrf("", "selector node is nil")
	default:
		return nil, translationErrf(fmt.Sprintf("%T", sel), "unsupported selector node")
	}
}

func (t *Translator) compileCmp(n Cmp) (sq.Sqlizer, error) {
	// Null comparisons don't map onto parameterized operators.
	if n.Value == nil {
		switch n.Op {
		case OpEq:
			return t.nullEq(n.Field)
		case OpNe:
			var eq, err = t.nullEq(n.Field)
			if err != nil {
				return nil, err
			}
			return notExpr{eq}, nil
		default:
			return nil, translationErrf(n.Op.String(), "cannot order against null")
		}
	}

	var ref, err = t.fieldRef(n.Field)
	if err != nil {
		return nil, err
	}
	val, err := t.param(n.Field, n.Value)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case OpEq:
		return sq.Eq{ref: val}, nil
	case OpNe:
		return sq.NotEq{ref: val}, nil
	case OpGt:
		return sq.Gt{ref: val}, nil
	case OpGte:
		return sq.GtOrEq{ref: val}, nil
	case OpLt:
		return sq.Lt{ref: val}, nil
	case OpLte:
		return sq.LtOrEq{ref: val}, nil
	default:
		return nil, translationErrf(fmt.Sprintf("op(%d)", int(n.Op)), "unsupported comparison operator")
	}
}

// nullEq matches the explicit null value of a field. In the blob layout a
// json_extract of both an absent field and an explicit null is SQL NULL,
// so json_type is used to match only the explicit null.
func (t *Translator) nullEq(field string) (sq.Sqlizer, error) {
	switch t.layout {
	case schema.Relational:
		var ref, err = t.fieldRef(field)
		if err != nil {
			return nil, err
		}
		// JSON columns persist an explicit null as the literal 'null'
		// text, distinct from the SQL NULL of an absent field.
		if col := t.spec.ColumnForField(field); col != nil && col.Kind == schema.ColJSON {
			return sq.Expr(fmt.Sprintf("(%s IS NULL OR %s = 'null')", ref, ref)), nil
		}
		return sq.Expr(ref + " IS NULL"), nil
	case schema.Blob:
		if !fieldPathRe.MatchString(field) {
			return nil, translationErrf(field, "malformed field path")
		}
		return sq.Expr(fmt.Sprintf(
			"json_type(%q, '$.%s') = 'null'", schema.BlobDataColumn, field)), nil
	default:
		return nil, translationErrf(field, "invalid layout (%d)", int(t.layout))
	}
}

// existsRef returns an expression which is non-NULL exactly when the field
// is present. Blob paths and relational JSON columns count an explicit
// null as present; a relational scalar column stores an explicit null as
// SQL NULL and so cannot (see query.Exists).
func (t *Translator) existsRef(field string) (string, error) {
	switch t.layout {
	case schema.Relational:
		return t.fieldRef(field)
	case schema.Blob:
		if field == t.spec.PrimaryKey.Field {
			return fmt.Sprintf("%q", schema.BlobIDColumn), nil
		}
		if !fieldPathRe.MatchString(field) {
			return "", translationErrf(field, "malformed field path")
		}
		// json_type returns 'null' (a non-NULL string) for explicit nulls
		// and SQL NULL for absent paths.
		return fmt.Sprintf("json_type(%q, '$.%s')", schema.BlobDataColumn, field), nil
	default:
		return "", translationErrf(field, "invalid layout (%d)", int(t.layout))
	}
}

func (t *Translator) compileList(sels []Selector, wrap func([]sq.Sqlizer) sq.Sqlizer) (sq.Sqlizer, error) {
	if len(sels) == 0 {
		return nil, translationErrf("", "conjunction has no members")
	}
	var parts = make([]sq.Sqlizer, 0, len(sels))
	for _, s := range sels {
		var p, err = t.compile(s)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return wrap(parts), nil
}

func andOf(parts []sq.Sqlizer) sq.Sqlizer {
	if len(parts) == 1 {
		return parts[0]
	}
	return sq.And(parts)
}

func orOf(parts []sq.Sqlizer) sq.Sqlizer {
	if len(parts) == 1 {
		return parts[0]
	}
	return sq.Or(parts)
}

// param converts a selector operand into its bound-parameter form:
// booleans become the 0/1 integers both layouts store and json_extract
// yields, and object/array operands are serialized to their stored JSON
// text.
func (t *Translator) param(field string, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case map[string]interface{}, []interface{}:
		var b, err = json.Marshal(val)
		if err != nil {
			return nil, translationErrf(field, "serializing operand: %s", err)
		}
		return string(b), nil
	default:
		return v, nil
	}
}

// notExpr wraps a compiled expression with NOT (...).
type notExpr struct {
	inner sq.Sqlizer
}

func (n notExpr) ToSql() (string, []interface{}, error) {
	var stmt, args, err = n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + stmt + ")", args, nil
}

// LikePattern converts a regular-expression-like pattern into its LIKE
// approximation. A leading "^" anchors the match to the start (no leading
// wildcard); a trailing "$" anchors it to the end. LIKE metacharacters in
// the pattern body are escaped so they match literally; all other regex
// metacharacters are left as-is and also match literally. This is a
// documented approximation of regular expressions, not an implementation
// of them.
func LikePattern(pattern string) string {
	var anchoredStart = strings.HasPrefix(pattern, "^")
	if anchoredStart {
		pattern = pattern[1:]
	}
	var anchoredEnd = strings.HasSuffix(pattern, "$")
	if anchoredEnd {
		pattern = pattern[:len(pattern)-1]
	}

	var b strings.Builder
	if !anchoredStart {
		b.WriteByte('%')
	}
	for _, r := range pattern {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	if !anchoredEnd {
		b.WriteByte('%')
	}
	return b.String()
}
