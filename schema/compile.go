package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// CompilationError is returned when a collection descriptor cannot be
// mapped onto a physical table. It is raised at compile time, never at
// first write.
type CompilationError struct {
	Collection string
	Err        error
}

// Error implements the error interface.
func (e *CompilationError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("compiling schema of %q: %s", e.Collection, e.Err)
	}
	return "compiling schema: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *CompilationError) Unwrap() error { return e.Err }

// ColumnKind is the closed, tagged representation of a column's physical
// kind. The write and read paths dispatch on ColumnKind exhaustively
// rather than re-deriving types from raw document values.
type ColumnKind int

const (
	// ColText stores a SQL TEXT value.
	ColText ColumnKind = iota
	// ColInteger stores a SQL INTEGER value.
	ColInteger
	// ColReal stores a SQL REAL value.
	ColReal
	// ColBool stores a boolean as INTEGER 0/1.
	ColBool
	// ColJSON stores a serialized JSON value as TEXT. Nested objects and
	// arrays, and the blob layout's document column, use this kind.
	ColJSON
)

// sqlType returns the column's SQLite type affinity.
func (k ColumnKind) sqlType() string {
	switch k {
	case ColText, ColJSON:
		return "TEXT"
	case ColInteger, ColBool:
		return "INTEGER"
	case ColReal:
		return "REAL"
	default:
		panic(fmt.Sprintf("invalid ColumnKind (%d)", int(k)))
	}
}

// Column is one compiled column of a TableSpec.
type Column struct {
	Name          string
	Kind          ColumnKind
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
	// Field is the schema field the column was compiled from, or "" for
	// bookkeeping columns and the blob layout's fixed columns.
	Field string
	// Default is the schema default substituted for missing values,
	// or nil.
	Default interface{}
}

// Bookkeeping column names shared by both layouts.
const (
	DeletedColumn = "deleted"
	RevColumn     = "rev"
)

// Fixed column names of the blob layout.
const (
	BlobIDColumn   = "id"
	BlobDataColumn = "data"
)

// TableSpec is the compiled physical shape of one collection table. It is
// produced once per opened collection instance and consulted by the write
// and read paths thereafter.
type TableSpec struct {
	Layout     Layout
	PrimaryKey Column
	// Columns are the document columns in stable order: the primary key
	// first, remaining fields sorted by name. Bookkeeping columns are not
	// included.
	Columns []Column

	byField map[string]*Column
}

// Compile maps a validated Collection onto a TableSpec for the Layout.
// Unsupported schema shapes return a *CompilationError.
func Compile(layout Layout, c Collection) (*TableSpec, error) {
	if err := layout.Validate(); err != nil {
		return nil, &CompilationError{Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, &CompilationError{Err: err}
	}

	var spec = &TableSpec{Layout: layout, byField: make(map[string]*Column)}

	switch layout {
	case Blob:
		spec.PrimaryKey = Column{
			Name:       BlobIDColumn,
			Kind:       ColText,
			PrimaryKey: true,
			Field:      c.PrimaryKey,
		}
		spec.Columns = []Column{
			spec.PrimaryKey,
			{Name: BlobDataColumn, Kind: ColJSON},
		}

	case Relational:
		var names = make([]string, 0, len(c.Fields))
		for name := range c.Fields {
			if name != c.PrimaryKey {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		var pkField = c.Fields[c.PrimaryKey]
		var pkKind, err = kindOf(pkField.Type)
		if err != nil {
			return nil, &CompilationError{Err: err}
		}
		spec.PrimaryKey = Column{
			Name:          c.PrimaryKey,
			Kind:          pkKind,
			PrimaryKey:    true,
			AutoIncrement: pkField.AutoIncrement,
			Field:         c.PrimaryKey,
		}
		spec.Columns = append(spec.Columns, spec.PrimaryKey)

		for _, name := range names {
			var f = c.Fields[name]
			kind, err := kindOf(f.Type)
			if err != nil {
				return nil, &CompilationError{Err: errors.WithMessagef(err, "field %q", name)}
			}
			spec.Columns = append(spec.Columns, Column{
				Name:     name,
				Kind:     kind,
				Nullable: f.Nullable,
				Field:    name,
				Default:  f.Default,
			})
		}
	}

	for i := range spec.Columns {
		if f := spec.Columns[i].Field; f != "" {
			spec.byField[f] = &spec.Columns[i]
		}
	}
	return spec, nil
}

// kindOf maps a schema Type onto its ColumnKind.
func kindOf(t Type) (ColumnKind, error) {
	switch t {
	case TypeString:
		return ColText, nil
	case TypeNumber:
		return ColReal, nil
	case TypeInteger:
		return ColInteger, nil
	case TypeBoolean:
		return ColBool, nil
	case TypeObject, TypeArray:
		return ColJSON, nil
	default:
		return 0, fmt.Errorf("type %q has no column mapping", t)
	}
}

// ColumnForField returns the compiled column of a top-level schema field,
// or nil if the field is not part of the schema. In the blob layout only
// the primary key field maps to a column.
func (s *TableSpec) ColumnForField(field string) *Column {
	return s.byField[field]
}

// DDL renders the TableSpec's CREATE TABLE statement for |table|.
// The statement is idempotent (IF NOT EXISTS): collections are re-opened
// across process restarts against the same physical file.
func (s *TableSpec) DDL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", table)

	for _, col := range s.Columns {
		fmt.Fprintf(&b, "\t%q %s", col.Name, col.Kind.sqlType())
		if col.PrimaryKey {
			b.WriteString(" PRIMARY KEY NOT NULL")
		} else if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\t%q INTEGER NOT NULL DEFAULT 0,\n", DeletedColumn)
	fmt.Fprintf(&b, "\t%q TEXT NOT NULL\n", RevColumn)
	b.WriteString(");")
	return b.String()
}

// ParseCollection builds a Collection from the host framework's JSON-schema
// form: a map of field name to property, where a property's "type" is
// either a single type tag or the nullable union form ["string", "null"].
// Shapes beyond that closed set (polymorphic unions, unknown tags) return
// a *CompilationError here, at declaration time.
func ParseCollection(properties map[string]interface{}, primaryKey string) (Collection, error) {
	var c = Collection{
		Fields:     make(map[string]Field, len(properties)),
		PrimaryKey: primaryKey,
	}
	for name, raw := range properties {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			return Collection{}, &CompilationError{Err: fmt.Errorf("field %q: property is not an object", name)}
		}
		var f Field
		var err error
		if f.Type, f.Nullable, err = parseTypeTag(prop["type"]); err != nil {
			return Collection{}, &CompilationError{Err: errors.WithMessagef(err, "field %q", name)}
		}
		f.Default = prop["default"]
		if ai, ok := prop["autoIncrement"].(bool); ok {
			f.AutoIncrement = ai
		}
		c.Fields[name] = f
	}
	if err := c.Validate(); err != nil {
		return Collection{}, &CompilationError{Err: err}
	}
	return c, nil
}

// parseTypeTag decodes a JSON-schema "type" value: a tag string, or a
// two-element union of a tag and "null".
func parseTypeTag(raw interface{}) (Type, bool, error) {
	switch v := raw.(type) {
	case string:
		var t, err = typeFromTag(v)
		return t, false, err
	case []interface{}:
		var tags []string
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return TypeInvalid, false, fmt.Errorf("union member %v is not a type tag", e)
			}
			tags = append(tags, s)
		}
		var nonNull []string
		var sawNull bool
		for _, s := range tags {
			if s == "null" {
				sawNull = true
			} else {
				nonNull = append(nonNull, s)
			}
		}
		if !sawNull || len(nonNull) != 1 {
			return TypeInvalid, false, fmt.Errorf("unsupported union %v: only [T, \"null\"] is supported", tags)
		}
		var t, err = typeFromTag(nonNull[0])
		return t, true, err
	default:
		return TypeInvalid, false, fmt.Errorf("missing or malformed type tag %v", raw)
	}
}

func typeFromTag(tag string) (Type, error) {
	switch tag {
	case "string":
		return TypeString, nil
	case "number":
		return TypeNumber, nil
	case "integer":
		return TypeInteger, nil
	case "boolean":
		return TypeBoolean, nil
	case "object":
		return TypeObject, nil
	case "array":
		return TypeArray, nil
	default:
		return TypeInvalid, fmt.Errorf("unknown type tag %q", tag)
	}
}
