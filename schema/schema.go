// Package schema models collection descriptors and compiles them into the
// physical table layout used by the storage adapter.
//
// A collection descriptor names a set of typed top-level fields and a
// primary key. The compiler maps it onto one of two layouts:
//
//   - Blob: the document is persisted as one serialized JSON value, and the
//     table shape is fixed at (id, data, deleted, rev) regardless of the
//     declared fields.
//   - Relational: every top-level field becomes its own typed column, plus
//     the same (deleted, rev) bookkeeping columns.
//
// Compilation happens once, when a collection instance is opened. The
// resulting TableSpec carries a closed, tagged representation of column
// kinds which the write and read paths consult instead of re-deriving types
// from raw documents.
package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// Layout selects the physical representation of a collection.
type Layout int

const (
	// Blob persists each document as an opaque serialized value.
	Blob Layout = iota
	// Relational persists each top-level field as its own typed column.
	Relational
)

// String returns a short token used in connection keys and file names.
func (l Layout) String() string {
	switch l {
	case Blob:
		return "blob"
	case Relational:
		return "rel"
	default:
		return fmt.Sprintf("invalid-layout(%d)", int(l))
	}
}

// Validate returns an error if the Layout is not a known value.
func (l Layout) Validate() error {
	switch l {
	case Blob, Relational:
		return nil
	default:
		return fmt.Errorf("invalid layout (%d)", int(l))
	}
}

// Type is the closed set of field type tags a collection may declare.
type Type int

const (
	TypeInvalid Type = iota
	TypeString
	TypeNumber
	TypeInteger
	TypeBoolean
	TypeObject
	TypeArray
)

// String returns the JSON-schema style name of the Type.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("invalid-type(%d)", int(t))
	}
}

// Field declares one top-level property of a collection.
type Field struct {
	// Type of the field's values.
	Type Type
	// Nullable permits explicit null values (the [T, "null"] union form).
	Nullable bool
	// Default is substituted for a missing value on write. It must be
	// assignable to Type. A nil Default means "no default".
	Default interface{}
	// AutoIncrement marks the primary key for monotonic integer key
	// allocation. Valid only on a TypeInteger primary key.
	AutoIncrement bool
}

// Collection is the immutable descriptor of a collection: its field schema
// and primary key declaration. It is created once when a collection is
// declared and never mutated afterwards.
type Collection struct {
	Fields     map[string]Field
	PrimaryKey string
}

// identifierRe constrains field, collection and database names to legal SQL
// identifiers. Table and column names cannot be bound as statement
// parameters, so they must be validated before interpolation.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier ensures |name| may be safely interpolated into DDL and
// DML as a table or column identifier.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	} else if !identifierRe.MatchString(name) {
		return fmt.Errorf("identifier %q must begin with a letter or underscore, followed by letters, digits or underscores", name)
	}
	return nil
}

// Validate inspects the Collection for structural issues and returns a
// descriptive error if any are found.
func (c Collection) Validate() error {
	if len(c.Fields) == 0 {
		return fmt.Errorf("collection declares no fields")
	}
	for name, f := range c.Fields {
		if err := ValidateIdentifier(name); err != nil {
			return err
		}
		switch strings.ToLower(name) {
		case "deleted", "rev":
			return fmt.Errorf("field %q collides with a bookkeeping column", name)
		}
		switch f.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("field %q has invalid type (%d)", name, int(f.Type))
		}
		if f.AutoIncrement && name != c.PrimaryKey {
			return fmt.Errorf("field %q: autoIncrement is valid only on the primary key", name)
		}
	}
	var pk, ok = c.Fields[c.PrimaryKey]
	if !ok {
		return fmt.Errorf("primary key %q is not a declared field", c.PrimaryKey)
	}
	if pk.Nullable {
		return fmt.Errorf("primary key %q cannot be nullable", c.PrimaryKey)
	}
	if pk.AutoIncrement && pk.Type != TypeInteger {
		return fmt.Errorf("primary key %q: autoIncrement requires an integer field", c.PrimaryKey)
	}
	return nil
}

// AutoIncrement returns whether the collection's primary key allocates
// monotonic integer values.
func (c Collection) AutoIncrement() bool {
	return c.Fields[c.PrimaryKey].AutoIncrement
}

// TableName maps a logical database name and collection name to the
// physical table backing the collection. Tables are never shared across
// logical database names, even when collection names collide.
func TableName(dbName, collection string) string {
	return dbName + "_" + collection
}
