// Package query compiles structured document selectors into parameterized
// SQL against a compiled collection table.
//
// Selectors form a closed grammar: comparisons, set membership, existence,
// an approximate pattern match, and logical composition. Operators are
// modeled as a tagged union with exhaustive dispatch; anything outside the
// set fails with a *TranslationError instead of silently matching
// everything.
//
// In the relational layout field references compile to column references.
// In the blob layout they compile to json_extract() expressions against the
// serialized document column, so filters and sorts behave the same way in
// both layouts.
package query

import (
	"fmt"
	"sort"
)

// TranslationError is returned when a selector cannot be compiled: an
// operator outside the supported closed set, a malformed operand, or a
// field reference the schema cannot satisfy.
type TranslationError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TranslationError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("translating %q: %s", e.Op, e.Err)
	}
	return "translating selector: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *TranslationError) Unwrap() error { return e.Err }

func translationErrf(op, format string, args ...interface{}) error {
	return &TranslationError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Op enumerates comparison operators.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
)

// String returns the mango-style token of the Op.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "$eq"
	case OpNe:
		return "$ne"
	case OpGt:
		return "$gt"
	case OpGte:
		return "$gte"
	case OpLt:
		return "$lt"
	case OpLte:
		return "$lte"
	default:
		return fmt.Sprintf("invalid-op(%d)", int(o))
	}
}

// Selector is a node of the filter expression tree. The implementations
// below are the complete closed set.
type Selector interface {
	isSelector()
}

// Cmp compares a field against a value. A nil Value with OpEq matches the
// explicit null value; with OpNe it matches non-null values.
type Cmp struct {
	Field string
	Op    Op
	Value interface{}
}

// In matches a field against a value set, or its complement when Negate
// is set.
type In struct {
	Field  string
	Values []interface{}
	Negate bool
}

// Exists matches documents in which the field is (not) present. A field
// explicitly set to null counts as present in the blob layout and for
// relational JSON columns, both of which store the explicit null as a
// distinguishable value. A relational scalar column stores an explicit
// null as SQL NULL, indistinguishable from an absent field, so there an
// explicitly-null field reports as absent.
type Exists struct {
	Field  string
	Exists bool
}

// Match is an approximate pattern match. The pattern is a regular-
// expression-like string which is converted to a LIKE pattern: a leading
// "^" or trailing "$" anchor is stripped (and that side left unwrapped),
// LIKE metacharacters are escaped, and unanchored sides are wrapped with
// "%". Any other regex metacharacters match literally. This is a known,
// documented approximation, not a regex engine.
type Match struct {
	Field   string
	Pattern string
}

// And matches documents satisfying every child selector.
type And []Selector

// Or matches documents satisfying at least one child selector.
type Or []Selector

// Not matches documents not satisfying the child selector.
type Not struct {
	Sel Selector
}

// Nor matches documents satisfying none of the child selectors. It
// compiles as NOT (child OR child OR ...).
type Nor []Selector

func (Cmp) isSelector()    {}
func (In) isSelector()     {}
func (Exists) isSelector() {}
func (Match) isSelector()  {}
func (And) isSelector()    {}
func (Or) isSelector()     {}
func (Not) isSelector()    {}
func (Nor) isSelector()    {}

// Sort names a field and direction of an ORDER BY term.
type Sort struct {
	Field      string
	Descending bool
}

// ParseSelector builds a Selector from the host framework's map form, eg:
//
//	{"age": {"$gt": 21}, "state": "CA"}
//	{"$or": [{"deletedAt": null}, {"flags": {"$in": ["a", "b"]}}]}
//
// A bare (non-operator) value is an equality match. Operators outside the
// supported set return a *TranslationError. A nil or empty map parses to a
// nil Selector, which matches all documents.
func ParseSelector(m map[string]interface{}) (Selector, error) {
	if len(m) == 0 {
		return nil, nil
	}
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conj And
	for _, k := range keys {
		var v = m[k]
		var sel Selector
		var err error

		switch k {
		case "$and", "$or", "$nor":
			var children []Selector
			if children, err = parseList(k, v); err != nil {
				return nil, err
			}
			switch k {
			case "$and":
				sel = And(children)
			case "$or":
				sel = Or(children)
			case "$nor":
				sel = Nor(children)
			}
		case "$not":
			sub, ok := v.(map[string]interface{})
			if !ok {
				return nil, translationErrf(k, "operand must be a selector object, got %T", v)
			}
			var inner Selector
			if inner, err = ParseSelector(sub); err != nil {
				return nil, err
			}
			sel = Not{Sel: inner}
		default:
			if len(k) != 0 && k[0] == '$' {
				return nil, translationErrf(k, "unsupported logical operator")
			}
			if sel, err = parseFieldCondition(k, v); err != nil {
				return nil, err
			}
		}
		conj = append(conj, sel)
	}
	if len(conj) == 1 {
		return conj[0], nil
	}
	return conj, nil
}

func parseList(op string, v interface{}) ([]Selector, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, translationErrf(op, "operand must be an array of selectors, got %T", v)
	} else if len(list) == 0 {
		return nil, translationErrf(op, "operand array is empty")
	}
	var out = make([]Selector, 0, len(list))
	for _, e := range list {
		sub, ok := e.(map[string]interface{})
		if !ok {
			return nil, translationErrf(op, "array member %v is not a selector object", e)
		}
		sel, err := ParseSelector(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

// parseFieldCondition parses the condition attached to one field key:
// either a bare equality value, or a map of comparison operators.
func parseFieldCondition(field string, v interface{}) (Selector, error) {
	cond, ok := v.(map[string]interface{})
	if !ok || !hasOperatorKey(cond) {
		return Cmp{Field: field, Op: OpEq, Value: v}, nil
	}

	var ops = make([]string, 0, len(cond))
	for op := range cond {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var conj And
	for _, op := range ops {
		var operand = cond[op]
		var sel Selector

		switch op {
		case "$eq":
			sel = Cmp{Field: field, Op: OpEq, Value: operand}
		case "$ne":
			sel = Cmp{Field: field, Op: OpNe, Value: operand}
		case "$gt":
			sel = Cmp{Field: field, Op: OpGt, Value: operand}
		case "$gte":
			sel = Cmp{Field: field, Op: OpGte, Value: operand}
		case "$lt":
			sel = Cmp{Field: field, Op: OpLt, Value: operand}
		case "$lte":
			sel = Cmp{Field: field, Op: OpLte, Value: operand}
		case "$in", "$nin":
			list, ok := operand.([]interface{})
			if !ok {
				return nil, translationErrf(op, "operand must be an array, got %T", operand)
			}
			sel = In{Field: field, Values: list, Negate: op == "$nin"}
		case "$exists":
			b, ok := operand.(bool)
			if !ok {
				return nil, translationErrf(op, "operand must be a boolean, got %T", operand)
			}
			sel = Exists{Field: field, Exists: b}
		case "$regex":
			s, ok := operand.(string)
			if !ok {
				return nil, translationErrf(op, "operand must be a string, got %T", operand)
			}
			sel = Match{Field: field, Pattern: s}
		default:
			return nil, translationErrf(op, "unsupported comparison operator")
		}
		conj = append(conj, sel)
	}
	if len(conj) == 1 {
		return conj[0], nil
	}
	return conj, nil
}

func hasOperatorKey(m map[string]interface{}) bool {
	for k := range m {
		if len(k) != 0 && k[0] == '$' {
			return true
		}
	}
	return false
}
