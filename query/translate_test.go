package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.docstore.dev/sqlite/schema"
)

func blobTranslator(t *testing.T) *Translator {
	var spec, err = schema.Compile(schema.Blob, schema.Collection{
		Fields: map[string]schema.Field{
			"id":  {Type: schema.TypeString},
			"age": {Type: schema.TypeInteger},
		},
		PrimaryKey: "id",
	})
	require.NoError(t, err)
	return NewTranslator("db_people", spec)
}

func relationalTranslator(t *testing.T) *Translator {
	var spec, err = schema.Compile(schema.Relational, schema.Collection{
		Fields: map[string]schema.Field{
			"id":    {Type: schema.TypeString},
			"age":   {Type: schema.TypeInteger},
			"email": {Type: schema.TypeString, Nullable: true},
			"vip":   {Type: schema.TypeBoolean},
		},
		PrimaryKey: "id",
	})
	require.NoError(t, err)
	return NewTranslator("db_people", spec)
}

func TestTranslateNilSelector(t *testing.T) {
	var stmt, args, err = blobTranslator(t).Translate(nil, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "id", "data", "deleted", "rev" FROM "db_people" WHERE "deleted" = ?`, stmt)
	require.Equal(t, []interface{}{0}, args)
}

func TestTranslateComparisonsPerLayout(t *testing.T) {
	var sel = Cmp{Field: "age", Op: OpGt, Value: 21}

	stmt, args, err := blobTranslator(t).Translate(sel, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `json_extract("data", '$.age') > ?`)
	require.Equal(t, []interface{}{0, 21}, args)

	stmt, args, err = relationalTranslator(t).Translate(sel, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"age" > ?`)
	require.NotContains(t, stmt, "json_extract")
	require.Equal(t, []interface{}{0, 21}, args)
}

func TestTranslatePrimaryKeyRefInBlobLayout(t *testing.T) {
	var stmt, _, err = blobTranslator(t).
		Translate(Cmp{Field: "id", Op: OpEq, Value: "a"}, nil, 0, 0)
	require.NoError(t, err)
	// The primary key is its own column, never extracted from the blob.
	require.Contains(t, stmt, `"id" = ?`)
	require.NotContains(t, stmt, `$.id`)
}

func TestTranslateMembership(t *testing.T) {
	stmt, args, err := relationalTranslator(t).Translate(
		In{Field: "age", Values: []interface{}{1, 2, 3}}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"age" IN (?,?,?)`)
	require.Equal(t, []interface{}{0, 1, 2, 3}, args)

	stmt, _, err = relationalTranslator(t).Translate(
		In{Field: "age", Values: []interface{}{1, 2}, Negate: true}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"age" NOT IN (?,?)`)
}

func TestTranslateExistence(t *testing.T) {
	stmt, _, err := blobTranslator(t).Translate(Exists{Field: "age", Exists: true}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `json_type("data", '$.age') IS NOT NULL`)

	stmt, _, err = relationalTranslator(t).Translate(Exists{Field: "email"}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"email" IS NULL`)
}

func TestTranslateNullEquality(t *testing.T) {
	stmt, _, err := relationalTranslator(t).Translate(
		Cmp{Field: "email", Op: OpEq, Value: nil}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"email" IS NULL`)

	// Blob layout distinguishes the explicit null from an absent field.
	stmt, _, err = blobTranslator(t).Translate(
		Cmp{Field: "email", Op: OpEq, Value: nil}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `json_type("data", '$.email') = 'null'`)

	// Ordering against null is not meaningful.
	_, _, err = blobTranslator(t).Translate(
		Cmp{Field: "email", Op: OpGt, Value: nil}, nil, 0, 0)
	require.Error(t, err)
}

func TestTranslateLogicalComposition(t *testing.T) {
	var tr = relationalTranslator(t)

	stmt, _, err := tr.Translate(And{
		Cmp{Field: "age", Op: OpGte, Value: 18},
		Cmp{Field: "vip", Op: OpEq, Value: true},
	}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"age" >= ?`)
	require.Contains(t, stmt, `"vip" = ?`)
	require.Contains(t, stmt, " AND ")

	stmt, _, err = tr.Translate(Nor{
		Cmp{Field: "age", Op: OpLt, Value: 18},
		Cmp{Field: "vip", Op: OpEq, Value: false},
	}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, "NOT (")
	require.Contains(t, stmt, " OR ")

	stmt, _, err = tr.Translate(Not{Sel: Cmp{Field: "age", Op: OpEq, Value: 3}}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `NOT ("age" = ?)`)
}

func TestTranslateBooleanParams(t *testing.T) {
	// Booleans bind as the stored 0/1 integers in both layouts.
	var _, args, err = relationalTranslator(t).Translate(
		Cmp{Field: "vip", Op: OpEq, Value: true}, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []interface{}{0, int64(1)}, args)
}

func TestTranslateMatch(t *testing.T) {
	var stmt, args, err = relationalTranslator(t).Translate(
		Match{Field: "email", Pattern: "^bob"}, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, stmt, `"email" LIKE ? ESCAPE '\'`)
	require.Equal(t, []interface{}{0, "bob%"}, args)
}

func TestLikePatternApproximation(t *testing.T) {
	require.Equal(t, "foo%", LikePattern("^foo"))
	require.Equal(t, "%foo", LikePattern("foo$"))
	require.Equal(t, "%foo%", LikePattern("foo"))
	require.Equal(t, "foo", LikePattern("^foo$"))
	require.Equal(t, `%50\%%`, LikePattern("50%"))
	require.Equal(t, `%a\_b%`, LikePattern("a_b"))
}

func TestTranslateSortLimitSkip(t *testing.T) {
	var stmt, _, err = blobTranslator(t).Translate(nil,
		[]Sort{{Field: "age", Descending: true}, {Field: "id"}}, 10, 5)
	require.NoError(t, err)
	require.Contains(t, stmt, `ORDER BY json_extract("data", '$.age') DESC, "id" ASC`)
	require.Contains(t, stmt, "LIMIT 10 OFFSET 5")

	// Skip without limit still requires a LIMIT clause; -1 is unbounded.
	stmt, _, err = blobTranslator(t).Translate(nil, nil, 0, 5)
	require.NoError(t, err)
	require.Contains(t, stmt, "LIMIT -1 OFFSET 5")
}

func TestTranslateUnknownRelationalFieldFails(t *testing.T) {
	var _, _, err = relationalTranslator(t).Translate(
		Cmp{Field: "nope", Op: OpEq, Value: 1}, nil, 0, 0)
	require.Error(t, err)
	var te *TranslationError
	require.ErrorAs(t, err, &te)
}

func TestTranslateCountModes(t *testing.T) {
	var tr = relationalTranslator(t)

	stmt, args, mode, err := tr.TranslateCount(nil)
	require.NoError(t, err)
	require.Equal(t, `SELECT COUNT(*) FROM "db_people" WHERE "deleted" = ?`, stmt)
	require.Equal(t, []interface{}{0}, args)
	require.Equal(t, CountModeFast, mode)

	stmt, _, mode, err = tr.TranslateCount(Cmp{Field: "age", Op: OpGt, Value: 2})
	require.NoError(t, err)
	require.Contains(t, stmt, `"age" > ?`)
	require.Equal(t, CountModeSlow, mode)
}

func TestParseSelectorForms(t *testing.T) {
	sel, err := ParseSelector(map[string]interface{}{"age": float64(3)})
	require.NoError(t, err)
	require.Equal(t, Cmp{Field: "age", Op: OpEq, Value: float64(3)}, sel)

	sel, err = ParseSelector(map[string]interface{}{
		"age": map[string]interface{}{"$gte": float64(18), "$lt": float64(65)},
	})
	require.NoError(t, err)
	require.Equal(t, And{
		Cmp{Field: "age", Op: OpGte, Value: float64(18)},
		Cmp{Field: "age", Op: OpLt, Value: float64(65)},
	}, sel)

	sel, err = ParseSelector(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"email": nil},
			map[string]interface{}{"age": map[string]interface{}{"$in": []interface{}{1, 2}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, Or{
		Cmp{Field: "email", Op: OpEq, Value: nil},
		In{Field: "age", Values: []interface{}{1, 2}},
	}, sel)

	sel, err = ParseSelector(map[string]interface{}{
		"name": map[string]interface{}{"$regex": "^A"},
		"age":  map[string]interface{}{"$exists": true},
	})
	require.NoError(t, err)
	require.Equal(t, And{
		Exists{Field: "age", Exists: true},
		Match{Field: "name", Pattern: "^A"},
	}, sel)

	// Empty selectors match everything.
	sel, err = ParseSelector(nil)
	require.NoError(t, err)
	require.Nil(t, sel)
}

func TestParseSelectorRejectsUnknownOperators(t *testing.T) {
	var cases = []map[string]interface{}{
		{"age": map[string]interface{}{"$mod": float64(2)}},
		{"$xor": []interface{}{}},
		{"age": map[string]interface{}{"$in": "not-an-array"}},
		{"age": map[string]interface{}{"$exists": "yes"}},
		{"$not": "not-a-selector"},
	}
	for _, m := range cases {
		var _, err = ParseSelector(m)
		require.Error(t, err, "selector %v", m)
		var te *TranslationError
		require.ErrorAs(t, err, &te)
	}
}
