package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"go.docstore.dev/sqlite/registry"
	"go.docstore.dev/sqlite/schema"
)

func newTestAdapter(t *testing.T, layout schema.Layout, opts ...Option) *Adapter {
	var reg = registry.NewRegistry()
	t.Cleanup(func() { _ = reg.CloseAll() })
	return NewAdapter(layout, Config{Dir: t.TempDir()}, reg, opts...)
}

func peopleSchema() schema.Collection {
	return schema.Collection{
		Fields: map[string]schema.Field{
			"id":    {Type: schema.TypeString},
			"name":  {Type: schema.TypeString},
			"age":   {Type: schema.TypeInteger},
			"email": {Type: schema.TypeString, Nullable: true},
			"tags":  {Type: schema.TypeArray, Nullable: true},
		},
		PrimaryKey: "id",
	}
}

func tasksSchema() schema.Collection {
	return schema.Collection{
		Fields: map[string]schema.Field{
			"id":    {Type: schema.TypeInteger, AutoIncrement: true},
			"title": {Type: schema.TypeString},
		},
		PrimaryKey: "id",
	}
}

func person(id, name string, age int64) Document {
	return Document{"id": id, "name": name, "age": age, "email": nil}
}

func forEachLayout(t *testing.T, fn func(t *testing.T, layout schema.Layout)) {
	for _, layout := range []schema.Layout{schema.Blob, schema.Relational} {
		t.Run(layout.String(), func(t *testing.T) { fn(t, layout) })
	}
}

func mustWrite(t *testing.T, i *Instance, rows ...WriteRow) BulkWriteResult {
	var res, err = i.BulkWrite(rows)
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.Len(t, res.Success, len(rows))
	return res
}

func TestBulkWriteInsertThenUpdate(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout schema.Layout) {
		var adapter = newTestAdapter(t, layout)
		var inst, err = adapter.Open("mydb", "people", peopleSchema())
		require.NoError(t, err)
		defer inst.Close()

		mustWrite(t, inst, WriteRow{Document: person("a", "Alice", 30)})

		docs, err := inst.FindDocumentsByID([]string{"a"}, false)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "Alice", docs[0]["name"])

		// Update in place.
		mustWrite(t, inst, WriteRow{Document: person("a", "Alicia", 31)})

		docs, err = inst.FindDocumentsByID([]string{"a"}, false)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "Alicia", docs[0]["name"])
	})
}

func TestRevisionsAdvanceOnEveryWrite(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout schema.Layout) {
		var adapter = newTestAdapter(t, layout)
		var inst, err = adapter.Open("mydb", "people", peopleSchema())
		require.NoError(t, err)
		defer inst.Close()

		mustWrite(t, inst, WriteRow{Document: person("a", "Alice", 30)})
		res, err := inst.ChangedSince(Checkpoint{}, 0)
		require.NoError(t, err)
		require.Len(t, res.Documents, 1)
		var rev1 = res.Documents[0].Rev
		require.Regexp(t, `^1-`, rev1)

		mustWrite(t, inst, WriteRow{Document: person("a", "Alice", 31)})
		res, err = inst.ChangedSince(Checkpoint{}, 0)
		require.NoError(t, err)
		require.Len(t, res.Documents, 1)
		require.Regexp(t, `^2-`, res.Documents[0].Rev)
		require.NotEqual(t, rev1, res.Documents[0].Rev)
	})
}

func TestAutoincrementKeysNeverReused(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout schema.Layout) {
		var adapter = newTestAdapter(t, layout)
		var inst, err = adapter.Open("mydb", "tasks", tasksSchema())
		require.NoError(t, err)
		defer inst.Close()

		var res = mustWrite(t, inst,
			WriteRow{Document: Document{"title": "one"}},
			WriteRow{Document: Document{"title": "two"}},
			WriteRow{Document: Document{"title": "three"}},
		)
		var ids []string
		for _, doc := range res.Success {
			ids = append(ids, fmt.Sprint(doc["id"]))
		}
		require.Equal(t, []string{"1", "2", "3"}, ids)

		// Soft-delete id 2, then insert: the freed value is not reused.
		mustWrite(t, inst, WriteRow{
			Document: Document{"id": res.Success[1]["id"], "title": "two"},
			Deleted:  true,
		})
		res = mustWrite(t, inst, WriteRow{Document: Document{"title": "four"}})
		require.Equal(t, "4", fmt.Sprint(res.Success[0]["id"]))

		docs, err := inst.FindDocumentsByID([]string{"1", "2", "3", "4"}, false)
		require.NoError(t, err)
		require.Len(t, docs, 3)

		// Even after the deleted row is physically purged, its key and
		// any purged maximum stay retired.
		mustWrite(t, inst, WriteRow{
			Document: Document{"id": res.Success[0]["id"], "title": "four"},
			Deleted:  true,
		})
		_, err = inst.Cleanup()
		require.NoError(t, err)

		res = mustWrite(t, inst, WriteRow{Document: Document{"title": "five"}})
		require.Equal(t, "5", fmt.Sprint(res.Success[0]["id"]))
	})
}

func TestMissingPrimaryKeyIsPerRowError(t *testing.T) {
	var adapter = newTestAdapter(t, schema.Blob)
	var inst, err = adapter.Open("mydb", "people", peopleSchema())
	require.NoError(t, err)
	defer inst.Close()

	res, err := inst.BulkWrite([]WriteRow{
		{Document: Document{"name": "NoKey", "age": int64(1), "email": nil}},
		{Document: person("ok", "Fine", 2)},
	})
	require.NoError(t, err)
	require.Len(t, res.Success, 1)
	require.Len(t, res.Error, 1)
	require.Contains(t, res.Error[0].Err.Error(), "missing primary key")
}

func TestRelationalRejectsFieldsOutsideSchema(t *testing.T) {
	var adapter = newTestAdapter(t, schema.Relational)
	var inst, err = adapter.Open("mydb", "people", peopleSchema())
	require.NoError(t, err)
	defer inst.Close()

	res, err := inst.BulkWrite([]WriteRow{
		{Document: Document{"id": "x", "name": "X", "age": int64(1), "wings": 2}},
		{Document: person("y", "Y", 2)},
	})
	require.NoError(t, err)
	require.Len(t, res.Success, 1)
	require.Len(t, res.Error, 1)
	require.Equal(t, "x", res.Error[0].DocumentID)
	require.Contains(t, res.Error[0].Err.Error(), "not part of the schema")

	// The failed row did not poison the batch.
	docs, err := inst.FindDocumentsByID([]string{"y"}, false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestLastWriteWinsWithinBatch(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout schema.Layout) {
		var adapter = newTestAdapter(t, layout)
		var inst, err = adapter.Open("mydb", "people", peopleSchema())
		require.NoError(t, err)
		defer inst.Close()

		mustWrite(t, inst,
			WriteRow{Document: person("a", "First", 1)},
			WriteRow{Document: person("a", "Second", 2)},
		)
		docs, err := inst.FindDocumentsByID([]string{"a"}, false)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "Second", docs[0]["name"])
	})
}

func TestSoftDeleteAndFindByID(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout schema.Layout) {
		var adapter = newTestAdapter(t, layout)
		var inst, err = adapter.Open("mydb", "people", peopleSchema())
		require.NoError(t, err)
		defer inst.Close()

		mustWrite(t, inst, WriteRow{Document: person("a", "Alice", 30)})
		mustWrite(t, inst, WriteRow{Document: person("a", "Alice", 30), Deleted: true})

		docs, err := inst.FindDocumentsByID([]string{"a"}, false)
		require.NoError(t, err)
		require.Empty(t, docs)

		docs, err = inst.FindDocumentsByID([]string{"a"}, true)
		require.NoError(t, err)
		require.Len(t, docs, 1)
	})
}

func TestCleanupPurgesSoftDeletedRows(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout schema.Layout) {
		var adapter = newTestAdapter(t, layout)
		var inst, err = adapter.Open("mydb", "people", peopleSchema())
		require.NoError(t, err)
		defer inst.Close()

		mustWrite(t, inst,
			WriteRow{Document: person("a", "Alice", 30)},
			WriteRow{Document: person("b", "Bob", 40)},
		)
		mustWrite(t, inst, WriteRow{Document: person("b", "Bob", 40), Deleted: true})

		purged, err := inst.Cleanup()
		require.NoError(t, err)
		require.Equal(t, int64(1), purged)

		// Physically gone, even when asking for deleted documents.
		docs, err := inst.FindDocumentsByID([]string{"b"}, true)
		require.NoError(t, err)
		require.Empty(t, docs)

		// The deletion stub survives in the change log.
		res, err := inst.ChangedSince(Checkpoint{}, 0)
		require.NoError(t, err)
		var sawStub bool
		for _, chg := range res.Documents {
			if chg.DocumentID == "b" {
				require.True(t, chg.Deleted)
				require.Nil(t, chg.Document)
				sawStub = true
			}
		}
		require.True(t, sawStub)
	})
}

func TestParseConfigTagsAndDefaults(t *testing.T) {
	// Defaults apply when nothing is given.
	cfg, rest, err := ParseConfig(nil)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, ".", cfg.Dir)
	require.Equal(t, "WAL", cfg.JournalMode)
	require.False(t, cfg.Validation.BeforeInsert)

	cfg, rest, err = ParseConfig([]string{
		"--dir", "/var/lib/docstore",
		"--db-name-prefix", "app_",
		"--journal-mode", "DELETE",
		"--validation.before-insert",
		"--validation.on-query",
		"--unrelated-host-flag",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"--unrelated-host-flag"}, rest)
	require.Equal(t, "/var/lib/docstore", cfg.Dir)
	require.Equal(t, "app_", cfg.DatabaseNamePrefix)
	require.Equal(t, "DELETE", cfg.JournalMode)
	require.True(t, cfg.Validation.BeforeInsert)
	require.False(t, cfg.Validation.BeforeSave)
	require.True(t, cfg.Validation.OnQuery)
}

func TestParseConfigEnvironmentBindings(t *testing.T) {
	t.Setenv("DIR", "/srv/docstore")
	t.Setenv("VALIDATION_BEFORE_SAVE", "true")

	var cfg, _, err = ParseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "/srv/docstore", cfg.Dir)
	require.True(t, cfg.Validation.BeforeSave)

	// Explicit flags override the environment.
	cfg, _, err = ParseConfig([]string{"--dir", "/override"})
	require.NoError(t, err)
	require.Equal(t, "/override", cfg.Dir)
}

func TestCloseIsIdempotentAndGatesOperations(t *testing.T) {
	var adapter = newTestAdapter(t, schema.Blob)
	var inst, err = adapter.Open("mydb", "people", peopleSchema())
	require.NoError(t, err)

	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())

	_, err = inst.BulkWrite([]WriteRow{{Document: person("a", "A", 1)}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "closed")

	_, err = inst.Query(nil, nil, 0, 0)
	require.Error(t, err)
	_, err = inst.Count(nil)
	require.Error(t, err)
	_, err = inst.Cleanup()
	require.Error(t, err)
}
