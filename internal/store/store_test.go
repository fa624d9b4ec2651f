package store

import (
	"context"
	"database/sql"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/pocketcache/pocketcache/internal/schema"
)

// setupTestStore creates a store backed by a temp-dir database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return setupTestStoreWithSchema(t, nil)
}

func setupTestStoreWithSchema(t *testing.T, collections []schema.Collection) *Store {
	t.Helper()
	registry := schema.NewRegistry()
	if collections != nil {
		registry.Import(collections)
	}
	logger := log.New(io.Discard, "", 0)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), registry, logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func mustSave(t *testing.T, s *Store, collection string, rec Record) Record {
	t.Helper()
	saved, err := s.Save(context.Background(), collection, rec, false)
	if err != nil {
		t.Fatalf("failed to save record: %v", err)
	}
	return saved
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:", nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	defer s.Close()

	if _, err := s.Save(context.Background(), "posts", Record{"title": "x"}, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestNewID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 15 {
			t.Fatalf("id %q has length %d, want 15", id, len(id))
		}
		for _, r := range id {
			if !(('a' <= r && r <= 'z') || ('0' <= r && r <= '9')) {
				t.Fatalf("id %q contains invalid rune %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSaveAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	saved := mustSave(t, s, "posts", Record{"title": "hello", "views": float64(3)})

	id, _ := saved["id"].(string)
	if id == "" {
		t.Fatal("expected an assigned id")
	}
	if saved["created"] == "" || saved["updated"] == "" {
		t.Error("expected created/updated to be assigned")
	}

	got, err := s.Get(ctx, "posts", id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got["title"] != "hello" {
		t.Errorf("title = %v, want hello", got["title"])
	}
	if got["views"] != float64(3) {
		t.Errorf("views = %v, want 3", got["views"])
	}

	if _, err := s.Get(ctx, "posts", "missing123"); err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows for missing record, got %v", err)
	}
}

func TestSaveUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := mustSave(t, s, "posts", Record{"id": "fixedid12345678", "title": "v1"})
	rec["title"] = "v2"
	mustSave(t, s, "posts", rec)

	got, err := s.Get(ctx, "posts", "fixedid12345678")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got["title"] != "v2" {
		t.Errorf("title = %v, want v2", got["title"])
	}

	n, err := s.Count(ctx, "posts", "")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 (upsert, not insert)", n)
	}
}

func TestSaveValidates(t *testing.T) {
	s := setupTestStoreWithSchema(t, []schema.Collection{{
		Name: "posts",
		Fields: []schema.Field{
			{Name: "title", Type: schema.TypeText, Required: true},
		},
	}})

	if _, err := s.Save(context.Background(), "posts", Record{}, true); err == nil {
		t.Error("expected validation error for missing required field")
	}
	if _, err := s.Save(context.Background(), "posts", Record{}, false); err != nil {
		t.Errorf("unvalidated save should succeed: %v", err)
	}
}

func TestQueryFilterSortLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, title := range []string{"alpha", "beta", "gamma", "delta"} {
		mustSave(t, s, "posts", Record{
			"id":    NewID(),
			"title": title,
			"rank":  float64(i),
			"live":  i%2 == 0,
		})
	}
	mustSave(t, s, "other", Record{"title": "unrelated"})

	// Collection scoping.
	all, err := s.Query(ctx, "posts", QueryOptions{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d records, want 4", len(all))
	}

	// Filter on a JSON field.
	live, err := s.Query(ctx, "posts", QueryOptions{Filter: "live = true"})
	if err != nil {
		t.Fatalf("filtered query failed: %v", err)
	}
	if len(live) != 2 {
		t.Errorf("live = true matched %d records, want 2", len(live))
	}

	// Sort descending with limit and offset.
	page, err := s.Query(ctx, "posts", QueryOptions{Sort: "-rank", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("sorted query failed: %v", err)
	}
	if len(page) != 2 || page[0]["title"] != "gamma" || page[1]["title"] != "beta" {
		t.Errorf("unexpected page: %v", page)
	}

	// Offset without limit.
	tail, err := s.Query(ctx, "posts", QueryOptions{Sort: "rank", Offset: 3})
	if err != nil {
		t.Fatalf("offset query failed: %v", err)
	}
	if len(tail) != 1 || tail[0]["title"] != "delta" {
		t.Errorf("unexpected tail: %v", tail)
	}
}

func TestQueryMalformedFilter(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Query(context.Background(), "posts", QueryOptions{Filter: "a = 1 &&"}); err == nil {
		t.Error("expected error for malformed filter")
	}
	if _, err := s.Count(context.Background(), "posts", "(broken"); err == nil {
		t.Error("expected error for unbalanced filter")
	}
}

func TestQueryProjection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{
		"id":     "recprojection01",
		"title":  "hello",
		"nested": map[string]interface{}{"deep": "value"},
	})

	rows, err := s.Query(ctx, "posts", QueryOptions{Fields: "id, title, nested.deep"})
	if err != nil {
		t.Fatalf("projected query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row["id"] != "recprojection01" {
		t.Errorf("id = %v", row["id"])
	}
	if row["title"] != "hello" {
		t.Errorf("title = %v", row["title"])
	}
	if row["nested_deep"] != "value" {
		t.Errorf("nested_deep = %v, want value", row["nested_deep"])
	}

	if _, err := s.Query(ctx, "posts", QueryOptions{Fields: "title; DROP TABLE documents"}); err == nil {
		t.Error("expected error for invalid projection field")
	}
}

func TestCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{"n": float64(1)})
	mustSave(t, s, "posts", Record{"n": float64(2)})
	mustSave(t, s, "posts", Record{"n": float64(3)})

	n, err := s.Count(ctx, "posts", "n >= 2")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestDeleteRemovesBlobs(t *testing.T) {
	s := setupTestStoreWithSchema(t, []schema.Collection{{
		Name: "posts",
		Fields: []schema.Field{
			{Name: "attachment", Type: schema.TypeFile, Options: schema.FieldOptions{MaxSelect: 1}},
		},
	}})
	ctx := context.Background()

	mustSave(t, s, "posts", Record{"id": "recwithblob0001", "attachment": "photo.png"})
	if err := s.PutBlob(ctx, "recwithblob0001", "photo.png", []byte("bytes"), nil); err != nil {
		t.Fatalf("put blob failed: %v", err)
	}

	if err := s.Delete(ctx, "posts", "recwithblob0001"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := s.Get(ctx, "posts", "recwithblob0001"); err != sql.ErrNoRows {
		t.Errorf("expected record gone, got %v", err)
	}
	if _, err := s.GetBlob(ctx, "recwithblob0001", "photo.png"); err != sql.ErrNoRows {
		t.Errorf("expected blob gone, got %v", err)
	}
}

func TestSetLocal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{"id": "oldrecord123456", "title": "old"})

	items := []Record{
		{"id": "newrecord123456", "title": "new"},
	}
	if err := s.SetLocal(ctx, "posts", items, true); err != nil {
		t.Fatalf("setLocal failed: %v", err)
	}

	if _, err := s.Get(ctx, "posts", "oldrecord123456"); err != sql.ErrNoRows {
		t.Error("expected old record removed with removeAll=true")
	}
	if _, err := s.Get(ctx, "posts", "newrecord123456"); err != nil {
		t.Errorf("expected new record present: %v", err)
	}

	// removeAll=false keeps existing rows.
	if err := s.SetLocal(ctx, "posts", []Record{{"id": "extrarecord1234"}}, false); err != nil {
		t.Fatalf("setLocal failed: %v", err)
	}
	n, _ := s.Count(ctx, "posts", "")
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestMergeLocalKeepsNewerLocal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{
		"id":      "mergetarget0001",
		"title":   "local-newer",
		"updated": "2024-06-01 00:00:00.000Z",
	})

	// Older incoming copy must not overwrite.
	err := s.MergeLocal(ctx, "posts", []Record{{
		"id":      "mergetarget0001",
		"title":   "server-older",
		"updated": "2024-01-01 00:00:00.000Z",
	}})
	if err != nil {
		t.Fatalf("mergeLocal failed: %v", err)
	}
	got, _ := s.Get(ctx, "posts", "mergetarget0001")
	if got["title"] != "local-newer" {
		t.Errorf("older server copy overwrote newer local: %v", got["title"])
	}

	// Newer incoming copy wins.
	err = s.MergeLocal(ctx, "posts", []Record{{
		"id":      "mergetarget0001",
		"title":   "server-newer",
		"updated": "2024-12-01 00:00:00.000Z",
	}})
	if err != nil {
		t.Fatalf("mergeLocal failed: %v", err)
	}
	got, _ = s.Get(ctx, "posts", "mergetarget0001")
	if got["title"] != "server-newer" {
		t.Errorf("newer server copy did not win: %v", got["title"])
	}

	// Unknown ids are inserted.
	err = s.MergeLocal(ctx, "posts", []Record{{
		"id":      "mergefresh00001",
		"title":   "fresh",
		"updated": "2024-01-01 00:00:00.000Z",
	}})
	if err != nil {
		t.Fatalf("mergeLocal failed: %v", err)
	}
	if _, err := s.Get(ctx, "posts", "mergefresh00001"); err != nil {
		t.Errorf("expected fresh record inserted: %v", err)
	}
}

func TestMergeLocalIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	items := []Record{
		{"id": "mergerepeat0001", "title": "a", "updated": "2024-03-01 00:00:00.000Z"},
		{"id": "mergerepeat0002", "title": "b", "updated": "2024-03-02 00:00:00.000Z"},
	}
	if err := s.MergeLocal(ctx, "posts", items); err != nil {
		t.Fatalf("mergeLocal failed: %v", err)
	}

	// A second pass with the same list, even with drifted payloads at equal
	// timestamps, performs no writes.
	again := []Record{
		{"id": "mergerepeat0001", "title": "drifted", "updated": "2024-03-01 00:00:00.000Z"},
		{"id": "mergerepeat0002", "title": "drifted", "updated": "2024-03-02 00:00:00.000Z"},
	}
	if err := s.MergeLocal(ctx, "posts", again); err != nil {
		t.Fatalf("repeat mergeLocal failed: %v", err)
	}

	got1, _ := s.Get(ctx, "posts", "mergerepeat0001")
	got2, _ := s.Get(ctx, "posts", "mergerepeat0002")
	if got1["title"] != "a" || got1["updated"] != "2024-03-01 00:00:00.000Z" {
		t.Errorf("equal-timestamp merge rewrote the row: %v", got1)
	}
	if got2["title"] != "b" || got2["updated"] != "2024-03-02 00:00:00.000Z" {
		t.Errorf("equal-timestamp merge rewrote the row: %v", got2)
	}
}

func TestSyncLocalRemovesServerDeleted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{"id": "keptrecord12345", KeySynced: true})
	mustSave(t, s, "posts", Record{"id": "gonerecord12345", KeySynced: true})

	server := []Record{{"id": "keptrecord12345"}}
	if err := s.SyncLocal(ctx, "posts", server, ""); err != nil {
		t.Fatalf("syncLocal failed: %v", err)
	}

	if _, err := s.Get(ctx, "posts", "keptrecord12345"); err != nil {
		t.Errorf("kept record removed: %v", err)
	}
	if _, err := s.Get(ctx, "posts", "gonerecord12345"); err != sql.ErrNoRows {
		t.Error("expected server-deleted record removed locally")
	}
}

func TestSyncLocalPreservesPendingWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{"id": "pendingwrite001", KeySynced: false})
	mustSave(t, s, "posts", Record{"id": "nosyncrecord001", KeyNoSync: true})
	mustSave(t, s, "posts", Record{"id": "tombstonerec001", KeySynced: true, KeyDeleted: true})

	if err := s.SyncLocal(ctx, "posts", []Record{{"id": "somethingelse01"}}, ""); err != nil {
		t.Fatalf("syncLocal failed: %v", err)
	}

	for _, id := range []string{"pendingwrite001", "nosyncrecord001", "tombstonerec001"} {
		if _, err := s.Get(ctx, "posts", id); err != nil {
			t.Errorf("local-only record %s was removed: %v", id, err)
		}
	}
}

func TestSyncLocalMassDeleteGuard(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < syncLocalDeleteGuard+5; i++ {
		mustSave(t, s, "posts", Record{"id": NewID(), KeySynced: true})
	}

	// An empty server response over a large scope is treated as a transient
	// error, not a mass deletion.
	if err := s.SyncLocal(ctx, "posts", nil, ""); err != nil {
		t.Fatalf("syncLocal failed: %v", err)
	}
	n, _ := s.Count(ctx, "posts", "")
	if n != syncLocalDeleteGuard+5 {
		t.Errorf("guard failed: %d records remain, want %d", n, syncLocalDeleteGuard+5)
	}
}

func TestSyncLocalSmallScopeEmptyServer(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "posts", Record{"id": "smallscope00001", KeySynced: true})

	// Below the guard threshold an empty server response is honored.
	if err := s.SyncLocal(ctx, "posts", nil, ""); err != nil {
		t.Fatalf("syncLocal failed: %v", err)
	}
	if _, err := s.Get(ctx, "posts", "smallscope00001"); err != sql.ErrNoRows {
		t.Error("expected record removed for small scope")
	}
}

func TestCollections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, "zebras", Record{})
	mustSave(t, s, "apples", Record{})
	mustSave(t, s, "apples", Record{})

	names, err := s.Collections(ctx)
	if err != nil {
		t.Fatalf("collections failed: %v", err)
	}
	if len(names) != 2 || names[0] != "apples" || names[1] != "zebras" {
		t.Errorf("collections = %v, want [apples zebras]", names)
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int
	}{
		{"one", 1},
		{"", 0},
		{[]string{"a", "b"}, 2},
		{[]interface{}{"a", "b", "c"}, 3},
		{[]interface{}{"a", 1, ""}, 1},
		{nil, 0},
		{42, 0},
	}
	for _, tt := range tests {
		if got := StringList(tt.in); len(got) != tt.want {
			t.Errorf("StringList(%v) = %v, want %d items", tt.in, got, tt.want)
		}
	}
}
