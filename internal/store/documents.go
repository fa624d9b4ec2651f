package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketcache/pocketcache/internal/filter"
)

// Record is one JSON document plus its identity and sync metadata.
type Record = map[string]interface{}

// Sync metadata keys injected by the request-policy layer.
const (
	KeySynced  = "synced"
	KeyIsNew   = "isNew"
	KeyNoSync  = "noSync"
	KeyDeleted = "deleted"
)

// syncLocalDeleteGuard is the scope size above which SyncLocal refuses to
// act on an empty server response, treating it as a transient server error
// rather than a mass deletion.
const syncLocalDeleteGuard = 10

// QueryOptions configures a Query call. All fields are optional.
type QueryOptions struct {
	// Fields is a comma-separated projection; empty selects the whole
	// document. JSON fields are aliased so results can be read by name.
	Fields string
	// Filter is a filter DSL expression compiled into the WHERE clause.
	Filter string
	// Sort is a comma-separated list of [+|-]field names.
	Sort string
	// Expand is a comma-separated list of relation dot-paths (max depth 6).
	Expand string
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// Query retrieves documents from a collection.
func (s *Store) Query(ctx context.Context, collection string, opts QueryOptions) ([]Record, error) {
	where, err := s.buildWhere(collection, opts.Filter)
	if err != nil {
		return nil, err
	}

	projection, plain, err := buildProjection(opts.Fields)
	if err != nil {
		return nil, err
	}
	// Projected rows lack the relation metadata expansion needs.
	if opts.Expand != "" && !plain {
		return nil, fmt.Errorf("expand %q cannot be combined with a fields projection", opts.Expand)
	}

	query := "SELECT " + projection + " FROM documents WHERE " + where

	orderBy, err := buildOrderBy(opts.Sort)
	if err != nil {
		return nil, err
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}

	var args []interface{}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var records []Record
	if plain {
		records, err = scanRecords(rows)
	} else {
		records, err = scanProjected(rows)
	}
	if err != nil {
		return nil, err
	}

	if opts.Expand != "" {
		if err := s.expandRecords(ctx, collection, records, opts.Expand, 1); err != nil {
			return nil, err
		}
	}

	return records, nil
}

// Count returns the number of documents matching the filter.
func (s *Store) Count(ctx context.Context, collection, filterExpr string) (int, error) {
	where, err := s.buildWhere(collection, filterExpr)
	if err != nil {
		return 0, err
	}

	var count int
	query := "SELECT COUNT(*) FROM documents WHERE " + where
	if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}

// Get retrieves a single document by id. Returns sql.ErrNoRows when the
// document is absent.
func (s *Store) Get(ctx context.Context, collection, id string) (Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, collection, data, created, updated FROM documents WHERE collection = ? AND id = ?`,
		collection, id)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Save creates or updates a document (upsert by (id, collection)).
//
// A missing id is assigned from NewID(). When validate is true and a schema
// is known for the collection, the document shape is checked first and the
// write rejected with a *schema.ValidationError on mismatch.
func (s *Store) Save(ctx context.Context, collection string, data Record, validate bool) (Record, error) {
	if data == nil {
		data = Record{}
	}

	id, _ := data["id"].(string)
	if id == "" {
		id = NewID()
		data["id"] = id
	}

	now := NowString()
	created, _ := data["created"].(string)
	if created == "" {
		created = now
		data["created"] = created
	}
	updated, _ := data["updated"].(string)
	if updated == "" {
		updated = now
		data["updated"] = updated
	}

	if validate {
		if err := s.registry.Validate(collection, data); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", id, err)
	}

	query := `
	INSERT INTO documents (id, collection, data, created, updated)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id, collection) DO UPDATE SET
		data = excluded.data,
		created = excluded.created,
		updated = excluded.updated
	`
	if _, err := s.conn.ExecContext(ctx, query, id, collection, string(raw), created, updated); err != nil {
		return nil, fmt.Errorf("failed to upsert document %s/%s: %w", collection, id, err)
	}

	return data, nil
}

// Delete removes a document and, atomically in the same transaction, every
// blob attached through the collection's file fields.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteBlobsTx(ctx, tx, collection, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// DeleteBare removes a document without blob cleanup. Batched deletes go
// through this path (documented trade-off of the batch API).
func (s *Store) DeleteBare(ctx context.Context, collection, id string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// deleteBlobsTx deletes blobs referenced by the record's file fields.
// Without a schema for the collection every blob of the record is removed.
func (s *Store) deleteBlobsTx(ctx context.Context, tx *sql.Tx, collection, id string) error {
	col, ok := s.registry.Lookup(collection)
	if !ok || len(col.FileFields()) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE record_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete blobs for %s: %w", id, err)
		}
		return nil
	}

	rec, err := s.getTx(ctx, tx, collection, id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	for _, f := range col.FileFields() {
		for _, filename := range StringList(rec[f.Name]) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM blobs WHERE record_id = ? AND filename = ?`, id, filename); err != nil {
				return fmt.Errorf("failed to delete blob %s/%s: %w", id, filename, err)
			}
		}
	}
	return nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, collection, id string) (Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, collection, data, created, updated FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	return scanRecord(row)
}

// SetLocal bulk-replaces a collection's documents. With removeAll false the
// items are upserted without clearing the rest of the collection.
func (s *Store) SetLocal(ctx context.Context, collection string, items []Record, removeAll bool) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if removeAll {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("failed to clear collection %s: %w", collection, err)
		}
	}

	for _, item := range items {
		if err := upsertTx(ctx, tx, collection, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit setLocal: %w", err)
	}
	return nil
}

// MergeLocal upserts only the items that are new or strictly newer than the
// local copy, bounding the cost of periodic list refreshes to changed rows.
func (s *Store) MergeLocal(ctx context.Context, collection string, items []Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}

		var localUpdated sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT updated FROM documents WHERE collection = ? AND id = ?`,
			collection, id).Scan(&localUpdated)
		switch {
		case err == sql.ErrNoRows:
			// New document.
		case err != nil:
			return fmt.Errorf("failed to read local timestamp for %s: %w", id, err)
		default:
			incoming, _ := item["updated"].(string)
			if localUpdated.Valid && localUpdated.String != "" && incoming <= localUpdated.String {
				continue
			}
		}

		if err := upsertTx(ctx, tx, collection, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mergeLocal: %w", err)
	}
	return nil
}

// SyncLocal removes local documents that fall inside the queried filter
// scope but are absent from serverItems, i.e. records deleted server-side
// while this device was offline.
//
// Documents with synced=false, noSync=true, or deleted=true represent
// local-only state awaiting their own sync and are never removed. If the
// scope holds more than syncLocalDeleteGuard rows and the server response
// is empty, the call is a silent no-op: a likely transient server error,
// not a mass deletion.
func (s *Store) SyncLocal(ctx context.Context, collection string, serverItems []Record, filterExpr string) error {
	local, err := s.Query(ctx, collection, QueryOptions{Filter: filterExpr})
	if err != nil {
		return err
	}

	if len(serverItems) == 0 && len(local) > syncLocalDeleteGuard {
		s.logger.Printf("syncLocal(%s): empty server response for %d local rows, refusing to delete", collection, len(local))
		return nil
	}

	serverIDs := make(map[string]struct{}, len(serverItems))
	for _, item := range serverItems {
		if id, ok := item["id"].(string); ok {
			serverIDs[id] = struct{}{}
		}
	}

	for _, rec := range local {
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		if _, ok := serverIDs[id]; ok {
			continue
		}
		if has(rec, KeySynced) && !RecordFlag(rec, KeySynced) {
			continue
		}
		if RecordFlag(rec, KeyNoSync) || RecordFlag(rec, KeyDeleted) {
			continue
		}
		if err := s.Delete(ctx, collection, id); err != nil {
			return err
		}
	}
	return nil
}

// Collections returns the distinct collection names present in the store.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// buildWhere compiles the filter into the WHERE clause, always scoped to
// the collection.
func (s *Store) buildWhere(collection, filterExpr string) (string, error) {
	where := "collection = " + sqlQuote(collection)
	if strings.TrimSpace(filterExpr) == "" {
		return where, nil
	}
	compiled, err := filter.Compile(filterExpr, BaseFields)
	if err != nil {
		return "", err
	}
	return where + " AND (" + compiled + ")", nil
}

// buildProjection renders the SELECT list. plain reports whether the
// default whole-document projection is in effect.
func buildProjection(fields string) (projection string, plain bool, err error) {
	if strings.TrimSpace(fields) == "" {
		return "id, collection, data, created, updated", true, nil
	}

	var parts []string
	for _, f := range strings.Split(fields, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		switch {
		case strings.Contains(f, "("):
			// Aggregate expressions like COUNT(*) pass through untouched.
			parts = append(parts, f)
		case isBaseField(f):
			parts = append(parts, f)
		default:
			if !validFieldName(f) {
				return "", false, fmt.Errorf("invalid projection field %q", f)
			}
			parts = append(parts, "json_extract(data, '$."+f+"') AS "+strings.ReplaceAll(f, ".", "_"))
		}
	}
	if len(parts) == 0 {
		return "", false, fmt.Errorf("empty projection")
	}
	return strings.Join(parts, ", "), false, nil
}

// buildOrderBy renders the ORDER BY clause from [+|-]field sort syntax.
func buildOrderBy(sort string) (string, error) {
	if strings.TrimSpace(sort) == "" {
		return "", nil
	}

	var parts []string
	for _, f := range strings.Split(sort, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		dir := "ASC"
		switch f[0] {
		case '-':
			dir = "DESC"
			f = f[1:]
		case '+':
			f = f[1:]
		}
		if !validFieldName(f) {
			return "", fmt.Errorf("invalid sort field %q", f)
		}
		expr := f
		if !isBaseField(f) {
			expr = "json_extract(data, '$." + f + "')"
		}
		parts = append(parts, expr+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func isBaseField(name string) bool {
	_, ok := BaseFields[name]
	return ok
}

func validFieldName(name string) bool {
	for i, r := range name {
		switch {
		case r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z'):
		case i > 0 && (r == '.' || ('0' <= r && r <= '9')):
		default:
			return false
		}
	}
	return name != ""
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// upsertTx writes one document inside a transaction, without validation.
func upsertTx(ctx context.Context, tx *sql.Tx, collection string, item Record) error {
	id, _ := item["id"].(string)
	if id == "" {
		id = NewID()
		item["id"] = id
	}
	created, _ := item["created"].(string)
	updated, _ := item["updated"].(string)

	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", id, err)
	}

	query := `
	INSERT INTO documents (id, collection, data, created, updated)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id, collection) DO UPDATE SET
		data = excluded.data,
		created = excluded.created,
		updated = excluded.updated
	`
	if _, err := tx.ExecContext(ctx, query, id, collection, string(raw), created, updated); err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", collection, id, err)
	}
	return nil
}

// scanRecord decodes one whole-document row.
func scanRecord(row *sql.Row) (Record, error) {
	var id, collection, data string
	var created, updated sql.NullString
	if err := row.Scan(&id, &collection, &data, &created, &updated); err != nil {
		return nil, err
	}
	return decodeRecord(id, collection, data, created.String, updated.String)
}

// scanRecords decodes whole-document rows.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var id, collection, data string
		var created, updated sql.NullString
		if err := rows.Scan(&id, &collection, &data, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		rec, err := decodeRecord(id, collection, data, created.String, updated.String)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return records, nil
}

// scanProjected decodes rows of an explicit field projection into maps
// keyed by the column aliases.
func scanProjected(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var records []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan projected row: %w", err)
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projected rows: %w", err)
	}
	return records, nil
}

func decodeRecord(id, collection, data, created, updated string) (Record, error) {
	rec := Record{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s/%s: %w", collection, id, err)
		}
	}
	rec["id"] = id
	if created != "" {
		rec["created"] = created
	}
	if updated != "" {
		rec["updated"] = updated
	}
	return rec, nil
}

// RecordFlag reads a boolean metadata key from a record.
func RecordFlag(rec Record, key string) bool {
	v, _ := rec[key].(bool)
	return v
}

func has(rec Record, key string) bool {
	_, ok := rec[key]
	return ok
}

// StringList normalizes a field value to a list of strings.
func StringList(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
