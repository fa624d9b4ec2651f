package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pocketcache/pocketcache/internal/schema"
)

// maxExpandDepth caps relation expansion recursion.
const maxExpandDepth = 6

// ExpandOne attaches related documents to a single record.
func (s *Store) ExpandOne(ctx context.Context, collection string, rec Record, expand string) error {
	return s.expandRecords(ctx, collection, []Record{rec}, expand, 1)
}

// expandRecords attaches related documents under each record's "expand"
// key, mirroring the remote API's expand semantics so downstream code need
// not distinguish local from remote sourcing.
//
// Related ids are batched across all records into one IN-fetch per relation
// level, avoiding N+1 queries. Indirect/filtered expand (`field(filter)`)
// is unsupported and fails loudly.
func (s *Store) expandRecords(ctx context.Context, collection string, records []Record, expand string, depth int) error {
	if len(records) == 0 {
		return nil
	}

	for _, path := range strings.Split(expand, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if strings.ContainsAny(path, "()") {
			return fmt.Errorf("filtered expand %q is not supported", path)
		}
		if depth+strings.Count(path, ".") > maxExpandDepth {
			return fmt.Errorf("expand %q exceeds max depth %d", path, maxExpandDepth)
		}
		if err := s.expandPath(ctx, collection, records, path, depth); err != nil {
			return err
		}
	}
	return nil
}

// expandPath expands one dot-path, recursing into the tail.
func (s *Store) expandPath(ctx context.Context, collection string, records []Record, path string, depth int) error {
	head, rest, _ := strings.Cut(path, ".")

	col, ok := s.registry.Lookup(collection)
	if !ok {
		return fmt.Errorf("cannot expand %q: no schema for collection %s", head, collection)
	}
	field, ok := col.Field(head)
	if !ok || field.Type != schema.TypeRelation {
		return fmt.Errorf("cannot expand %q: not a relation field of %s", head, collection)
	}

	target := field.Options.CollectionID
	if tc, ok := s.registry.Lookup(target); ok {
		target = tc.Name
	}

	// Batch the distinct related ids across all records.
	idSet := make(map[string]struct{})
	for _, rec := range records {
		for _, id := range StringList(rec[head]) {
			idSet[id] = struct{}{}
		}
	}
	if len(idSet) == 0 {
		return nil
	}

	related, err := s.getByIDs(ctx, target, idSet)
	if err != nil {
		return err
	}

	if rest != "" {
		relatedList := make([]Record, 0, len(related))
		for _, rec := range related {
			relatedList = append(relatedList, rec)
		}
		if err := s.expandRecords(ctx, target, relatedList, rest, depth+1); err != nil {
			return err
		}
	}

	single := field.Options.MaxSelect == 1
	for _, rec := range records {
		ids := StringList(rec[head])
		if len(ids) == 0 {
			continue
		}

		expandMap, _ := rec["expand"].(Record)
		if expandMap == nil {
			expandMap = Record{}
			rec["expand"] = expandMap
		}

		if single {
			if r, ok := related[ids[0]]; ok {
				expandMap[head] = r
			}
			continue
		}
		var list []Record
		for _, id := range ids {
			if r, ok := related[id]; ok {
				list = append(list, r)
			}
		}
		expandMap[head] = list
	}
	return nil
}

// getByIDs fetches documents by id in one query.
func (s *Store) getByIDs(ctx context.Context, collection string, ids map[string]struct{}) (map[string]Record, error) {
	placeholders := make([]string, 0, len(ids))
	args := []interface{}{collection}
	for id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	query := `SELECT id, collection, data, created, updated FROM documents
		WHERE collection = ? AND id IN (` + strings.Join(placeholders, ", ") + `)`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch related %s documents: %w", collection, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Record, len(records))
	for _, rec := range records {
		if id, ok := rec["id"].(string); ok {
			byID[id] = rec
		}
	}
	return byID, nil
}
