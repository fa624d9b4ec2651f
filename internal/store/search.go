package store

import (
	"context"
	"fmt"
)

// Search runs a full-text query against the FTS index, scoped to one
// collection or global when collection is empty. Results are ordered by
// the engine's relevance rank.
func (s *Store) Search(ctx context.Context, query, collection string) ([]Record, error) {
	sqlQuery := `
	SELECT d.id, d.collection, d.data, d.created, d.updated
	FROM documents_fts f
	JOIN documents d ON d.id = f.id AND d.collection = f.collection
	WHERE documents_fts MATCH ?
	`
	args := []interface{}{query}

	if collection != "" {
		sqlQuery += " AND f.collection = ?"
		args = append(args, collection)
	}
	sqlQuery += " ORDER BY rank"

	rows, err := s.conn.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", query, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}
