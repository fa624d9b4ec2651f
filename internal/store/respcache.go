package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// RequestKey derives the memoization key for an idempotent request from
// its method, path, query, and body.
func RequestKey(method, path string, query url.Values, body interface{}) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(query.Encode()))
	h.Write([]byte{0})
	if body != nil {
		raw, _ := json.Marshal(body)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PutResponse memoizes a response body under the request key.
func (s *Store) PutResponse(ctx context.Context, key string, response json.RawMessage) error {
	query := `
	INSERT INTO response_cache (request_key, response, cached_at)
	VALUES (?, ?, ?)
	ON CONFLICT(request_key) DO UPDATE SET
		response = excluded.response,
		cached_at = excluded.cached_at
	`
	if _, err := s.conn.ExecContext(ctx, query, key, string(response), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to cache response %s: %w", key, err)
	}
	return nil
}

// GetResponse returns the memoized response for key, if present and no
// older than maxAge (0 = any age).
func (s *Store) GetResponse(ctx context.Context, key string, maxAge time.Duration) (json.RawMessage, bool, error) {
	var response, cachedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT response, cached_at FROM response_cache WHERE request_key = ?`, key).
		Scan(&response, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached response %s: %w", key, err)
	}

	if maxAge > 0 {
		t, err := time.Parse(time.RFC3339, cachedAt)
		if err != nil || time.Since(t) > maxAge {
			return nil, false, nil
		}
	}
	return json.RawMessage(response), true, nil
}
