package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Blob is one file attachment owned by a document.
type Blob struct {
	ID         int64
	RecordID   string
	Filename   string
	Content    []byte
	Expiration *time.Time
	Created    string
	Updated    string
}

// PutBlob stores or replaces a file attachment, keyed by (recordID, filename).
func (s *Store) PutBlob(ctx context.Context, recordID, filename string, content []byte, expiration *time.Time) error {
	now := NowString()
	var exp sql.NullString
	if expiration != nil {
		exp = sql.NullString{String: expiration.UTC().Format(TimeLayout), Valid: true}
	}

	query := `
	INSERT INTO blobs (record_id, filename, content, expiration, created, updated)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(record_id, filename) DO UPDATE SET
		content = excluded.content,
		expiration = excluded.expiration,
		updated = excluded.updated
	`
	if _, err := s.conn.ExecContext(ctx, query, recordID, filename, content, exp, now, now); err != nil {
		return fmt.Errorf("failed to store blob %s/%s: %w", recordID, filename, err)
	}
	return nil
}

// GetBlob retrieves a file attachment. Returns sql.ErrNoRows when absent.
func (s *Store) GetBlob(ctx context.Context, recordID, filename string) (*Blob, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, record_id, filename, content, expiration, created, updated
		 FROM blobs WHERE record_id = ? AND filename = ?`, recordID, filename)

	var b Blob
	var exp sql.NullString
	if err := row.Scan(&b.ID, &b.RecordID, &b.Filename, &b.Content, &exp, &b.Created, &b.Updated); err != nil {
		return nil, err
	}
	if exp.Valid {
		if t, err := time.Parse(TimeLayout, exp.String); err == nil {
			b.Expiration = &t
		}
	}
	return &b, nil
}

// DeleteBlob removes one file attachment. Idempotent.
func (s *Store) DeleteBlob(ctx context.Context, recordID, filename string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM blobs WHERE record_id = ? AND filename = ?`, recordID, filename); err != nil {
		return fmt.Errorf("failed to delete blob %s/%s: %w", recordID, filename, err)
	}
	return nil
}

// PruneExpiredBlobs removes attachments whose expiration has passed.
func (s *Store) PruneExpiredBlobs(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM blobs WHERE expiration IS NOT NULL AND expiration <= ?`, NowString())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired blobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
