package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/pocketcache/pocketcache/internal/remote"
	"github.com/pocketcache/pocketcache/internal/store"
)

// Create writes a new record. Offline or on network failure (under a
// cache-tolerant policy) the record is stored locally with synced=false
// for the retry scheduler to replay.
//
// Files must be pre-buffered remote.File values; see remote.ReadFile.
func (s *Service) Create(ctx context.Context, data store.Record, files []remote.File, opts Options) (store.Record, error) {
	p := opts.policy()

	if data == nil {
		data = store.Record{}
	}
	// Assign the id up front so the same id reaches both the server and
	// the local row, eliminating any later remapping.
	id, _ := data["id"].(string)
	if id == "" {
		id = store.NewID()
		data["id"] = id
	}

	// Advisory validation happens before any network or cache write.
	if err := s.store.Schemas().Validate(s.collection, data); err != nil {
		return nil, err
	}

	var serverRec store.Record
	netOK := false
	if p.usesNetwork() {
		if !s.monitor.Online() {
			if p.strict() {
				return nil, &NoDataError{Op: "create", Collection: s.collection, Policy: p}
			}
		} else {
			rec, err := s.networkCreate(ctx, id, data, files, opts)
			if err != nil {
				if p.strict() {
					return nil, fmt.Errorf("network write failed: %w", err)
				}
				s.logger.Printf("create(%s/%s): network failed, keeping local copy: %v", s.collection, id, err)
			} else {
				serverRec = rec
				netOK = true
			}
		}
	}

	if !p.usesCache() {
		return serverRec, nil
	}
	return s.cacheWrite(ctx, id, data, serverRec, files, netOK, true, p)
}

// networkCreate attempts the remote create, transparently retrying as an
// update when the id already exists on the server.
func (s *Service) networkCreate(ctx context.Context, id string, data store.Record, files []remote.File, opts Options) (store.Record, error) {
	raw, err := s.send(ctx, opts, remote.Request{
		Method: http.MethodPost,
		Path:   s.recordsPath(),
		Body:   stripMeta(data),
		Files:  files,
	})
	if remote.IsConflict(err) {
		raw, err = s.send(ctx, opts, remote.Request{
			Method: http.MethodPatch,
			Path:   s.recordPath(id),
			Body:   stripMeta(data),
			Files:  files,
		})
	}
	if err != nil {
		return nil, err
	}

	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode created record: %w", err)
	}
	return rec, nil
}

// Update applies a partial update to a record. Missing keys keep their
// local values.
func (s *Service) Update(ctx context.Context, id string, data store.Record, files []remote.File, opts Options) (store.Record, error) {
	p := opts.policy()

	merged := store.Record{}
	if existing, err := s.store.Get(ctx, s.collection, id); err == nil {
		for k, v := range existing {
			merged[k] = v
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	for k, v := range data {
		merged[k] = v
	}
	merged["id"] = id
	merged["updated"] = store.NowString()

	if err := s.store.Schemas().Validate(s.collection, merged); err != nil {
		return nil, err
	}

	var serverRec store.Record
	netOK := false
	if p.usesNetwork() {
		if !s.monitor.Online() {
			if p.strict() {
				return nil, &NoDataError{Op: "update", Collection: s.collection, Policy: p}
			}
		} else {
			rec, err := s.networkUpdate(ctx, id, data, files, opts)
			if err != nil {
				if p.strict() {
					return nil, fmt.Errorf("network write failed: %w", err)
				}
				s.logger.Printf("update(%s/%s): network failed, keeping local copy: %v", s.collection, id, err)
			} else {
				serverRec = rec
				netOK = true
			}
		}
	}

	if !p.usesCache() {
		return serverRec, nil
	}

	isNew := !netOK && store.RecordFlag(merged, store.KeyIsNew)
	return s.cacheWrite(ctx, id, merged, serverRec, files, netOK, isNew, p)
}

// networkUpdate attempts the remote update, transparently retrying as a
// create with the same id when the record is gone server-side.
func (s *Service) networkUpdate(ctx context.Context, id string, data store.Record, files []remote.File, opts Options) (store.Record, error) {
	raw, err := s.send(ctx, opts, remote.Request{
		Method: http.MethodPatch,
		Path:   s.recordPath(id),
		Body:   stripMeta(data),
		Files:  files,
	})
	if remote.IsNotFound(err) {
		body := stripMeta(data)
		body["id"] = id
		raw, err = s.send(ctx, opts, remote.Request{
			Method: http.MethodPost,
			Path:   s.recordsPath(),
			Body:   body,
			Files:  files,
		})
	}
	if err != nil {
		return nil, err
	}

	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode updated record: %w", err)
	}
	return rec, nil
}

// Delete removes a record. A failed or skipped network delete under a
// cache-tolerant policy leaves a tombstone (deleted=true, synced=false)
// for later replay; a record the server never saw is removed outright.
func (s *Service) Delete(ctx context.Context, id string, opts Options) error {
	p := opts.policy()

	netOK := false
	if p.usesNetwork() {
		if !s.monitor.Online() {
			if p.strict() {
				return &NoDataError{Op: "delete", Collection: s.collection, Policy: p}
			}
		} else {
			_, err := s.send(ctx, opts, remote.Request{
				Method: http.MethodDelete,
				Path:   s.recordPath(id),
			})
			if err != nil && !remote.IsNotFound(err) {
				if p.strict() {
					return fmt.Errorf("network delete failed: %w", err)
				}
				s.logger.Printf("delete(%s/%s): network failed, tombstoning: %v", s.collection, id, err)
			} else {
				netOK = true
			}
		}
	}

	if !p.usesCache() {
		return nil
	}

	existing, err := s.store.Get(ctx, s.collection, id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	// Network confirmed, or the record never reached any writer: remove
	// the local row (and its blobs) immediately.
	if netOK || store.RecordFlag(existing, store.KeyIsNew) || p == CacheOnly {
		return s.store.Delete(ctx, s.collection, id)
	}

	existing[store.KeyDeleted] = true
	existing[store.KeySynced] = false
	existing["updated"] = store.NowString()
	_, err = s.store.Save(ctx, s.collection, existing, false)
	return err
}

// cacheWrite persists the post-write state of a record plus its buffered
// file payloads, tagging the sync metadata per policy and network outcome.
func (s *Service) cacheWrite(ctx context.Context, id string, local, serverRec store.Record, files []remote.File, netOK, isNew bool, p Policy) (store.Record, error) {
	rec := local
	if netOK {
		rec = serverRec
		// Preserve caller-only keys the server does not echo back.
		for k, v := range local {
			if _, ok := rec[k]; !ok {
				rec[k] = v
			}
		}
	}

	rec[store.KeySynced] = netOK
	rec[store.KeyDeleted] = false
	rec[store.KeyNoSync] = p == CacheOnly
	if isNew && !netOK {
		rec[store.KeyIsNew] = true
	} else {
		delete(rec, store.KeyIsNew)
	}

	saved, err := s.store.Save(ctx, s.collection, rec, false)
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		filename := f.Name
		if netOK {
			filename = matchServerFilename(rec[f.Field], f.Name)
		}
		if err := s.store.PutBlob(ctx, id, filename, f.Data, nil); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// matchServerFilename maps a buffered upload back to the server-renamed
// filename by prefix: the server keeps the original name minus extension
// and appends a random suffix after "_".
func matchServerFilename(fieldValue interface{}, original string) string {
	prefix := strings.TrimSuffix(original, path.Ext(original)) + "_"
	for _, name := range store.StringList(fieldValue) {
		if name == original || strings.HasPrefix(name, prefix) {
			return name
		}
	}
	return original
}

// stripMeta removes sync metadata before a record goes on the wire.
func stripMeta(data store.Record) store.Record {
	out := make(store.Record, len(data))
	for k, v := range data {
		switch k {
		case store.KeySynced, store.KeyIsNew, store.KeyNoSync, store.KeyDeleted, "expand":
			continue
		}
		out[k] = v
	}
	return out
}
