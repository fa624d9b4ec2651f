package policy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/pocketcache/pocketcache/internal/connectivity"
	"github.com/pocketcache/pocketcache/internal/remote"
	"github.com/pocketcache/pocketcache/internal/store"
)

// BatchOp is one queued mutation.
type BatchOp struct {
	Method     string       `json:"method"`
	URL        string       `json:"url"`
	Body       store.Record `json:"body,omitempty"`
	collection string
	id         string
}

// Batch queues mutations across multiple collections for execution as a
// single request when the network is available, or as individual local
// writes otherwise.
//
// Batched deletes skip the blob-cleanup step that direct deletes perform;
// callers needing blob cleanup should delete records individually.
type Batch struct {
	store   *store.Store
	client  remote.Client
	monitor *connectivity.Monitor
	logger  *log.Logger
	ops     []BatchOp
}

// NewBatch creates an empty batch.
func NewBatch(st *store.Store, client remote.Client, monitor *connectivity.Monitor, logger *log.Logger) *Batch {
	if logger == nil {
		logger = log.New(os.Stderr, "[batch] ", log.LstdFlags)
	}
	return &Batch{store: st, client: client, monitor: monitor, logger: logger}
}

// Create queues a record creation.
func (b *Batch) Create(collection string, data store.Record) {
	if data == nil {
		data = store.Record{}
	}
	if id, _ := data["id"].(string); id == "" {
		data["id"] = store.NewID()
	}
	id, _ := data["id"].(string)
	b.ops = append(b.ops, BatchOp{
		Method:     http.MethodPost,
		URL:        "/api/collections/" + collection + "/records",
		Body:       data,
		collection: collection,
		id:         id,
	})
}

// Update queues a record update.
func (b *Batch) Update(collection, id string, data store.Record) {
	b.ops = append(b.ops, BatchOp{
		Method:     http.MethodPatch,
		URL:        "/api/collections/" + collection + "/records/" + id,
		Body:       data,
		collection: collection,
		id:         id,
	})
}

// Delete queues a record deletion.
func (b *Batch) Delete(collection, id string) {
	b.ops = append(b.ops, BatchOp{
		Method:     http.MethodDelete,
		URL:        "/api/collections/" + collection + "/records/" + id,
		collection: collection,
		id:         id,
	})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Send executes the queued operations under the given policy.
//
// When the policy uses the network and the server is reachable, the whole
// batch goes out as one request; on success every touched record is marked
// synced locally. Otherwise each mutation is applied to the cache with
// synced=false for later replay (noSync=true under cacheOnly).
func (b *Batch) Send(ctx context.Context, opts Options) error {
	p := opts.policy()
	if len(b.ops) == 0 {
		return nil
	}

	netOK := false
	if p.usesNetwork() {
		if !b.monitor.Online() {
			if p.strict() {
				return &NoDataError{Op: "batch", Collection: "*", Policy: p}
			}
		} else {
			_, err := b.client.Send(ctx, remote.Request{
				Method: http.MethodPost,
				Path:   "/api/batch",
				Body:   map[string]interface{}{"requests": b.ops},
			})
			if err != nil {
				if p.strict() {
					return fmt.Errorf("network batch failed: %w", err)
				}
				b.logger.Printf("batch: network failed, keeping local copies: %v", err)
			} else {
				netOK = true
			}
		}
	}

	if !p.usesCache() {
		b.ops = nil
		return nil
	}

	for _, op := range b.ops {
		if err := b.applyLocal(ctx, op, netOK, p); err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}

// applyLocal writes one queued operation to the cache.
func (b *Batch) applyLocal(ctx context.Context, op BatchOp, netOK bool, p Policy) error {
	switch op.Method {
	case http.MethodDelete:
		if netOK || p == CacheOnly {
			// Blob cleanup is intentionally skipped on the batch path.
			return b.store.DeleteBare(ctx, op.collection, op.id)
		}
		existing, err := b.store.Get(ctx, op.collection, op.id)
		if err != nil {
			return nil // nothing to tombstone
		}
		existing[store.KeyDeleted] = true
		existing[store.KeySynced] = false
		existing["updated"] = store.NowString()
		_, err = b.store.Save(ctx, op.collection, existing, false)
		return err

	default:
		rec := make(store.Record, len(op.Body)+4)
		for k, v := range op.Body {
			rec[k] = v
		}
		rec["id"] = op.id
		rec[store.KeySynced] = netOK
		rec[store.KeyDeleted] = false
		rec[store.KeyNoSync] = p == CacheOnly
		if op.Method == http.MethodPost && !netOK {
			rec[store.KeyIsNew] = true
		}
		_, err := b.store.Save(ctx, op.collection, rec, false)
		return err
	}
}
