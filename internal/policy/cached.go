package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pocketcache/pocketcache/internal/connectivity"
	"github.com/pocketcache/pocketcache/internal/remote"
	"github.com/pocketcache/pocketcache/internal/store"
)

// SendCached performs an idempotent GET-like request with response
// memoization through the store's response-cache table, applying the same
// cache/network policy semantics as record reads.
//
// maxAge bounds how stale a memoized response may be on the cache leg
// (0 = any age).
func SendCached(ctx context.Context, st *store.Store, client remote.Client, monitor *connectivity.Monitor, req remote.Request, opts Options, maxAge time.Duration) (json.RawMessage, error) {
	p := opts.policy()
	key := store.RequestKey(req.Method, req.Path, req.Query, req.Body)

	if p.usesNetwork() {
		if monitor.Online() {
			sendCtx := ctx
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
			}
			raw, err := client.Send(sendCtx, req)
			if err == nil {
				if p.usesCache() {
					if err := st.PutResponse(ctx, key, raw); err != nil {
						return nil, err
					}
				}
				return raw, nil
			}
			if p.strict() {
				return nil, fmt.Errorf("network request failed: %w", err)
			}
		} else if p.strict() {
			return nil, &NoDataError{Op: req.Method + " " + req.Path, Collection: "-", Policy: p}
		}
	}

	raw, ok, err := st.GetResponse(ctx, key, maxAge)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NoDataError{Op: req.Method + " " + req.Path, Collection: "-", Policy: p}
	}
	return raw, nil
}
