package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pocketcache/pocketcache/internal/connectivity"
	"github.com/pocketcache/pocketcache/internal/remote"
	"github.com/pocketcache/pocketcache/internal/store"
)

// fullListBatchSize is the page size used by GetFullList network paging.
const fullListBatchSize = 500

// Service orchestrates one collection's reads and writes across the remote
// client and the local store.
type Service struct {
	collection string
	store      *store.Store
	client     remote.Client
	monitor    *connectivity.Monitor
	logger     *log.Logger

	// refresh deduplicates concurrent cacheFirst background fetches.
	refresh singleflight.Group
	bg      sync.WaitGroup
}

// NewService creates the orchestrator for one collection.
func NewService(collection string, st *store.Store, client remote.Client, monitor *connectivity.Monitor, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[policy] ", log.LstdFlags)
	}
	return &Service{
		collection: collection,
		store:      st,
		client:     client,
		monitor:    monitor,
		logger:     logger,
	}
}

// Collection returns the collection this service is bound to.
func (s *Service) Collection() string {
	return s.collection
}

// Store returns the underlying document store.
func (s *Service) Store() *store.Store {
	return s.store
}

// WaitBackground blocks until in-flight cacheFirst refreshes finish.
func (s *Service) WaitBackground() {
	s.bg.Wait()
}

func (s *Service) recordsPath() string {
	return "/api/collections/" + url.PathEscape(s.collection) + "/records"
}

func (s *Service) recordPath(id string) string {
	return s.recordsPath() + "/" + url.PathEscape(id)
}

// send performs one remote call, bounding it with the options timeout.
func (s *Service) send(ctx context.Context, opts Options, req remote.Request) (json.RawMessage, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return s.client.Send(ctx, req)
}

func listQuery(opts Options, page, perPage int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("perPage", strconv.Itoa(perPage))
	}
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Expand != "" {
		q.Set("expand", opts.Expand)
	}
	if opts.Fields != "" {
		q.Set("fields", opts.Fields)
	}
	return q
}

// tombstoneExclusion hides documents that are logically deleted but still
// awaiting server-side delete propagation. Missing keys count as live.
const tombstoneExclusion = "(" + store.KeyDeleted + " = null || " + store.KeyDeleted + " = false)"

// visibleFilter scopes a caller filter to non-tombstoned documents for the
// cache read legs. The sync layer queries the store directly and still sees
// tombstones for replay.
func visibleFilter(expr string) string {
	if strings.TrimSpace(expr) == "" {
		return tombstoneExclusion
	}
	return "(" + expr + ") && " + tombstoneExclusion
}

// ListResult is one page of records plus pagination totals.
type ListResult struct {
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalItems int            `json:"totalItems"`
	TotalPages int            `json:"totalPages"`
	Items      []store.Record `json:"items"`
}

// GetOne retrieves a single record by id.
func (s *Service) GetOne(ctx context.Context, id string, opts Options) (store.Record, error) {
	p := opts.policy()

	if p == CacheFirst {
		rec, err := s.cacheGetOne(ctx, id, opts)
		if err == nil {
			s.backgroundRefresh("one:"+id, func(ctx context.Context) error {
				_, err := s.networkGetOne(ctx, id, opts)
				return err
			})
			return rec, nil
		}
		// Cache miss: degrade to a synchronous network attempt.
	}

	if p.usesNetwork() || p == CacheFirst {
		if s.monitor.Online() {
			rec, err := s.networkGetOne(ctx, id, opts)
			if err == nil {
				return rec, nil
			}
			if p.strict() {
				return nil, fmt.Errorf("network read failed: %w", err)
			}
			s.logger.Printf("getOne(%s/%s): network failed, falling back to cache: %v", s.collection, id, err)
		} else if p.strict() {
			return nil, &NoDataError{Op: "getOne", Collection: s.collection, Policy: p}
		}
	}

	rec, err := s.cacheGetOne(ctx, id, opts)
	if err != nil {
		return nil, &NoDataError{Op: "getOne", Collection: s.collection, Policy: p}
	}
	return rec, nil
}

func (s *Service) networkGetOne(ctx context.Context, id string, opts Options) (store.Record, error) {
	raw, err := s.send(ctx, opts, remote.Request{
		Method: http.MethodGet,
		Path:   s.recordPath(id),
		Query:  listQuery(opts, 0, 0),
	})
	if err != nil {
		return nil, err
	}

	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	if opts.policy().usesCache() {
		tagSynced(rec)
		if err := s.store.MergeLocal(ctx, s.collection, []store.Record{rec}); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *Service) cacheGetOne(ctx context.Context, id string, opts Options) (store.Record, error) {
	rec, err := s.store.Get(ctx, s.collection, id)
	if err != nil {
		return nil, err
	}
	// A tombstoned document is already deleted from the caller's view.
	if store.RecordFlag(rec, store.KeyDeleted) {
		return nil, sql.ErrNoRows
	}
	if opts.Expand != "" {
		if err := s.store.ExpandOne(ctx, s.collection, rec, opts.Expand); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetList retrieves one page of records.
//
// A successful network page is merged into the store and server-side
// deletions inside the filter scope are reconciled via SyncLocal.
func (s *Service) GetList(ctx context.Context, page, perPage int, opts Options) (*ListResult, error) {
	p := opts.policy()
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 30
	}

	if p == CacheFirst {
		res, err := s.cacheGetList(ctx, page, perPage, opts)
		if err == nil {
			s.backgroundRefresh(fmt.Sprintf("list:%d:%d:%s", page, perPage, opts.Filter), func(ctx context.Context) error {
				_, err := s.networkGetList(ctx, page, perPage, opts)
				return err
			})
			return res, nil
		}
	}

	if p.usesNetwork() || p == CacheFirst {
		if s.monitor.Online() {
			res, err := s.networkGetList(ctx, page, perPage, opts)
			if err == nil {
				return res, nil
			}
			if p.strict() {
				return nil, fmt.Errorf("network read failed: %w", err)
			}
			s.logger.Printf("getList(%s): network failed, falling back to cache: %v", s.collection, err)
		} else if p.strict() {
			return nil, &NoDataError{Op: "getList", Collection: s.collection, Policy: p}
		}
	}

	res, err := s.cacheGetList(ctx, page, perPage, opts)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) networkGetList(ctx context.Context, page, perPage int, opts Options) (*ListResult, error) {
	raw, err := s.send(ctx, opts, remote.Request{
		Method: http.MethodGet,
		Path:   s.recordsPath(),
		Query:  listQuery(opts, page, perPage),
	})
	if err != nil {
		return nil, err
	}

	var res ListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}

	if opts.policy().usesCache() {
		for _, item := range res.Items {
			tagSynced(item)
		}
		if err := s.store.MergeLocal(ctx, s.collection, res.Items); err != nil {
			return nil, err
		}
		// A single full page mirrors the complete filter scope, so server
		// deletions can be reconciled from it.
		if res.TotalPages <= 1 {
			if err := s.store.SyncLocal(ctx, s.collection, res.Items, opts.Filter); err != nil {
				return nil, err
			}
		}
	}
	return &res, nil
}

func (s *Service) cacheGetList(ctx context.Context, page, perPage int, opts Options) (*ListResult, error) {
	total, err := s.store.Count(ctx, s.collection, visibleFilter(opts.Filter))
	if err != nil {
		return nil, err
	}

	items, err := s.store.Query(ctx, s.collection, store.QueryOptions{
		Fields: opts.Fields,
		Filter: visibleFilter(opts.Filter),
		Sort:   opts.Sort,
		Expand: opts.Expand,
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		return nil, err
	}

	totalPages := 0
	if perPage > 0 {
		totalPages = (total + perPage - 1) / perPage
	}
	return &ListResult{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: totalPages,
		Items:      items,
	}, nil
}

// GetFullList retrieves every record matching the options, paging through
// the network when available.
func (s *Service) GetFullList(ctx context.Context, opts Options) ([]store.Record, error) {
	p := opts.policy()

	if p.usesNetwork() && s.monitor.Online() {
		var all []store.Record
		for page := 1; ; page++ {
			res, err := s.networkGetList(ctx, page, fullListBatchSize, opts)
			if err != nil {
				if p.strict() {
					return nil, fmt.Errorf("network read failed: %w", err)
				}
				s.logger.Printf("getFullList(%s): network failed, falling back to cache: %v", s.collection, err)
				return s.cacheFullList(ctx, opts)
			}
			all = append(all, res.Items...)
			if page >= res.TotalPages || len(res.Items) == 0 {
				break
			}
		}
		// The full scope is now known, so reconcile server deletions.
		if p.usesCache() {
			if err := s.store.SyncLocal(ctx, s.collection, all, opts.Filter); err != nil {
				return nil, err
			}
		}
		return all, nil
	}

	if p.strict() {
		return nil, &NoDataError{Op: "getFullList", Collection: s.collection, Policy: p}
	}
	return s.cacheFullList(ctx, opts)
}

func (s *Service) cacheFullList(ctx context.Context, opts Options) ([]store.Record, error) {
	return s.store.Query(ctx, s.collection, store.QueryOptions{
		Fields: opts.Fields,
		Filter: visibleFilter(opts.Filter),
		Sort:   opts.Sort,
		Expand: opts.Expand,
	})
}

// GetFirstListItem returns the first record matching filterExpr.
func (s *Service) GetFirstListItem(ctx context.Context, filterExpr string, opts Options) (store.Record, error) {
	opts.Filter = filterExpr
	res, err := s.GetList(ctx, 1, 1, opts)
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, &NoDataError{Op: "getFirstListItem", Collection: s.collection, Policy: opts.policy()}
	}
	return res.Items[0], nil
}

// backgroundRefresh runs fn asynchronously, deduplicating concurrent
// refreshes of the same key. Failures are logged; the caller already has a
// cache result.
func (s *Service) backgroundRefresh(key string, fn func(ctx context.Context) error) {
	if !s.monitor.Online() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_, err, _ := s.refresh.Do(key, func() (interface{}, error) {
			return nil, fn(context.Background())
		})
		if err != nil {
			s.logger.Printf("background refresh %s(%s) failed: %v", key, s.collection, err)
		}
	}()
}

// tagSynced marks a server-sourced record as synchronized.
func tagSynced(rec store.Record) {
	rec[store.KeySynced] = true
	rec[store.KeyDeleted] = false
	delete(rec, store.KeyIsNew)
}
