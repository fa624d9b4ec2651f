package syncer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pocketcache/pocketcache/internal/connectivity"
	"github.com/pocketcache/pocketcache/internal/policy"
	"github.com/pocketcache/pocketcache/internal/remote"
	"github.com/pocketcache/pocketcache/internal/schema"
	"github.com/pocketcache/pocketcache/internal/store"
)

// fakeClient echoes writes back as a server would and counts requests by
// method.
type fakeClient struct {
	mu      sync.Mutex
	byPath  []string
	fail    bool
	failIDs map[string]bool
}

func (c *fakeClient) Send(ctx context.Context, req remote.Request) (json.RawMessage, error) {
	c.mu.Lock()
	c.byPath = append(c.byPath, req.Method+" "+req.Path)
	fail := c.fail
	failIDs := c.failIDs
	c.mu.Unlock()

	if fail {
		return nil, &remote.Error{StatusCode: 500}
	}

	body, _ := req.Body.(store.Record)
	if id, _ := body["id"].(string); id != "" && failIDs[id] {
		return nil, &remote.Error{StatusCode: 500}
	}

	switch req.Method {
	case http.MethodDelete:
		return json.RawMessage(`null`), nil
	default:
		if body == nil {
			body = store.Record{}
		}
		return json.Marshal(body)
	}
}

func (c *fakeClient) requests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.byPath))
	copy(out, c.byPath)
	return out
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type syncEnv struct {
	store   *store.Store
	client  *fakeClient
	online  *atomic.Bool
	monitor *connectivity.Monitor
	sched   *Scheduler
}

func setupSyncEnv(t *testing.T, collections ...string) *syncEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), schema.NewRegistry(), quietLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	online := &atomic.Bool{}
	cfg := connectivity.DefaultConfig()
	cfg.Logger = quietLogger()
	monitor := connectivity.NewMonitor(connectivity.ProbeFunc(func(ctx context.Context) bool {
		return online.Load()
	}), cfg)

	client := &fakeClient{}

	schedCfg := DefaultConfig()
	schedCfg.Logger = quietLogger()
	sched := New(monitor, schedCfg)
	for _, name := range collections {
		sched.Register(policy.NewService(name, st, client, monitor, quietLogger()))
	}

	return &syncEnv{store: st, client: client, online: online, monitor: monitor, sched: sched}
}

func (e *syncEnv) setOnline(t *testing.T, v bool) {
	t.Helper()
	e.online.Store(v)
	e.monitor.CheckNow(context.Background())
}

func TestSweepReplaysPendingWrites(t *testing.T) {
	env := setupSyncEnv(t, "posts")
	ctx := context.Background()

	// Offline writes: a create, an edit of a synced record, a tombstone.
	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "pendingcreate01", "title": "new", store.KeySynced: false, store.KeyIsNew: true,
	}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "pendingedit0001", "title": "edited", store.KeySynced: false,
	}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "pendingdelete01", store.KeySynced: false, store.KeyDeleted: true,
	}, false); err != nil {
		t.Fatal(err)
	}
	// Already-synced and noSync rows stay untouched.
	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "alreadysynced01", store.KeySynced: true,
	}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "nosyncrecord001", store.KeySynced: false, store.KeyNoSync: true,
	}, false); err != nil {
		t.Fatal(err)
	}

	env.setOnline(t, true)
	if err := env.sched.SweepNow(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	created, _ := env.store.Get(ctx, "posts", "pendingcreate01")
	if !store.RecordFlag(created, store.KeySynced) || store.RecordFlag(created, store.KeyIsNew) {
		t.Errorf("pending create not synced: %v", created)
	}
	edited, _ := env.store.Get(ctx, "posts", "pendingedit0001")
	if !store.RecordFlag(edited, store.KeySynced) {
		t.Errorf("pending edit not synced: %v", edited)
	}
	if _, err := env.store.Get(ctx, "posts", "pendingdelete01"); err == nil {
		t.Error("tombstone not removed after replay")
	}
	nosync, _ := env.store.Get(ctx, "posts", "nosyncrecord001")
	if store.RecordFlag(nosync, store.KeySynced) {
		t.Errorf("noSync record was replayed: %v", nosync)
	}

	for _, r := range env.client.requests() {
		if r == "POST /api/collections/posts/records" || r == "PATCH /api/collections/posts/records/pendingedit0001" ||
			r == "DELETE /api/collections/posts/records/pendingdelete01" {
			continue
		}
		t.Errorf("unexpected request %q", r)
	}
}

func TestSweepLeavesFailuresPending(t *testing.T) {
	env := setupSyncEnv(t, "posts")
	ctx := context.Background()

	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "failingrecord01", "title": "x", store.KeySynced: false,
	}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "healthyrecord01", "title": "y", store.KeySynced: false,
	}, false); err != nil {
		t.Fatal(err)
	}
	env.client.failIDs = map[string]bool{"failingrecord01": true}

	env.setOnline(t, true)
	if err := env.sched.SweepNow(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// One bad record never blocks the rest.
	healthy, _ := env.store.Get(ctx, "posts", "healthyrecord01")
	if !store.RecordFlag(healthy, store.KeySynced) {
		t.Error("healthy record not synced")
	}
	failing, _ := env.store.Get(ctx, "posts", "failingrecord01")
	if store.RecordFlag(failing, store.KeySynced) {
		t.Error("failed record must stay pending for the next sweep")
	}
}

func TestSchedulerTriggersOnReconnect(t *testing.T) {
	env := setupSyncEnv(t, "posts")
	ctx := context.Background()

	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "offlinewrite001", "title": "x", store.KeySynced: false, store.KeyIsNew: true,
	}, false); err != nil {
		t.Fatal(err)
	}

	// Start offline: no sweep happens.
	env.sched.Start(ctx)
	defer env.sched.Stop()

	if state, _ := env.sched.State(); state != Idle {
		t.Fatalf("state = %v, want Idle while offline", state)
	}

	// Going online triggers a sweep.
	env.setOnline(t, true)

	deadline := time.After(3 * time.Second)
	for {
		rec, err := env.store.Get(ctx, "posts", "offlinewrite001")
		if err == nil && store.RecordFlag(rec, store.KeySynced) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reconnect did not trigger a sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := env.sched.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	state, token := env.sched.State()
	if state != Done || token < 1 {
		t.Errorf("state = %v token = %d, want Done with token >= 1", state, token)
	}
}

func TestSweepTokensIncrease(t *testing.T) {
	env := setupSyncEnv(t, "posts")
	ctx := context.Background()

	env.setOnline(t, true)
	if err := env.sched.SweepNow(ctx); err != nil {
		t.Fatal(err)
	}
	_, first := env.sched.State()
	if err := env.sched.SweepNow(ctx); err != nil {
		t.Fatal(err)
	}
	_, second := env.sched.State()
	if second <= first {
		t.Errorf("tokens did not increase: %d then %d", first, second)
	}
}

func TestSweepSpansCollections(t *testing.T) {
	env := setupSyncEnv(t, "posts", "notes")
	ctx := context.Background()

	if _, err := env.store.Save(ctx, "posts", store.Record{
		"id": "postpending0001", "title": "p", store.KeySynced: false,
	}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Save(ctx, "notes", store.Record{
		"id": "notepending0001", "body": "n", store.KeySynced: false,
	}, false); err != nil {
		t.Fatal(err)
	}

	env.setOnline(t, true)
	if err := env.sched.SweepNow(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	for _, probe := range []struct{ col, id string }{
		{"posts", "postpending0001"},
		{"notes", "notepending0001"},
	} {
		rec, err := env.store.Get(ctx, probe.col, probe.id)
		if err != nil {
			t.Fatalf("%s/%s missing: %v", probe.col, probe.id, err)
		}
		if !store.RecordFlag(rec, store.KeySynced) {
			t.Errorf("%s/%s not synced", probe.col, probe.id)
		}
	}
}
