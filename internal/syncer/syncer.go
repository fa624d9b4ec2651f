// Package syncer replays pending offline writes once connectivity returns.
//
// The scheduler listens to the shared connectivity monitor and runs a
// sweep on process start (when a check resolves online) and on every
// offline->online transition. A sweep discovers unsynced documents across
// all registered collection services and replays them through the
// request-policy layer; per-record failures are logged and left unsynced
// for the next trigger so one bad record never blocks the rest.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pocketcache/pocketcache/internal/connectivity"
	"github.com/pocketcache/pocketcache/internal/policy"
	"github.com/pocketcache/pocketcache/internal/store"
)

// State describes the scheduler's sweep lifecycle.
type State int

const (
	// Idle means no sweep has run yet.
	Idle State = iota
	// Running means a sweep is in progress.
	Running
	// Done means the last sweep finished.
	Done
)

// sweepConcurrency bounds how many collections sync in parallel.
const sweepConcurrency = 4

// Config holds configuration for the Scheduler.
type Config struct {
	// Logger for sweep activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Scheduler coordinates retry sweeps across collection services.
type Scheduler struct {
	monitor *connectivity.Monitor
	config  *Config

	mu       sync.Mutex
	services []*policy.Service
	state    State
	token    int
	done     chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler bound to the shared connectivity monitor.
func New(monitor *connectivity.Monitor, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		monitor: monitor,
		config:  config,
	}
}

// Register adds a collection service to the sweep set.
func (s *Scheduler) Register(svc *policy.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, svc)
}

// State returns the current sweep state and the token of the sweep it
// refers to. Tokens increase monotonically, so callers can tell which
// sweep a Done state belongs to.
func (s *Scheduler) State() (State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.token
}

// Wait blocks until the in-progress sweep (if any) completes.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	running := s.state == Running
	s.mu.Unlock()

	if !running || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins listening for connectivity triggers. An initial check that
// resolves online triggers the first sweep immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		transitions, unsubscribe := s.monitor.Subscribe()
		defer unsubscribe()

		if s.monitor.CheckNow(ctx) {
			s.sweep(ctx)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-transitions:
				if !ok {
					return
				}
				if online {
					s.sweep(ctx)
				}
			}
		}
	}()
}

// Stop halts the trigger loop and waits for it.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SweepNow runs one sweep synchronously. Exposed for manual triggers.
func (s *Scheduler) SweepNow(ctx context.Context) error {
	return s.sweep(ctx)
}

// sweep replays every pending write across all registered services.
func (s *Scheduler) sweep(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Running {
		done := s.done
		s.mu.Unlock()
		// A sweep is already in flight; join it.
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.token++
	token := s.token
	s.state = Running
	s.done = make(chan struct{})
	done := s.done
	services := make([]*policy.Service, len(s.services))
	copy(services, s.services)
	s.mu.Unlock()

	s.config.Logger.Printf("Starting sync sweep %d (%d collections)", token, len(services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			s.sweepService(gctx, svc)
			return nil
		})
	}
	err := g.Wait()

	s.mu.Lock()
	s.state = Done
	s.mu.Unlock()
	close(done)

	s.config.Logger.Printf("Sync sweep %d complete", token)
	return err
}

// sweepService replays one collection's pending writes. Failures are
// logged and left unsynced for the next trigger.
func (s *Scheduler) sweepService(ctx context.Context, svc *policy.Service) {
	pending, err := svc.Store().Query(ctx, svc.Collection(), store.QueryOptions{
		Filter: fmt.Sprintf("%s = false", store.KeySynced),
	})
	if err != nil {
		s.config.Logger.Printf("WARNING: failed to list pending writes for %s: %v", svc.Collection(), err)
		return
	}

	synced, failed, skipped := 0, 0, 0
	for _, rec := range pending {
		if store.RecordFlag(rec, store.KeyNoSync) {
			skipped++
			continue
		}
		id, _ := rec["id"].(string)
		if id == "" {
			skipped++
			continue
		}

		if err := s.replay(ctx, svc, id, rec); err != nil {
			s.config.Logger.Printf("WARNING: failed to sync %s/%s: %v", svc.Collection(), id, err)
			failed++
			continue
		}
		synced++
	}

	if synced+failed+skipped > 0 {
		s.config.Logger.Printf("Synced %s: ok=%d failed=%d skipped=%d", svc.Collection(), synced, failed, skipped)
	}
}

// replay pushes one pending record through the request-policy write path.
// Success flips synced=true (or removes the tombstoned row); failure
// leaves the record untouched.
func (s *Scheduler) replay(ctx context.Context, svc *policy.Service, id string, rec store.Record) error {
	opts := policy.Options{Policy: policy.CacheAndNetwork}

	switch {
	case store.RecordFlag(rec, store.KeyDeleted):
		return svc.Delete(ctx, id, opts)
	case store.RecordFlag(rec, store.KeyIsNew):
		_, err := svc.Create(ctx, rec, nil, opts)
		return err
	default:
		_, err := svc.Update(ctx, id, rec, nil, opts)
		return err
	}
}
