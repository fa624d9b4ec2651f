package schema

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig holds configuration for the schema file watcher.
type WatcherConfig struct {
	// DebounceInterval is how long to wait before re-importing after a
	// change, batching rapid rewrites of the export file.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[schema] ", log.LstdFlags),
	}
}

// Watcher re-imports a server-exported schema JSON file into a Registry
// whenever the file changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	config   *WatcherConfig

	watcher   *fsnotify.Watcher
	pending   time.Time
	pendingMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the schema export at path.
// The file is imported once up front; use Start to begin watching.
func NewWatcher(registry *Registry, path string, config *WatcherConfig) (*Watcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if config == nil {
		config = DefaultWatcherConfig()
	}

	if err := registry.ImportFile(path); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		registry: registry,
		path:     path,
		config:   config,
		watcher:  fsw,
	}, nil
}

// Start begins watching. It returns immediately; call Stop to shut down.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the parent directory so atomic rename-into-place is seen.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch schema directory: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processPending(ctx)

	w.config.Logger.Printf("Watching schema file: %s", w.path)
	return nil
}

// Stop shuts down the watcher and waits for its goroutines.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.pendingMu.Lock()
			w.pending = time.Now()
			w.pendingMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pendingMu.Lock()
			queued := w.pending
			ready := !queued.IsZero() && time.Since(queued) >= w.config.DebounceInterval
			if ready {
				w.pending = time.Time{}
			}
			w.pendingMu.Unlock()

			if !ready {
				continue
			}
			if err := w.registry.ImportFile(w.path); err != nil {
				w.config.Logger.Printf("Failed to re-import schema: %v", err)
				continue
			}
			w.config.Logger.Printf("Schema re-imported from %s", w.path)
		}
	}
}
