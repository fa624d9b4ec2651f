// Package connectivity provides the shared online/offline signal consumed
// by the request-policy layer and the sync retry scheduler.
//
// A Monitor is constructed once at process scope and passed by handle into
// every client instance; it polls an injected probe and broadcasts
// offline<->online transitions to subscribers.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Probe answers a single reachability check against the server.
type Probe interface {
	Check(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Check(ctx context.Context) bool { return f(ctx) }

// HTTPProbe checks reachability with a HEAD request against a health URL.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// WSProbe checks reachability by dialing the server's realtime websocket
// endpoint. A server that accepts the upgrade is considered online.
type WSProbe struct {
	URL string
}

func (p *WSProbe) Check(ctx context.Context) bool {
	conn, _, err := websocket.Dial(ctx, p.URL, nil)
	if err != nil {
		return false
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return true
}

// Config holds configuration for the Monitor.
type Config struct {
	// PollInterval is how often the probe runs.
	PollInterval time.Duration

	// CheckTimeout bounds a single probe attempt.
	CheckTimeout time.Duration

	// Logger for transition events.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		CheckTimeout: 3 * time.Second,
		Logger:       log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor is the process-wide connectivity signal.
type Monitor struct {
	probe  Probe
	config *Config

	online atomic.Bool

	mu     sync.Mutex
	subs   map[int]chan bool
	nextID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor around the given probe. The monitor starts
// offline; call Start to begin polling or CheckNow for an on-demand check.
func NewMonitor(probe Probe, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		probe:  probe,
		config: config,
		subs:   make(map[int]chan bool),
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// CheckNow runs the probe immediately and publishes any transition.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	online := m.probe.Check(ctx)
	m.setOnline(online)
	return online
}

// Subscribe returns a channel receiving connectivity transitions and a
// cancel function releasing the subscription. The channel is buffered; a
// slow consumer drops intermediate transitions rather than blocking the
// monitor.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 4)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start begins the poll loop. Call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.poll(ctx)
}

// Stop halts the poll loop and waits for it.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	// Establish the initial state before the first tick.
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// setOnline records the state and broadcasts transitions.
func (m *Monitor) setOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	if online {
		m.config.Logger.Printf("Connectivity restored")
	} else {
		m.config.Logger.Printf("Connectivity lost")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
		}
	}
}
