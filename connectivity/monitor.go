// Package connectivity observes network reachability for the CropDoc engine.
//
// The monitor keeps the last-known reachable/unreachable state in memory
// (nothing is persisted; state is rebuilt by an immediate probe at startup)
// and fans deduplicated transitions out to subscribers. Components consult
// IsConnected to pick the remote or local code path; the sync orchestrator
// subscribes to react to disconnected-to-connected transitions.
//
// Listeners must not block: fan-out is synchronous and single-threaded, so a
// listener that needs real work should enqueue it and return.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober determines whether the network is actually internet-reachable.
// A non-nil error means the determination itself failed (unknown); the
// monitor defaults unknown to reachable rather than flapping offline.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// HTTPProber probes reachability with a GET against a lightweight endpoint.
// A completed request of any status counts as reachable; a transport error
// counts as unreachable. This deliberately treats "connected to a network but
// not internet-reachable" (e.g. captive portal with DNS black-holed) as
// disconnected.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// DefaultProber probes a well-known no-content endpoint with a short timeout.
func DefaultProber() *HTTPProber {
	return &HTTPProber{
		URL:    "https://connectivitycheck.gstatic.com/generate_204",
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err // malformed URL: genuinely unknown
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, nil // transport failure: determined unreachable
	}
	resp.Body.Close()
	return true, nil
}

// Monitor tracks reachability and notifies subscribers on state transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   logrus.FieldLogger

	mu             sync.Mutex
	connected      bool
	lastTransition time.Time
	listeners      map[int]func(bool)
	nextID         int
}

// NewMonitor creates a monitor. Until the first probe completes the state
// defaults to reachable, so early callers prefer the remote path and fall
// back naturally if it fails.
func NewMonitor(prober Prober, interval time.Duration, logger logrus.FieldLogger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:    prober,
		interval:  interval,
		logger:    logger,
		connected: true,
		listeners: make(map[int]func(bool)),
	}
}

// IsConnected reports the last-known reachability state.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastTransition reports when the state last changed. Zero until the first
// transition.
func (m *Monitor) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Subscribe registers a listener and returns its unsubscribe function. The
// listener is invoked immediately with the current state, then once per
// actual state transition, never per redundant signal.
func (m *Monitor) Subscribe(fn func(connected bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.connected
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Report feeds an externally-observed reachability signal into the monitor
// (platform connectivity callbacks, test harnesses). Repeated signals for an
// unchanged state are suppressed.
func (m *Monitor) Report(connected bool) {
	m.setState(connected)
}

// Run probes immediately, then on every interval tick, until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeOnce runs one synchronous probe and updates the state. Useful for
// short-lived commands that cannot wait for the periodic loop.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	m.probeOnce(ctx)
}

func (m *Monitor) probeOnce(ctx context.Context) {
	reachable, err := m.prober.Probe(ctx)
	if err != nil {
		// Unknown: keep optimistic default rather than flapping offline.
		m.logger.WithError(err).Debug("reachability probe inconclusive, assuming reachable")
		reachable = true
	}
	m.setState(reachable)
}

func (m *Monitor) setState(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	m.lastTransition = time.Now()
	// Snapshot listeners so fan-out runs outside the lock; a listener may
	// subscribe or unsubscribe from its callback.
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.WithField("connected", connected).Info("connectivity state changed")

	for _, fn := range fns {
		fn(connected)
	}
}
