// Package connectivity tracks whether the remote system of record is
// reachable and reports transitions to subscribers.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Monitor holds the current reachability. Callbacks fire on edges only:
// a repeated SetReachable with the same value is silent.
type Monitor struct {
	mu        sync.RWMutex
	reachable bool
	changedAt time.Time

	subMu   sync.Mutex
	up      map[int]func()
	down    map[int]func()
	nextSub int
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		reachable: initial,
		changedAt: time.Now(),
		up:        make(map[int]func()),
		down:      make(map[int]func()),
	}
}

// IsReachable reports the last known reachability.
func (m *Monitor) IsReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// ChangedAt returns when reachability last flipped.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// SetReachable records a platform notification or probe result.
func (m *Monitor) SetReachable(reachable bool) {
	m.mu.Lock()
	was := m.reachable
	m.reachable = reachable
	if was != reachable {
		m.changedAt = time.Now()
	}
	m.mu.Unlock()

	if was == reachable {
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{
		"was_reachable": was,
		"is_reachable":  reachable,
	})

	if reachable {
		m.fire(m.up)
	} else {
		m.fire(m.down)
	}
}

func (m *Monitor) fire(set map[int]func()) {
	m.subMu.Lock()
	callbacks := make([]func(), 0, len(set))
	for _, fn := range set {
		callbacks = append(callbacks, fn)
	}
	m.subMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (m *Monitor) subscribe(set map[int]func(), fn func()) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	set[id] = fn
	return func() {
		m.subMu.Lock()
		delete(set, id)
		m.subMu.Unlock()
	}
}

// OnBecameReachable registers fn for unreachable-to-reachable transitions.
func (m *Monitor) OnBecameReachable(fn func()) func() {
	return m.subscribe(m.up, fn)
}

// OnBecameUnreachable registers fn for reachable-to-unreachable transitions.
func (m *Monitor) OnBecameUnreachable(fn func()) func() {
	return m.subscribe(m.down, fn)
}

// Prober checks reachability actively.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Run probes immediately and then every interval until ctx is done. It is
// the fallback for platforms without connectivity notifications.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.SetReachable(p.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SetReachable(p.Probe(ctx))
		}
	}
}

// HTTPProber treats any HTTP response below 500 from URL as reachable.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Probe issues a HEAD request against p.URL.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Debug("Reachability probe failed", map[string]interface{}{"url": p.URL, "error": err.Error()})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
