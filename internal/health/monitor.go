// Package health tracks storage node liveness. A background loop probes
// every registered node and the rest of the system reads the resulting
// snapshot without waiting on probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"replicafs/internal/protocol"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Pinger probes a node endpoint.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) error
}

// Monitor owns the Node Registry. Only probe results change a node's status.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
	onChange func(protocol.NodeStatus)
	now      func() time.Time

	mu    sync.RWMutex
	nodes map[string]*protocol.NodeStatus

	// notifyMu is taken before mu is released so onChange sees changes in
	// the order they were applied.
	notifyMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	lifeMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the probe period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithOnChange installs a hook called, outside the registry lock, whenever an
// entry changes. Calls never overlap and arrive in the order the changes were
// applied. The metadata server uses it to persist the registry.
func WithOnChange(fn func(protocol.NodeStatus)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor. Call Start to begin probing.
func New(pinger Pinger, opts ...Option) *Monitor {
	m := &Monitor{
		pinger:   pinger,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		log:      zerolog.Nop(),
		now:      time.Now,
		nodes:    make(map[string]*protocol.NodeStatus),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start launches the probe loop. It does nothing after Stop.
func (m *Monitor) Start() {
	if !m.track() {
		return
	}
	go m.run()
}

// Stop ends the probe loop and any probe started by CheckNow, and waits for
// them to exit. No probe starts afterwards.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	m.stopped = true
	m.lifeMu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// track registers a background goroutine unless the monitor is stopped.
func (m *Monitor) track() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.CheckAll(m.ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckAll(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

// Register adds a node, or updates its endpoint. New nodes start DOWN and
// become HEALTHY after their first successful probe. It reports whether the
// node was added or moved to a new endpoint.
func (m *Monitor) Register(id, endpoint string) bool {
	m.mu.Lock()
	entry, ok := m.nodes[id]
	if ok && entry.Endpoint == endpoint {
		m.mu.Unlock()
		return false
	}
	if !ok {
		entry = &protocol.NodeStatus{ID: id, Status: protocol.NodeDown}
		m.nodes[id] = entry
	}
	entry.Endpoint = endpoint
	snapshot := *entry
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	m.notify(snapshot)
	return true
}

// Restore loads registry entries persisted by a previous run.
func (m *Monitor) Restore(entries []protocol.NodeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		entry := e
		if entry.Status == "" {
			entry.Status = protocol.NodeDown
		}
		m.nodes[entry.ID] = &entry
	}
}

// CheckAll probes every node concurrently and waits for the results.
func (m *Monitor) CheckAll(ctx context.Context) {
	var g errgroup.Group
	for _, node := range m.targets() {
		node := node
		g.Go(func() error {
			m.probe(ctx, node)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckNow probes a single node in the background. It does nothing once the
// monitor is stopped.
func (m *Monitor) CheckNow(id string) {
	m.mu.RLock()
	entry, ok := m.nodes[id]
	var node protocol.NodeRef
	if ok {
		node = protocol.NodeRef{ID: entry.ID, Endpoint: entry.Endpoint}
	}
	m.mu.RUnlock()
	if !ok || !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		m.probe(m.ctx, node)
	}()
}

func (m *Monitor) probe(ctx context.Context, node protocol.NodeRef) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.pinger.Ping(pctx, node.Endpoint)
	if ctx.Err() != nil {
		// shutting down; a cancelled probe says nothing about the node
		return
	}
	m.Observe(node.ID, err)
}

// Observe applies one probe result to the node's status.
func (m *Monitor) Observe(id string, probeErr error) {
	now := m.now().UTC()

	m.mu.Lock()
	entry, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	prev := entry.Status
	entry.LastChecked = now
	if probeErr == nil {
		entry.Status = protocol.NodeHealthy
		entry.LastSeenHealthyAt = now
		entry.ConsecutiveFailures = 0
		entry.Error = ""
	} else {
		entry.Status = nextOnFailure(prev)
		entry.ConsecutiveFailures++
		entry.Error = probeErr.Error()
	}
	snapshot := *entry
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	if prev != snapshot.Status {
		ev := m.log.Warn()
		if snapshot.Status == protocol.NodeHealthy {
			ev = m.log.Info()
		}
		ev.Str("node_id", id).
			Str("from", string(prev)).
			Str("to", string(snapshot.Status)).
			Str("error", snapshot.Error).
			Msg("node status changed")
	}
	m.notify(snapshot)
}

// nextOnFailure implements the two-strike rule: one missed probe makes a
// healthy node SUSPECT, a second consecutive miss makes it DOWN.
func nextOnFailure(cur protocol.NodeState) protocol.NodeState {
	switch cur {
	case protocol.NodeHealthy:
		return protocol.NodeSuspect
	default:
		return protocol.NodeDown
	}
}

func (m *Monitor) notify(status protocol.NodeStatus) {
	if m.onChange != nil {
		m.onChange(status)
	}
}

func (m *Monitor) targets() []protocol.NodeRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.NodeRef, 0, len(m.nodes))
	for _, e := range m.nodes {
		out = append(out, protocol.NodeRef{ID: e.ID, Endpoint: e.Endpoint})
	}
	return out
}

// Snapshot returns every registry entry sorted by node id.
func (m *Monitor) Snapshot() []protocol.NodeStatus {
	m.mu.RLock()
	out := make([]protocol.NodeStatus, 0, len(m.nodes))
	for _, e := range m.nodes {
		out = append(out, *e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy returns the nodes currently HEALTHY, sorted by node id.
func (m *Monitor) Healthy() []protocol.NodeRef {
	m.mu.RLock()
	out := make([]protocol.NodeRef, 0, len(m.nodes))
	for _, e := range m.nodes {
		if e.Status == protocol.NodeHealthy {
			out = append(out, protocol.NodeRef{ID: e.ID, Endpoint: e.Endpoint})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the registry entry for id.
func (m *Monitor) Lookup(id string) (protocol.NodeStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.nodes[id]
	if !ok {
		return protocol.NodeStatus{}, false
	}
	return *e, true
}
