package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober reports whether the upstream network is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Monitor tracks connectivity and notifies subscribers on every transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// Options configures a Monitor.
type Options struct {
	Prober   Prober
	Interval time.Duration
	// Timeout bounds a single probe. Defaults to half the interval.
	Timeout time.Duration
	// InitiallyOnline seeds the state before the first probe completes.
	InitiallyOnline bool
	Logger          *slog.Logger
}

func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = interval / 2
	}
	return &Monitor{
		prober:   opts.Prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		online:   opts.InitiallyOnline,
		subs:     make(map[int]func(bool)),
	}
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers cb for state transitions and returns a function that removes it.
// Callbacks run synchronously on the goroutine that observed the change.
func (m *Monitor) OnChange(cb func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Set records a new state. Subscribers are notified only when the state changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	m.logger.Info("network state changed", "online", online)
	for _, cb := range subs {
		m.notify(cb, online)
	}
}

func (m *Monitor) notify(cb func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("network change subscriber panicked", "panic", r)
		}
	}()
	cb(online)
}

// Check runs one probe and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	online := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return m.IsOnline()
	}
	m.Set(online)
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
