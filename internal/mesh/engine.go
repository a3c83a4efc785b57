package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"rapid/sos-relay/internal/metrics"
)

var (
	ErrNoTransport = errors.New("mesh: no transport available")
	ErrNoPeers     = errors.New("mesh: no reachable peers")
	ErrNotRunning  = errors.New("mesh: engine closed")
)

// State is the engine's discovery lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateDiscovering
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDiscovering:
		return "discovering"
	case StateIdle:
		return "idle"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives a validated envelope. Handlers must not block for long;
// they run on the transport's delivery goroutine.
type Handler func(ctx context.Context, env Envelope, payload Payload, from string)

// Peer is a neighbour reported by the active transport.
type Peer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	FoundAt   time.Time `json:"found_at"`
}

// Status is a read-only diagnostic snapshot.
type Status struct {
	NodeID    string `json:"node_id"`
	State     string `json:"state"`
	Running   bool   `json:"running"`
	Adapter   string `json:"adapter,omitempty"`
	Degraded  bool   `json:"degraded"`
	QueueSize int    `json:"queue_size"`
	Peers     int    `json:"peers"`
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	NodeID string
	// Transports are probed in order; the first available one becomes active.
	Transports []Transport

	TTL        time.Duration
	RetryLimit int
	SeenSize   int
	SeenTTL    time.Duration
	// RelayRate caps rebroadcasts per second. Zero or negative disables the cap.
	RelayRate  float64
	RelayBurst int

	// Jitter returns the delay before a rebroadcast. Defaults to a uniform value under one second.
	Jitter func() time.Duration
	Now    func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine floods envelopes across the peers reachable through one transport.
type Engine struct {
	nodeID     string
	transports []Transport
	ttl        time.Duration
	retryLimit int
	jitter     func() time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics

	seen    *expirable.LRU[string, struct{}]
	limiter *rate.Limiter

	// lifecycle serializes Initialize/Start/Stop/Close, which call into the transport.
	lifecycle sync.Mutex

	mu       sync.Mutex
	active   Transport
	state    State
	closed   bool
	queue    []Envelope
	peers    map[string]*Peer
	handlers map[Type][]Handler
	timers   map[*time.Timer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = 256
	}
	seenSize := opts.SeenSize
	if seenSize <= 0 {
		seenSize = 1024
	}
	seenTTL := opts.SeenTTL
	if seenTTL <= 0 {
		seenTTL = ttl
	}
	limit := rate.Inf
	if opts.RelayRate > 0 {
		limit = rate.Limit(opts.RelayRate)
	}
	burst := opts.RelayBurst
	if burst <= 0 {
		burst = 10
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		nodeID:     nodeID,
		transports: opts.Transports,
		ttl:        ttl,
		retryLimit: retryLimit,
		jitter:     jitter,
		now:        now,
		logger:     logger.With("node", nodeID),
		metrics:    opts.Metrics,
		seen:       expirable.NewLRU[string, struct{}](seenSize, nil, seenTTL),
		limiter:    rate.NewLimiter(limit, burst),
		peers:      make(map[string]*Peer),
		handlers:   make(map[Type][]Handler),
		timers:     make(map[*time.Timer]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NodeID is the identity stamped on envelopes leaving this node.
func (e *Engine) NodeID() string { return e.nodeID }

// On registers h for envelopes of type t. Multiple handlers run in registration order.
func (e *Engine) On(t Type, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], h)
}

// Initialize activates the first available transport. With none available the
// engine stays usable in degraded mode, queueing every broadcast.
func (e *Engine) Initialize(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var active Transport
	for _, t := range e.transports {
		if !t.Available(ctx) {
			e.logger.Debug("mesh transport unavailable", "transport", t.Name())
			continue
		}
		if err := t.Initialize(ctx); err != nil {
			e.logger.Warn("mesh transport failed to initialize", "transport", t.Name(), "error", err)
			continue
		}
		active = t
		break
	}

	if active != nil {
		active.OnMessage(e.HandleEnvelope)
		active.OnDeviceFound(e.deviceFound)
		active.OnDeviceLost(e.deviceLost)
		e.logger.Info("mesh engine initialized", "transport", active.Name())
	} else {
		e.logger.Warn("no mesh transport available, broadcasts will be queued")
	}

	e.mu.Lock()
	e.active = active
	e.state = StateInitialized
	e.mu.Unlock()
	return nil
}

// Start begins peer discovery. Calling it while discovery is running is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	active, state, closed := e.active, e.state, e.closed
	e.mu.Unlock()

	switch {
	case closed:
		return ErrNotRunning
	case state == StateUninitialized:
		return errors.New("mesh engine not initialized")
	case active == nil:
		return ErrNoTransport
	case state == StateDiscovering:
		return nil
	}

	if err := active.StartDiscovery(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	e.mu.Lock()
	e.state = StateDiscovering
	e.mu.Unlock()
	e.logger.Info("mesh discovery started", "transport", active.Name())
	return nil
}

// Stop halts peer discovery. Calling it while idle is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	e.mu.Lock()
	active, state := e.active, e.state
	e.mu.Unlock()

	if active == nil || state != StateDiscovering {
		return nil
	}
	if err := active.StopDiscovery(ctx); err != nil {
		return fmt.Errorf("stop discovery: %w", err)
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.logger.Info("mesh discovery stopped")
	return nil
}

// Broadcast floods p to every reachable peer. When no transport is active or
// the transmit fails, the envelope is kept in the retry queue and an error is
// returned; the envelope is still returned so callers can track its id.
func (e *Engine) Broadcast(ctx context.Context, p Payload) (Envelope, error) {
	env, err := newEnvelope(p, nil, e.ttl, e.now())
	if err != nil {
		return Envelope{}, err
	}
	e.markSeen(env.ID)

	e.mu.Lock()
	active, closed := e.active, e.closed
	e.mu.Unlock()
	if closed {
		return env, ErrNotRunning
	}

	if active == nil {
		e.enqueue(env)
		e.logger.Info("mesh envelope queued, no transport", "envelope", env.ID, "type", env.Type)
		return env, ErrNoTransport
	}

	if err := e.transmit(ctx, active, env); err != nil {
		e.enqueue(env)
		e.logger.Warn("mesh broadcast failed, envelope queued", "envelope", env.ID, "type", env.Type, "error", err)
		return env, fmt.Errorf("broadcast %s: %w", env.ID, err)
	}

	e.logger.Debug("mesh envelope broadcast", "envelope", env.ID, "type", env.Type)
	return env, nil
}

// SendToDevice delivers p to a single peer. Failures are returned and never queued.
func (e *Engine) SendToDevice(ctx context.Context, peerID string, p Payload) (Envelope, error) {
	if peerID == "" {
		return Envelope{}, errors.New("peer id is required")
	}
	env, err := newEnvelope(p, []string{peerID}, e.ttl, e.now())
	if err != nil {
		return Envelope{}, err
	}

	e.mu.Lock()
	active, closed := e.active, e.closed
	e.mu.Unlock()
	if closed {
		return env, ErrNotRunning
	}
	if active == nil {
		return env, ErrNoTransport
	}

	data, err := e.stamp(env).Encode()
	if err != nil {
		return env, err
	}
	if err := active.Send(ctx, peerID, data); err != nil {
		return env, fmt.Errorf("send %s to %s: %w", env.ID, peerID, err)
	}
	return env, nil
}

// ProcessQueue replays queued envelopes through the active transport, dropping
// those that expired meanwhile. It returns how many were sent.
func (e *Engine) ProcessQueue(ctx context.Context) (int, error) {
	e.mu.Lock()
	active := e.active
	if active == nil {
		e.mu.Unlock()
		return 0, ErrNoTransport
	}
	e.pruneLocked()
	pending := make([]Envelope, len(e.queue))
	copy(pending, e.queue)
	e.mu.Unlock()

	sent := 0
	var lastErr error
	for _, env := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := e.transmit(ctx, active, env); err != nil {
			lastErr = err
			e.logger.Debug("queued mesh envelope still undeliverable", "envelope", env.ID, "error", err)
			continue
		}
		e.dequeue(env.ID)
		sent++
	}

	if sent > 0 {
		e.logger.Info("mesh retry queue replayed", "sent", sent, "remaining", e.QueueSize())
	}
	if sent == 0 && lastErr != nil {
		return 0, lastErr
	}
	return sent, nil
}

// HandleEnvelope is the receive path for raw bytes from a transport.
// Calls arriving after Close are ignored; Close waits for calls already in flight.
func (e *Engine) HandleEnvelope(raw []byte, from string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	env, err := ParseEnvelope(raw)
	if err != nil {
		e.drop("malformed", "", from, err)
		return
	}

	now := e.now()
	if env.Expired(now) {
		e.drop("expired", env.ID, from, nil)
		return
	}
	if env.Sender == LocalSender || env.Sender == e.nodeID {
		e.drop("echo", env.ID, from, nil)
		return
	}
	if !e.markSeen(env.ID) {
		e.drop("duplicate", env.ID, from, nil)
		return
	}

	payload, err := DecodePayload(env)
	if err != nil {
		e.drop("invalid_payload", env.ID, from, err)
		return
	}

	e.metrics.EnvelopeReceived(string(env.Type))
	e.logger.Debug("mesh envelope received", "envelope", env.ID, "type", env.Type, "from", from, "hops", env.HopCount)

	e.mu.Lock()
	handlers := append([]Handler(nil), e.handlers[env.Type]...)
	e.mu.Unlock()
	for _, h := range handlers {
		e.invoke(h, env, payload, from)
	}

	if env.HopCount < MaxHops && env.IsBroadcast() {
		relay := env
		relay.HopCount = env.HopCount + 1
		if !e.limiter.Allow() {
			e.drop("rate_limited", env.ID, from, nil)
			return
		}
		e.scheduleRelay(relay)
	}
}

func (e *Engine) invoke(h Handler, env Envelope, payload Payload, from string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("mesh handler panicked", "envelope", env.ID, "type", env.Type, "panic", r)
		}
	}()
	h(e.ctx, env, payload, from)
}

func (e *Engine) scheduleRelay(env Envelope) {
	delay := e.jitter()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.active == nil {
		return
	}
	active := e.active

	e.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.mu.Lock()
		_, pending := e.timers[timer]
		delete(e.timers, timer)
		e.mu.Unlock()
		if !pending {
			return
		}

		if err := e.transmit(e.ctx, active, env); err != nil {
			e.logger.Debug("mesh relay failed", "envelope", env.ID, "hops", env.HopCount, "error", err)
			return
		}
		e.metrics.EnvelopeRelayed()
		e.logger.Debug("mesh envelope relayed", "envelope", env.ID, "hops", env.HopCount)
	})
	e.timers[timer] = struct{}{}
}

// Peers lists known neighbours ordered by id.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Disconnect drops the connection to peerID and forgets it.
func (e *Engine) Disconnect(ctx context.Context, peerID string) error {
	e.mu.Lock()
	active := e.active
	delete(e.peers, peerID)
	n := len(e.peers)
	e.mu.Unlock()

	e.metrics.Peers(n)
	if active == nil {
		return ErrNoTransport
	}
	if err := active.Disconnect(ctx, peerID); err != nil {
		return fmt.Errorf("disconnect %s: %w", peerID, err)
	}
	return nil
}

func (e *Engine) deviceFound(peerID, name string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.peers[peerID]; !ok {
		e.peers[peerID] = &Peer{ID: peerID, Name: name, FoundAt: e.now()}
	}
	active := e.active
	n := len(e.peers)
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.Peers(n)
	e.logger.Info("mesh peer found", "peer", peerID, "name", name)

	go func() {
		defer e.wg.Done()
		if active == nil {
			return
		}
		if err := active.Connect(e.ctx, peerID); err != nil {
			e.logger.Warn("mesh peer connect failed", "peer", peerID, "error", err)
		} else {
			e.mu.Lock()
			if p, ok := e.peers[peerID]; ok {
				p.Connected = true
			}
			e.mu.Unlock()
		}

		if e.QueueSize() == 0 {
			return
		}
		if _, err := e.ProcessQueue(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Debug("mesh retry queue replay failed", "error", err)
		}
	}()
}

func (e *Engine) deviceLost(peerID string) {
	e.mu.Lock()
	delete(e.peers, peerID)
	n := len(e.peers)
	e.mu.Unlock()

	e.metrics.Peers(n)
	e.logger.Info("mesh peer lost", "peer", peerID)
}

// QueueSize is the number of envelopes awaiting retransmission.
func (e *Engine) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Status reports the engine's diagnostic state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		NodeID:    e.nodeID,
		State:     e.state.String(),
		Running:   e.state == StateDiscovering,
		Degraded:  e.state != StateUninitialized && e.active == nil,
		QueueSize: len(e.queue),
		Peers:     len(e.peers),
	}
	if e.active != nil {
		s.Adapter = e.active.Name()
	}
	return s
}

// Close cancels pending relays, stops discovery, disconnects peers and closes the transport.
func (e *Engine) Close(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for t := range e.timers {
		if t.Stop() {
			e.wg.Done()
		}
	}
	clear(e.timers)
	e.mu.Unlock()

	e.cancel()
	stopErr := e.stopLocked(ctx)
	e.wg.Wait()

	e.mu.Lock()
	active := e.active
	peers := make([]string, 0, len(e.peers))
	for id, p := range e.peers {
		if p.Connected {
			peers = append(peers, id)
		}
	}
	clear(e.peers)
	e.mu.Unlock()

	if active == nil {
		return stopErr
	}
	for _, id := range peers {
		if err := active.Disconnect(ctx, id); err != nil {
			e.logger.Debug("mesh peer disconnect failed", "peer", id, "error", err)
		}
	}
	return errors.Join(stopErr, active.Close())
}

// stamp replaces the local sentinel with the node id before an envelope leaves the process.
func (e *Engine) stamp(env Envelope) Envelope {
	if env.Sender == LocalSender {
		env.Sender = e.nodeID
	}
	return env
}

func (e *Engine) transmit(ctx context.Context, t Transport, env Envelope) error {
	data, err := e.stamp(env).Encode()
	if err != nil {
		return err
	}
	return t.Broadcast(ctx, data)
}

// markSeen records id and reports whether it was new.
func (e *Engine) markSeen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen.Contains(id) {
		return false
	}
	e.seen.Add(id, struct{}{})
	return true
}

func (e *Engine) enqueue(env Envelope) {
	e.mu.Lock()
	e.queue = append(e.queue, env)
	var dropped []string
	for len(e.queue) > e.retryLimit {
		dropped = append(dropped, e.queue[0].ID)
		e.queue = e.queue[1:]
	}
	n := len(e.queue)
	e.mu.Unlock()

	e.metrics.MeshQueueDepth(n)
	for _, id := range dropped {
		e.logger.Warn("mesh retry queue full, dropped oldest envelope", "envelope", id)
	}
}

func (e *Engine) dequeue(id string) {
	e.mu.Lock()
	for i, env := range e.queue {
		if env.ID == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	n := len(e.queue)
	e.mu.Unlock()
	e.metrics.MeshQueueDepth(n)
}

func (e *Engine) pruneLocked() {
	now := e.now()
	kept := e.queue[:0]
	for _, env := range e.queue {
		if env.Expired(now) {
			e.logger.Debug("queued mesh envelope expired", "envelope", env.ID)
			continue
		}
		kept = append(kept, env)
	}
	e.queue = kept
	e.metrics.MeshQueueDepth(len(kept))
}

func (e *Engine) drop(reason, id, from string, err error) {
	e.metrics.EnvelopeDropped(reason)
	attrs := []any{"reason", reason, "from", from}
	if id != "" {
		attrs = append(attrs, "envelope", id)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	e.logger.Debug("mesh envelope dropped", attrs...)
}
