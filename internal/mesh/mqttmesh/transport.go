// Package mqttmesh carries mesh envelopes over an MQTT hub. Peers find each
// other through presence heartbeats on a shared topic.
package mqttmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rapid/sos-relay/internal/mesh"
)

const (
	topicPrefix    = "rapid/mesh"
	topicBroadcast = topicPrefix + "/broadcast"
)

func peerTopic(id string) string     { return topicPrefix + "/peer/" + id }
func presenceTopic(id string) string { return topicPrefix + "/presence/" + id }

var topicPresenceAll = presenceTopic("+")

// frame wraps envelope bytes with the publishing node's id.
type frame struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

type presence struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// Resolver returns a broker URL such as tcp://10.0.0.5:1883.
type Resolver func(ctx context.Context) (string, error)

// StaticResolver always returns url.
func StaticResolver(url string) Resolver {
	return func(context.Context) (string, error) {
		if url == "" {
			return "", errors.New("no broker url configured")
		}
		return url, nil
	}
}

// Options configures a Transport.
type Options struct {
	// Name identifies the transport in engine status, e.g. "mqtt-local".
	Name     string
	NodeID   string
	NodeName string
	Resolve  Resolver

	PresenceInterval time.Duration
	// PeerTimeout is how long a silent peer is kept. Defaults to three presence intervals.
	PeerTimeout    time.Duration
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

type peerState struct {
	name      string
	lastSeen  time.Time
	connected bool
}

// Transport implements mesh.Transport on top of a paho client.
type Transport struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	brokerURL string
	client    mqtt.Client
	peers     map[string]*peerState
	stop      chan struct{}
	done      chan struct{}

	cbMu      sync.RWMutex
	onMessage func([]byte, string)
	onFound   func(string, string)
	onLost    func(string)
}

func New(opts Options) *Transport {
	if opts.Name == "" {
		opts.Name = "mqtt"
	}
	if opts.NodeName == "" {
		opts.NodeName = opts.NodeID
	}
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = 5 * time.Second
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 3 * opts.PresenceInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		opts:   opts,
		logger: logger.With("transport", opts.Name),
		peers:  make(map[string]*peerState),
	}
}

func (t *Transport) Name() string { return t.opts.Name }

// Available reports whether a broker address can be resolved.
func (t *Transport) Available(ctx context.Context) bool {
	if t.opts.Resolve == nil || t.opts.NodeID == "" {
		return false
	}
	url, err := t.opts.Resolve(ctx)
	if err != nil {
		t.logger.Debug("mesh broker not resolvable", "error", err)
		return false
	}
	t.mu.Lock()
	t.brokerURL = url
	t.mu.Unlock()
	return true
}

// Initialize connects to the broker and subscribes to this node's topics.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	url := t.brokerURL
	t.mu.Unlock()
	if url == "" {
		var err error
		if url, err = t.opts.Resolve(ctx); err != nil {
			return fmt.Errorf("resolve broker: %w", err)
		}
	}

	will, err := json.Marshal(presence{ID: t.opts.NodeID, Name: t.opts.NodeName, Online: false})
	if err != nil {
		return fmt.Errorf("encode will: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(t.opts.NodeID).
		SetOrderMatters(false).
		SetConnectTimeout(t.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetBinaryWill(presenceTopic(t.opts.NodeID), will, 0, false).
		SetOnConnectHandler(func(c mqtt.Client) {
			t.mu.Lock()
			reconnect := t.client != nil
			t.mu.Unlock()
			if !reconnect {
				return
			}
			if err := t.subscribeCore(c); err != nil {
				t.logger.Warn("mesh resubscribe failed", "error", err)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Warn("mesh broker connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), t.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}

	if err := t.subscribeCore(client); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("subscribe mesh topics: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Info("connected to mesh broker", "broker", url, "node", t.opts.NodeID)
	return nil
}

func (t *Transport) subscribeCore(c mqtt.Client) error {
	filters := map[string]byte{
		topicBroadcast:           0,
		peerTopic(t.opts.NodeID): 0,
	}
	t.mu.Lock()
	if t.stop != nil {
		filters[topicPresenceAll] = 0
	}
	t.mu.Unlock()

	tok := c.SubscribeMultiple(filters, t.route)
	if !tok.WaitTimeout(t.opts.ConnectTimeout) {
		return errors.New("subscribe timed out")
	}
	return tok.Error()
}

// StartDiscovery announces this node and starts tracking peers' presence.
func (t *Transport) StartDiscovery(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	if client == nil {
		t.mu.Unlock()
		return errors.New("transport not initialized")
	}
	if t.stop != nil {
		t.mu.Unlock()
		return nil
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	if err := wait(ctx, client.Subscribe(topicPresenceAll, 0, t.route), t.opts.ConnectTimeout); err != nil {
		t.mu.Lock()
		t.stop, t.done = nil, nil
		t.mu.Unlock()
		close(done)
		return fmt.Errorf("subscribe presence: %w", err)
	}

	go t.heartbeat(stop, done)
	return nil
}

// StopDiscovery announces departure and stops tracking presence.
func (t *Transport) StopDiscovery(ctx context.Context) error {
	t.mu.Lock()
	client, stop, done := t.client, t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	<-done

	t.announce(client, false)
	if err := wait(ctx, client.Unsubscribe(topicPresenceAll), t.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("unsubscribe presence: %w", err)
	}
	return nil
}

func (t *Transport) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	ticker := time.NewTicker(t.opts.PresenceInterval)
	defer ticker.Stop()

	t.announce(client, true)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.announce(client, true)
			t.expirePeers(time.Now())
		}
	}
}

func (t *Transport) announce(client mqtt.Client, online bool) {
	raw, err := json.Marshal(presence{ID: t.opts.NodeID, Name: t.opts.NodeName, Online: online})
	if err != nil {
		return
	}
	tok := client.Publish(presenceTopic(t.opts.NodeID), 0, false, raw)
	if !tok.WaitTimeout(t.opts.ConnectTimeout) || tok.Error() != nil {
		t.logger.Debug("presence publish failed", "error", tok.Error())
	}
}

func (t *Transport) expirePeers(now time.Time) {
	var lost []string
	t.mu.Lock()
	for id, p := range t.peers {
		if now.Sub(p.lastSeen) > t.opts.PeerTimeout {
			delete(t.peers, id)
			lost = append(lost, id)
		}
	}
	t.mu.Unlock()

	for _, id := range lost {
		t.logger.Debug("mesh peer timed out", "peer", id)
		t.emitLost(id)
	}
}

// route dispatches every inbound publish by topic.
func (t *Transport) route(_ mqtt.Client, m mqtt.Message) {
	switch topic := m.Topic(); {
	case topic == topicBroadcast || topic == peerTopic(t.opts.NodeID):
		var f frame
		if err := json.Unmarshal(m.Payload(), &f); err != nil || f.From == "" {
			t.logger.Debug("dropping malformed mesh frame", "topic", topic)
			return
		}
		if f.From == t.opts.NodeID {
			return
		}
		t.touch(f.From, "")

		t.cbMu.RLock()
		cb := t.onMessage
		t.cbMu.RUnlock()
		if cb != nil {
			cb(f.Data, f.From)
		}
	default:
		var p presence
		if err := json.Unmarshal(m.Payload(), &p); err != nil || p.ID == "" {
			return
		}
		if p.ID == t.opts.NodeID || topic != presenceTopic(p.ID) {
			return
		}
		if !p.Online {
			t.mu.Lock()
			_, known := t.peers[p.ID]
			delete(t.peers, p.ID)
			t.mu.Unlock()
			if known {
				t.emitLost(p.ID)
			}
			return
		}
		t.touch(p.ID, p.Name)
	}
}

// touch records activity from id, emitting a found event the first time it is seen.
func (t *Transport) touch(id, name string) {
	t.mu.Lock()
	p, known := t.peers[id]
	if !known {
		p = &peerState{name: name}
		t.peers[id] = p
	}
	p.lastSeen = time.Now()
	if name != "" {
		p.name = name
	}
	name = p.name
	t.mu.Unlock()

	if !known {
		t.cbMu.RLock()
		cb := t.onFound
		t.cbMu.RUnlock()
		if cb != nil {
			cb(id, name)
		}
	}
}

func (t *Transport) emitLost(id string) {
	t.cbMu.RLock()
	cb := t.onLost
	t.cbMu.RUnlock()
	if cb != nil {
		cb(id)
	}
}

func (t *Transport) peerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Broadcast publishes data to every peer. It fails with mesh.ErrNoPeers when none are known.
func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	if t.peerCount() == 0 {
		return mesh.ErrNoPeers
	}
	return t.publish(ctx, topicBroadcast, data)
}

// Send publishes data to a single known peer.
func (t *Transport) Send(ctx context.Context, peerID string, data []byte) error {
	t.mu.Lock()
	_, known := t.peers[peerID]
	t.mu.Unlock()
	if !known {
		return fmt.Errorf("peer %s: %w", peerID, mesh.ErrNoPeers)
	}
	return t.publish(ctx, peerTopic(peerID), data)
}

func (t *Transport) publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return errors.New("mesh broker not connected")
	}

	raw, err := json.Marshal(frame{From: t.opts.NodeID, Data: data})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return wait(ctx, client.Publish(topic, 0, false, raw), t.opts.ConnectTimeout)
}

// Connect marks a discovered peer as connected. The hub keeps the actual link.
func (t *Transport) Connect(_ context.Context, peerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return fmt.Errorf("peer %s: %w", peerID, mesh.ErrNoPeers)
	}
	p.connected = true
	return nil
}

func (t *Transport) Disconnect(_ context.Context, peerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[peerID]; ok {
		p.connected = false
	}
	return nil
}

func (t *Transport) OnMessage(cb func([]byte, string)) {
	t.cbMu.Lock()
	t.onMessage = cb
	t.cbMu.Unlock()
}

func (t *Transport) OnDeviceFound(cb func(string, string)) {
	t.cbMu.Lock()
	t.onFound = cb
	t.cbMu.Unlock()
}

func (t *Transport) OnDeviceLost(cb func(string)) {
	t.cbMu.Lock()
	t.onLost = cb
	t.cbMu.Unlock()
}

// Close stops discovery and disconnects from the broker.
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	defer cancel()
	stopErr := t.StopDiscovery(ctx)

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return stopErr
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("mqtt operation timed out")
	}
}
