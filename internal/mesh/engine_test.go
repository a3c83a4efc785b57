package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name      string
	available bool
	initErr   error

	mu           sync.Mutex
	broadcastErr error
	sendErr      error
	broadcasts   [][]byte
	sends        map[string][][]byte
	connected    map[string]bool
	starts       int
	stops        int
	closed       bool

	onMessage func([]byte, string)
	onFound   func(string, string)
	onLost    func(string)
}

func newFakeTransport(name string, available bool) *fakeTransport {
	return &fakeTransport{
		name:      name,
		available: available,
		sends:     make(map[string][][]byte),
		connected: make(map[string]bool),
	}
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) Available(context.Context) bool { return f.available }
func (f *fakeTransport) Initialize(context.Context) error { return f.initErr }
func (f *fakeTransport) OnMessage(cb func([]byte, string)) { f.onMessage = cb }
func (f *fakeTransport) OnDeviceFound(cb func(string, string)) { f.onFound = cb }
func (f *fakeTransport) OnDeviceLost(cb func(string)) { f.onLost = cb }

func (f *fakeTransport) StartDiscovery(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeTransport) StopDiscovery(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) Broadcast(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, data)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, peerID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends[peerID] = append(f.sends[peerID], data)
	return nil
}

func (f *fakeTransport) Connect(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[peerID] = true
	return nil
}

func (f *fakeTransport) Disconnect(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, peerID)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setBroadcastErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastErr = err
}

func (f *fakeTransport) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.broadcasts))
	for _, raw := range f.broadcasts {
		env, err := ParseEnvelope(raw)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, transports ...Transport) *Engine {
	t.Helper()
	e := NewEngine(Options{
		NodeID:     "node-a",
		Transports: transports,
		Jitter:     func() time.Duration { return 0 },
		Logger:     quietLogger(),
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

func rawEnvelope(t *testing.T, env Envelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func remoteSOS(t *testing.T, id string, hops int, age time.Duration) Envelope {
	t.Helper()
	payload, err := json.Marshal(SOSPayload{AlertID: "alert-" + id, Message: "help"})
	require.NoError(t, err)
	return Envelope{
		ID:         id,
		Type:       TypeSOS,
		Payload:    payload,
		Sender:     "node-b",
		Recipients: []string{},
		Timestamp:  time.Now().Add(-age).UnixMilli(),
		TTL:        DefaultTTL.Milliseconds(),
		HopCount:   hops,
	}
}

func TestInitializePicksFirstAvailableTransport(t *testing.T) {
	broken := newFakeTransport("broken", true)
	broken.initErr = errors.New("radio off")
	absent := newFakeTransport("absent", false)
	good := newFakeTransport("good", true)
	spare := newFakeTransport("spare", true)

	e := newTestEngine(t, absent, broken, good, spare)

	status := e.Status()
	assert.Equal(t, "good", status.Adapter)
	assert.Equal(t, "initialized", status.State)
	assert.False(t, status.Degraded)
	assert.NotNil(t, good.onMessage)
	assert.Nil(t, spare.onMessage)
}

func TestStartIsIdempotent(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, 1, tr.starts)
	assert.True(t, e.Status().Running)

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, 1, tr.stops)
	assert.Equal(t, "idle", e.Status().State)

	require.NoError(t, e.Start(ctx))
	assert.Equal(t, 2, tr.starts)
}

func TestDegradedModeQueuesBroadcasts(t *testing.T) {
	e := newTestEngine(t, newFakeTransport("absent", false))
	ctx := context.Background()

	assert.ErrorIs(t, e.Start(ctx), ErrNoTransport)

	env, err := e.Broadcast(ctx, TextPayload{Text: "anyone there?"})
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.NotEmpty(t, env.ID)

	status := e.Status()
	assert.True(t, status.Degraded)
	assert.Equal(t, 1, status.QueueSize)
	assert.Empty(t, status.Adapter)

	_, err = e.SendToDevice(ctx, "peer", TextPayload{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestBroadcastStampsNodeID(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)

	env, err := e.Broadcast(context.Background(), SOSPayload{AlertID: "a1", Message: "help"})
	require.NoError(t, err)
	assert.Equal(t, LocalSender, env.Sender)
	assert.Equal(t, 0, env.HopCount)
	assert.Equal(t, DefaultTTL.Milliseconds(), env.TTL)

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, env.ID, sent[0].ID)
	assert.Equal(t, "node-a", sent[0].Sender)
	assert.Empty(t, sent[0].Recipients)
}

func TestBroadcastRejectsInvalidPayload(t *testing.T) {
	e := newTestEngine(t, newFakeTransport("fake", true))

	_, err := e.Broadcast(context.Background(), SOSPayload{AlertID: "a1"})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
	assert.Zero(t, e.QueueSize())
}

func TestFailedBroadcastIsQueuedAndReplayedOnDiscovery(t *testing.T) {
	tr := newFakeTransport("fake", true)
	tr.setBroadcastErr(ErrNoPeers)
	e := newTestEngine(t, tr)
	ctx := context.Background()

	env, err := e.Broadcast(ctx, TextPayload{Text: "queued"})
	require.ErrorIs(t, err, ErrNoPeers)
	assert.Equal(t, 1, e.QueueSize())

	tr.setBroadcastErr(nil)
	tr.onFound("peer-1", "Peer One")

	require.Eventually(t, func() bool { return e.QueueSize() == 0 }, time.Second, 5*time.Millisecond)
	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, env.ID, sent[0].ID)

	require.Eventually(t, func() bool {
		peers := e.Peers()
		return len(peers) == 1 && peers[0].Connected
	}, time.Second, 5*time.Millisecond)
}

func TestRetryQueueIsBounded(t *testing.T) {
	e := NewEngine(Options{NodeID: "n", RetryLimit: 2, Logger: quietLogger()})
	defer e.Close(context.Background())
	require.NoError(t, e.Initialize(context.Background()))

	var ids []string
	for i := 0; i < 3; i++ {
		env, _ := e.Broadcast(context.Background(), TextPayload{Text: "x"})
		ids = append(ids, env.ID)
	}

	e.mu.Lock()
	queued := []string{e.queue[0].ID, e.queue[1].ID}
	e.mu.Unlock()
	assert.Equal(t, ids[1:], queued)
}

func TestProcessQueueDropsExpiredEnvelopes(t *testing.T) {
	tr := newFakeTransport("fake", true)
	tr.setBroadcastErr(ErrNoPeers)

	clock := time.Now()
	e := NewEngine(Options{
		NodeID:     "n",
		Transports: []Transport{tr},
		Now:        func() time.Time { return clock },
		Logger:     quietLogger(),
	})
	defer e.Close(context.Background())
	require.NoError(t, e.Initialize(context.Background()))

	_, err := e.Broadcast(context.Background(), TextPayload{Text: "stale"})
	require.Error(t, err)
	require.Equal(t, 1, e.QueueSize())

	clock = clock.Add(DefaultTTL + time.Second)
	tr.setBroadcastErr(nil)

	sent, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, e.QueueSize())
	assert.Empty(t, tr.sent())
}

func TestSendToDeviceDoesNotQueue(t *testing.T) {
	tr := newFakeTransport("fake", true)
	tr.sendErr = ErrNoPeers
	e := newTestEngine(t, tr)
	ctx := context.Background()

	_, err := e.SendToDevice(ctx, "peer-9", TextPayload{Text: "direct"})
	assert.ErrorIs(t, err, ErrNoPeers)
	assert.Zero(t, e.QueueSize())

	tr.sendErr = nil
	env, err := e.SendToDevice(ctx, "peer-9", TextPayload{Text: "direct"})
	require.NoError(t, err)
	assert.Equal(t, []string{"peer-9"}, env.Recipients)
	assert.Len(t, tr.sends["peer-9"], 1)

	_, err = e.SendToDevice(ctx, "", TextPayload{Text: "direct"})
	assert.Error(t, err)
}

func TestReceivedBroadcastIsHandledAndRelayed(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)

	var mu sync.Mutex
	var got []SOSPayload
	e.On(TypeSOS, func(_ context.Context, _ Envelope, p Payload, _ string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.(SOSPayload))
	})

	in := remoteSOS(t, "env-d", 2, 10*time.Second)
	tr.onMessage(rawEnvelope(t, in), "node-b")

	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)
	relayed := tr.sent()[0]
	assert.Equal(t, "env-d", relayed.ID)
	assert.Equal(t, 3, relayed.HopCount)
	assert.Equal(t, "node-b", relayed.Sender)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "alert-env-d", got[0].AlertID)
	mu.Unlock()

	// the relayed copy coming back at the hop limit is not relayed again
	tr.onMessage(rawEnvelope(t, relayed), "node-c")
	fresh := remoteSOS(t, "env-e", 3, time.Second)
	tr.onMessage(rawEnvelope(t, fresh), "node-c")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.sent(), 1)

	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}

func TestReceiveDropsWithoutHandling(t *testing.T) {
	expired := func(t *testing.T) Envelope { return remoteSOS(t, "old", 0, DefaultTTL+time.Second) }
	echoSentinel := func(t *testing.T) Envelope {
		env := remoteSOS(t, "echo-1", 0, 0)
		env.Sender = LocalSender
		return env
	}
	echoNode := func(t *testing.T) Envelope {
		env := remoteSOS(t, "echo-2", 0, 0)
		env.Sender = "node-a"
		return env
	}
	badPayload := func(t *testing.T) Envelope {
		env := remoteSOS(t, "bad", 0, 0)
		env.Payload = json.RawMessage(`{"alert_id":""}`)
		return env
	}

	tests := []struct {
		name  string
		build func(t *testing.T) Envelope
	}{
		{name: "expired", build: expired},
		{name: "local sentinel", build: echoSentinel},
		{name: "own node id", build: echoNode},
		{name: "invalid payload", build: badPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport("fake", true)
			e := newTestEngine(t, tr)

			handled := false
			e.On(TypeSOS, func(context.Context, Envelope, Payload, string) { handled = true })

			tr.onMessage(rawEnvelope(t, tt.build(t)), "node-b")
			time.Sleep(20 * time.Millisecond)

			assert.False(t, handled)
			assert.Empty(t, tr.sent())
		})
	}

	t.Run("malformed", func(t *testing.T) {
		tr := newFakeTransport("fake", true)
		e := newTestEngine(t, tr)
		assert.NotPanics(t, func() { e.HandleEnvelope([]byte("{not json"), "node-b") })
		assert.NotPanics(t, func() { e.HandleEnvelope([]byte(`{"id":"x","type":"gossip","ttl":1}`), "node-b") })
		assert.Empty(t, tr.sent())
	})
}

func TestDuplicateEnvelopeHandledOnce(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)

	var mu sync.Mutex
	calls := 0
	e.On(TypeSOS, func(context.Context, Envelope, Payload, string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	raw := rawEnvelope(t, remoteSOS(t, "dup", 0, 0))
	tr.onMessage(raw, "node-b")
	tr.onMessage(raw, "node-c")

	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Len(t, tr.sent(), 1)
}

func TestUnicastIsNeverRelayed(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)

	handled := make(chan struct{}, 1)
	e.On(TypeSOS, func(context.Context, Envelope, Payload, string) { handled <- struct{}{} })

	env := remoteSOS(t, "direct", 0, 0)
	env.Recipients = []string{"node-a"}
	tr.onMessage(rawEnvelope(t, env), "node-b")

	<-handled
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.sent())
}

func TestHandlerPanicDoesNotStopRelay(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)
	e.On(TypeSOS, func(context.Context, Envelope, Payload, string) { panic("handler bug") })

	require.NotPanics(t, func() {
		tr.onMessage(rawEnvelope(t, remoteSOS(t, "p", 0, 0)), "node-b")
	})
	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelayRateLimit(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := NewEngine(Options{
		NodeID:     "node-a",
		Transports: []Transport{tr},
		RelayRate:  0.001,
		RelayBurst: 1,
		Jitter:     func() time.Duration { return 0 },
		Logger:     quietLogger(),
	})
	defer e.Close(context.Background())
	require.NoError(t, e.Initialize(context.Background()))

	tr.onMessage(rawEnvelope(t, remoteSOS(t, "r1", 0, 0)), "node-b")
	tr.onMessage(rawEnvelope(t, remoteSOS(t, "r2", 0, 0)), "node-b")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.sent(), 1)
}

func TestCloseCancelsPendingRelays(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := NewEngine(Options{
		NodeID:     "node-a",
		Transports: []Transport{tr},
		Jitter:     func() time.Duration { return time.Hour },
		Logger:     quietLogger(),
	})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Start(ctx))

	tr.onFound("peer-1", "one")
	require.Eventually(t, func() bool { return len(e.Peers()) == 1 && e.Peers()[0].Connected }, time.Second, 5*time.Millisecond)

	tr.onMessage(rawEnvelope(t, remoteSOS(t, "late", 0, 0)), "node-b")

	done := make(chan error, 1)
	go func() { done <- e.Close(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close blocked on pending relay")
	}

	assert.Empty(t, tr.sent())
	assert.True(t, tr.closed)
	assert.Equal(t, 1, tr.stops)
	assert.Empty(t, tr.connected)

	_, err := e.Broadcast(ctx, TextPayload{Text: "after close"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoError(t, e.Close(ctx))
}

func TestCloseWaitsForInFlightHandlers(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	e.On(TypeSOS, func(context.Context, Envelope, Payload, string) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	go e.HandleEnvelope(rawEnvelope(t, remoteSOS(t, "first", MaxHops, 0)), "node-b")
	<-entered

	done := make(chan error, 1)
	go func() { done <- e.Close(context.Background()) }()
	select {
	case <-done:
		t.Fatal("close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	e.HandleEnvelope(rawEnvelope(t, remoteSOS(t, "second", 0, 0)), "node-b")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeviceLostRemovesPeer(t *testing.T) {
	tr := newFakeTransport("fake", true)
	e := newTestEngine(t, tr)

	tr.onFound("peer-1", "one")
	tr.onFound("peer-2", "two")
	require.Eventually(t, func() bool { return e.Status().Peers == 2 }, time.Second, 5*time.Millisecond)

	tr.onLost("peer-1")
	peers := e.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-2", peers[0].ID)
}
