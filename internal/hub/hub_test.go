package hub

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := h.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func connectClient(t *testing.T, h *Hub, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + h.Addr().String()).
		SetClientID(id).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func subscribe(t *testing.T, c mqtt.Client, filter string) <-chan mqtt.Message {
	t.Helper()
	ch := make(chan mqtt.Message, 8)
	tok := c.Subscribe(filter, 0, func(_ mqtt.Client, m mqtt.Message) { ch <- m })
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	return ch
}

func publish(t *testing.T, c mqtt.Client, topic, payload string) {
	t.Helper()
	tok := c.Publish(topic, 0, false, payload)
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
}

func expectMessage(t *testing.T, ch <-chan mqtt.Message, topic, payload string) {
	t.Helper()
	select {
	case m := <-ch:
		assert.Equal(t, topic, m.Topic())
		assert.Equal(t, payload, string(m.Payload()))
	case <-time.After(2 * time.Second):
		t.Fatalf("no message on %s", topic)
	}
}

func expectSilence(t *testing.T, ch <-chan mqtt.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message on %s", m.Topic())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWildcardFanOut(t *testing.T) {
	h := startHub(t)
	a := connectClient(t, h, "a")
	b := connectClient(t, h, "b")
	c := connectClient(t, h, "c")

	plus := subscribe(t, b, "rapid/mesh/peer/+")
	hash := subscribe(t, c, "rapid/#")
	own := subscribe(t, a, "rapid/mesh/peer/+")

	publish(t, a, "rapid/mesh/peer/b", "hello")

	expectMessage(t, plus, "rapid/mesh/peer/b", "hello")
	expectMessage(t, hash, "rapid/mesh/peer/b", "hello")
	expectSilence(t, own)

	require.Eventually(t, func() bool { return h.ClientCount() == 3 }, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeRemovesOnlyNamedFilter(t *testing.T) {
	h := startHub(t)
	pub := connectClient(t, h, "pub")
	sub := connectClient(t, h, "sub")

	first := subscribe(t, sub, "a/one")
	second := subscribe(t, sub, "a/two")

	tok := sub.Unsubscribe("a/one")
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())

	publish(t, pub, "a/one", "x")
	publish(t, pub, "a/two", "y")

	expectMessage(t, second, "a/two", "y")
	expectSilence(t, first)
}

func TestServerPublishAndHandler(t *testing.T) {
	h := startHub(t)

	var seen atomic.Int32
	h.SetPublishHandler(func(_ context.Context, m Message) {
		if m.ClientID == "pub" {
			seen.Add(1)
		}
		panic("handler failure must not kill the session")
	})

	pub := connectClient(t, h, "pub")
	sub := connectClient(t, h, "sub")
	ch := subscribe(t, sub, "status/#")

	publish(t, pub, "status/a", "1")
	expectMessage(t, ch, "status/a", "1")
	assert.Equal(t, int32(1), seen.Load())

	require.NoError(t, h.Publish("status/hub", []byte("2")))
	expectMessage(t, ch, "status/hub", "2")

	assert.Error(t, h.Publish("status/+", nil))
}

func TestWillPublishedOnAbruptDisconnect(t *testing.T) {
	h := startHub(t)
	watcher := connectClient(t, h, "watcher")
	wills := subscribe(t, watcher, "presence/+")

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)

	_, err = conn.Write(connectWithWill("dying", "presence/dying", "gone"))
	require.NoError(t, err)

	ack := make([]byte, 4)
	_, err = io.ReadFull(bufio.NewReader(conn), ack)
	require.NoError(t, err)
	assert.Equal(t, connAckAccepted, ack)

	require.NoError(t, conn.Close())
	expectMessage(t, wills, "presence/dying", "gone")
}

func TestWillSkippedOnCleanDisconnect(t *testing.T) {
	h := startHub(t)
	watcher := connectClient(t, h, "watcher")
	wills := subscribe(t, watcher, "presence/+")

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(connectWithWill("leaving", "presence/leaving", "gone"))
	require.NoError(t, err)
	ack := make([]byte, 4)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)

	_, err = conn.Write([]byte{packetDisconnect << 4, 0x00})
	require.NoError(t, err)
	expectSilence(t, wills)
}

func TestPacketBeforeConnectClosesSession(t *testing.T) {
	h := startHub(t)

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{packetPingReq << 4, 0x00})
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	h := New(nil)
	errCh, err := h.Start("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	_, open := <-errCh
	assert.False(t, open)
	assert.Nil(t, h.Addr())
}

func connectWithWill(clientID, topic, message string) []byte {
	var body []byte
	body = appendString(body, "MQTT")
	body = append(body, 4, flagWill, 0, 0)
	body = appendString(body, clientID)
	body = appendString(body, topic)
	body = appendString(body, message)

	packet := []byte{packetConnect << 4}
	packet = append(packet, encodeRemainingLength(len(body))...)
	return append(packet, body...)
}

func appendString(b []byte, s string) []byte {
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}
