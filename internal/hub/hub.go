// Package hub is a small embedded MQTT 3.1.1 broker that lets mesh peers on
// the same network exchange envelopes. It speaks QoS 0 only and keeps no
// retained messages or persistent sessions.
package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a QoS 0 publish seen by the hub.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each publish received from a client.
type Handler func(context.Context, Message)

type clientSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	clientID  string
	keepAlive time.Duration
	will      *Message
	closed    atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if matchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscriptions(filters []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, f := range filters {
		c.subscriptions[f] = struct{}{}
	}
}

func (c *clientSession) removeSubscriptions(filters []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, f := range filters {
		delete(c.subscriptions, f)
	}
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Hub accepts MQTT clients and fans publishes out to matching subscribers.
type Hub struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a hub with the supplied logger.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{logger: logger, clients: make(map[*clientSession]struct{})}
	h.handler.Store(Handler(func(context.Context, Message) {}))
	return h
}

// Start begins listening for MQTT clients on bind.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (h *Hub) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("hub listen: %w", err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	errCh := make(chan error, 1)

	h.logger.Info("mesh hub listening", "addr", ln.Addr().String())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if h.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					h.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("hub accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			h.addClient(session)

			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ClientCount is the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Stop closes the listener and every session, then waits for their goroutines.
func (h *Hub) Stop() error {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	h.mu.Lock()
	ln := h.listener
	h.listener = nil
	h.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	h.clientsMu.Lock()
	for session := range h.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	h.clients = make(map[*clientSession]struct{})
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (h *Hub) SetPublishHandler(fn Handler) {
	if fn == nil {
		fn = func(context.Context, Message) {}
	}
	h.handler.Store(fn)
}

// Publish sends a QoS 0 message to every client subscribed to topic.
func (h *Hub) Publish(topic string, payload []byte) error {
	if err := validateTopicName(topic); err != nil {
		return err
	}
	h.forward(topic, payload, nil)
	return nil
}

func (h *Hub) addClient(session *clientSession) {
	h.clientsMu.Lock()
	h.clients[session] = struct{}{}
	h.clientsMu.Unlock()
}

func (h *Hub) removeClient(session *clientSession) {
	h.clientsMu.Lock()
	delete(h.clients, session)
	h.clientsMu.Unlock()
}

func (h *Hub) handleConn(session *clientSession) {
	graceful := false
	defer func() {
		session.closed.Store(true)
		h.removeClient(session)
		_ = session.conn.Close()
		if !graceful && session.will != nil && !h.shuttingDown.Load() {
			h.logger.Debug("publishing will", "client", session.clientID, "topic", session.will.Topic)
			h.forward(session.will.Topic, session.will.Payload, session)
		}
	}()

	ctx := context.Background()
	connected := false

	for {
		if session.keepAlive > 0 {
			_ = session.conn.SetReadDeadline(time.Now().Add(session.keepAlive * 3 / 2))
		}

		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("read header error", "client", session.clientID, "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			h.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			h.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			h.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				h.logger.Debug("duplicate connect", "client", session.clientID)
				return
			}
			if err := h.handleConnect(session, payload); err != nil {
				h.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, err := parsePublish(header, payload)
			if err != nil {
				h.logger.Debug("parse publish error", "client", session.clientID, "error", err)
				return
			}
			msg.ClientID = session.clientID
			if fn, ok := h.handler.Load().(Handler); ok {
				safeInvoke(fn, ctx, msg, h.logger)
			}
			h.forward(msg.Topic, msg.Payload, session)
		case packetSubscribe:
			if err := h.handleSubscribe(session, payload); err != nil {
				h.logger.Debug("handle subscribe error", "client", session.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := h.handleUnsubscribe(session, payload); err != nil {
				h.logger.Debug("handle unsubscribe error", "client", session.clientID, "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket(pingResp); err != nil {
				h.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			graceful = true
			return
		default:
			h.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (h *Hub) handleConnect(session *clientSession, payload []byte) error {
	p, err := parseConnect(payload)
	if err != nil {
		return err
	}

	if p.clientID == "" {
		p.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = p.clientID
	session.keepAlive = time.Duration(p.keepAlive) * time.Second
	session.will = p.will

	if err := session.writePacket(connAckAccepted); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	h.logger.Debug("hub client connected", "client", p.clientID, "will", p.will != nil)
	return nil
}

func (h *Hub) handleSubscribe(session *clientSession, payload []byte) error {
	packetID, filters, err := parseTopicList(payload, true)
	if err != nil {
		return err
	}
	session.addSubscriptions(filters)

	packet, err := buildSubAck(packetID, len(filters))
	if err != nil {
		return err
	}
	return session.writePacket(packet)
}

func (h *Hub) handleUnsubscribe(session *clientSession, payload []byte) error {
	packetID, filters, err := parseTopicList(payload, false)
	if err != nil {
		return err
	}
	session.removeSubscriptions(filters)
	return session.writePacket(buildUnsubAck(packetID))
}

// forward delivers to every matching subscriber except the publishing session.
func (h *Hub) forward(topic string, payload []byte, exclude *clientSession) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for session := range h.clients {
		if session == exclude {
			continue
		}
		if session.subscribed(topic) {
			if err := session.writePacket(packet); err != nil {
				h.logger.Debug("forward publish failed", "client", session.clientID, "error", err)
			}
		}
	}
}

func safeInvoke(fn Handler, ctx context.Context, msg Message, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	fn(ctx, msg)
}
