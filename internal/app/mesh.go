package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rapid/sos-relay/internal/discovery"
	"rapid/sos-relay/internal/mesh"
	"rapid/sos-relay/internal/mesh/mqttmesh"
	"rapid/sos-relay/internal/sos"
)

const (
	inboxSize          = 100
	hubLookupTimeout   = 3 * time.Second
	gatewayPostTimeout = 10 * time.Second
)

// transports ranks the mesh adapters: an explicit broker, a hub found over mDNS, then this node's own hub.
func (a *App) transports() []mesh.Transport {
	base := mqttmesh.Options{
		NodeID:           a.nodeID,
		NodeName:         a.cfg.NodeName,
		PresenceInterval: a.cfg.MeshPresenceInterval,
		Logger:           a.logger.With("component", "mqttmesh"),
	}

	var out []mesh.Transport
	if a.cfg.MeshBrokerURL != "" {
		opts := base
		opts.Name = "mqtt-static"
		opts.Resolve = mqttmesh.StaticResolver(a.cfg.MeshBrokerURL)
		out = append(out, mqttmesh.New(opts))
	}
	if a.cfg.MeshMDNS {
		opts := base
		opts.Name = "mqtt-mdns"
		opts.Resolve = func(ctx context.Context) (string, error) {
			return discovery.LookupHub(ctx, a.nodeID, hubLookupTimeout)
		}
		out = append(out, mqttmesh.New(opts))
	}
	if port := a.hubPort(); port > 0 {
		opts := base
		opts.Name = "mqtt-local"
		opts.Resolve = mqttmesh.StaticResolver(fmt.Sprintf("tcp://127.0.0.1:%d", port))
		out = append(out, mqttmesh.New(opts))
	}
	return out
}

// ReceivedSOS is an emergency alert that arrived over the mesh.
type ReceivedSOS struct {
	EnvelopeID string          `json:"envelope_id"`
	Sender     string          `json:"sender"`
	From       string          `json:"from"`
	HopCount   int             `json:"hop_count"`
	ReceivedAt time.Time       `json:"received_at"`
	Alert      mesh.SOSPayload `json:"alert"`
	Forwarded  bool            `json:"forwarded"`
}

// inbox keeps the most recent mesh alerts, newest last.
type inbox struct {
	mu    sync.Mutex
	size  int
	items []ReceivedSOS
}

func newInbox(size int) *inbox {
	return &inbox{size: size}
}

func (b *inbox) add(r ReceivedSOS) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, r)
	if len(b.items) > b.size {
		b.items = b.items[len(b.items)-b.size:]
	}
}

func (b *inbox) markForwarded(envelopeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		if b.items[i].EnvelopeID == envelopeID {
			b.items[i].Forwarded = true
		}
	}
}

func (b *inbox) list() []ReceivedSOS {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReceivedSOS{}, b.items...)
}

// handleMeshSOS surfaces a peer's alert and, while online, forwards it to the cloud so any
// connected node acts as a gateway for the mesh.
func (a *App) handleMeshSOS(_ context.Context, env mesh.Envelope, p mesh.Payload, from string) {
	alert, ok := p.(mesh.SOSPayload)
	if !ok {
		return
	}
	location := "unknown"
	if alert.Location != nil {
		location = sos.MapsLink(*alert.Location)
	}
	a.logger.Warn("sos received over mesh",
		"alert", alert.AlertID,
		"sender", env.Sender,
		"name", alert.SenderName,
		"hops", env.HopCount,
		"location", location,
	)
	a.inbox.add(ReceivedSOS{
		EnvelopeID: env.ID,
		Sender:     env.Sender,
		From:       from,
		HopCount:   env.HopCount,
		ReceivedAt: time.Now().UTC(),
		Alert:      alert,
	})

	if a.cloud == nil || !a.monitor.IsOnline() {
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatewayPostTimeout)
		defer cancel()
		if err := a.cloud.ForwardMesh(ctx, alert); err != nil {
			a.logger.Warn("gateway forward failed", "alert", alert.AlertID, "error", err)
			return
		}
		a.inbox.markForwarded(env.ID)
		a.logger.Info("mesh sos forwarded to cloud", "alert", alert.AlertID)
	}()
}

func (a *App) handleMeshMessage(_ context.Context, env mesh.Envelope, p mesh.Payload, from string) {
	if msg, ok := p.(mesh.TextPayload); ok {
		a.logger.Info("mesh message", "sender", env.Sender, "from", from, "text", msg.Text)
	}
}

func (a *App) handleMeshStatus(_ context.Context, env mesh.Envelope, p mesh.Payload, _ string) {
	if st, ok := p.(mesh.StatusPayload); ok {
		a.logger.Debug("peer status", "peer", st.NodeID, "name", st.Name, "online", st.Online, "queue", st.QueueSize)
	}
}
