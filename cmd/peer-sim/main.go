package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"rapid/sos-relay/internal/mesh"
	"rapid/sos-relay/internal/mesh/mqttmesh"
	"rapid/sos-relay/internal/model"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT hub address, e.g. tcp://localhost:1883")
	nodeID := flag.String("node-id", "", "Simulated peer identifier (random when empty)")
	name := flag.String("name", "sim-peer", "Display name announced to other peers")
	interval := flag.Duration("interval", 10*time.Second, "Interval between status broadcasts")
	sosAfter := flag.Duration("sos-after", 0, "Broadcast one simulated SOS after this delay (0 disables)")
	sosMessage := flag.String("sos-message", "Simulated emergency from peer-sim", "Message carried by the simulated SOS")
	lat := flag.Float64("lat", 0, "Latitude attached to the simulated SOS")
	lon := flag.Float64("lon", 0, "Longitude attached to the simulated SOS")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	id := *nodeID
	if id == "" {
		id = "sim-" + uuid.NewString()[:8]
	}

	transport := mqttmesh.New(mqttmesh.Options{
		Name:     "mqtt-sim",
		NodeID:   id,
		NodeName: *name,
		Resolve:  mqttmesh.StaticResolver(*brokerAddr),
		Logger:   logger.With("component", "mqttmesh"),
	})
	engine := mesh.NewEngine(mesh.Options{
		NodeID:     id,
		Transports: []mesh.Transport{transport},
		Logger:     logger,
	})

	engine.On(mesh.TypeSOS, func(_ context.Context, env mesh.Envelope, p mesh.Payload, from string) {
		alert := p.(mesh.SOSPayload)
		logger.Warn("sos received", "alert", alert.AlertID, "name", alert.SenderName, "message", alert.Message,
			"sender", env.Sender, "via", from, "hops", env.HopCount)
	})
	engine.On(mesh.TypeMessage, func(_ context.Context, env mesh.Envelope, p mesh.Payload, _ string) {
		logger.Info("message received", "sender", env.Sender, "text", p.(mesh.TextPayload).Text)
	})
	engine.On(mesh.TypeStatus, func(_ context.Context, _ mesh.Envelope, p mesh.Payload, _ string) {
		st := p.(mesh.StatusPayload)
		logger.Debug("status received", "peer", st.NodeID, "name", st.Name, "online", st.Online, "queued", st.QueueSize)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Initialize(ctx); err != nil {
		logger.Error("failed to initialize mesh", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start mesh", "error", err)
		os.Exit(1)
	}
	logger.Info("peer simulator running", "node", id, "broker", *brokerAddr, "adapter", engine.Status().Adapter)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var sosTimer <-chan time.Time
	if *sosAfter > 0 {
		sosTimer = time.After(*sosAfter)
	}

	announce := func() {
		payload := mesh.StatusPayload{NodeID: id, Name: *name, QueueSize: engine.QueueSize()}
		env, err := engine.Broadcast(ctx, payload)
		if err != nil {
			logger.Warn("status broadcast queued", "envelope", env.ID, "error", err)
			return
		}
		logger.Debug("status broadcast", "envelope", env.ID, "peers", len(engine.Peers()))
	}

	announce()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, leaving mesh")
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := engine.Close(closeCtx); err != nil {
				logger.Warn("mesh close", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if n, err := engine.ProcessQueue(ctx); err == nil && n > 0 {
				logger.Info("flushed queued envelopes", "count", n)
			}
			announce()
		case <-sosTimer:
			sosTimer = nil
			if err := broadcastSOS(ctx, logger, engine, *name, *sosMessage, *lat, *lon); err != nil {
				logger.Warn("simulated sos queued", "error", err)
			}
		}
	}
}

func broadcastSOS(ctx context.Context, logger *slog.Logger, engine *mesh.Engine, name, message string, lat, lon float64) error {
	now := time.Now().UTC()
	alert := model.Alert{
		ID:        uuid.NewString(),
		Message:   message,
		Timestamp: now,
		Status:    model.StatusPending,
		Method:    model.MethodMesh,
	}
	if lat != 0 || lon != 0 {
		alert.Location = &model.Location{Latitude: lat, Longitude: lon, Timestamp: now}
	}
	env, err := engine.Broadcast(ctx, mesh.SOSPayloadFromAlert(alert, name))
	if err != nil {
		return fmt.Errorf("broadcast sos %s: %w", alert.ID, err)
	}
	logger.Info("simulated sos broadcast", "alert", alert.ID, "envelope", env.ID)
	return nil
}
