package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"rapid/sos-relay/internal/channels"
	"rapid/sos-relay/internal/config"
	"rapid/sos-relay/internal/discovery"
	"rapid/sos-relay/internal/hub"
	"rapid/sos-relay/internal/mesh"
	"rapid/sos-relay/internal/metrics"
	"rapid/sos-relay/internal/netmon"
	"rapid/sos-relay/internal/sos"
	"rapid/sos-relay/internal/store"
)

const nodeIDSetting = "node_id"

// App wires together the relay node services and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	nodeID string

	store       *store.Store
	monitor     *netmon.Monitor
	hub         *hub.Hub
	hubErrs     <-chan error
	advertiser  *discovery.Advertiser
	engine      *mesh.Engine
	cloud       *channels.CloudSender
	coordinator *sos.Coordinator
	scheduler   *cron.Cron
	inbox       *inbox

	unsubscribe func()
	ready       atomic.Bool
	// background tracks drains and gateway forwards started outside the errgroup.
	background sync.WaitGroup
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, inbox: newInbox(inboxSize)}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		a.teardown()
		return err
	}
	defer a.teardown()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})

	g.Go(func() error { return a.monitor.Run(gctx) })

	g.Go(func() error {
		a.startMesh(gctx)
		return nil
	})

	if a.hubErrs != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-a.hubErrs:
				if ok && err != nil {
					return fmt.Errorf("mesh hub: %w", err)
				}
				return nil
			}
		})
	}

	a.scheduler.Start()
	a.ready.Store(true)

	err := g.Wait()
	a.ready.Store(false)
	return err
}

// setup opens storage and constructs every service. Nothing is started except the hub.
func (a *App) setup(ctx context.Context) error {
	a.metrics = metrics.New()

	db, err := store.Open(ctx, store.Options{
		Backend:           a.cfg.StoreBackend,
		DatabasePath:      a.cfg.DatabasePath,
		BadgerDir:         a.cfg.BadgerDir,
		PlaintextFallback: a.cfg.SecurePlaintextFallback,
		Logger:            a.logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = db

	if a.nodeID, err = a.resolveNodeID(ctx); err != nil {
		return err
	}
	a.logger = a.logger.With("node", a.nodeID)
	a.logger.Info("relay node starting", "name", a.cfg.NodeName, "store", db.Diagnostics().Backend)

	a.monitor = a.newMonitor()

	if a.cfg.HubBind != "" {
		if err := a.startHub(); err != nil {
			return err
		}
	}

	a.engine = mesh.NewEngine(mesh.Options{
		NodeID:     a.nodeID,
		Transports: a.transports(),
		RetryLimit: a.cfg.MeshRetryLimit,
		SeenSize:   a.cfg.MeshSeenSize,
		RelayRate:  a.cfg.MeshRelayRate,
		Logger:     a.logger.With("component", "mesh"),
		Metrics:    a.metrics,
	})
	a.engine.On(mesh.TypeSOS, a.handleMeshSOS)
	a.engine.On(mesh.TypeMessage, a.handleMeshMessage)
	a.engine.On(mesh.TypeStatus, a.handleMeshStatus)

	if a.cfg.CloudAPIURL != "" {
		a.cloud = channels.NewCloudSender(channels.CloudOptions{
			BaseURL: a.cfg.CloudAPIURL,
			Token:   a.cfg.CloudAPIToken,
			Logger:  a.logger.With("component", "cloud"),
		})
	}

	opts := sos.Options{
		Queue:           a.store,
		Profiles:        a.store,
		Contacts:        a.store,
		Network:         a.monitor,
		LocationTimeout: a.cfg.LocationTimeout,
		Logger:          a.logger.With("component", "sos"),
		Metrics:         a.metrics,
	}
	if a.cloud != nil {
		opts.Cloud = a.cloud
	}
	if a.cfg.SMSGatewayURL != "" {
		opts.SMS = channels.NewSMSGateway(channels.SMSOptions{
			Endpoint: a.cfg.SMSGatewayURL,
			APIKey:   a.cfg.SMSAPIKey,
			UserID:   a.cfg.SMSUserID,
			Password: a.cfg.SMSPassword,
			SenderID: a.cfg.SMSSenderID,
			Logger:   a.logger.With("component", "sms"),
		})
	}
	if a.cfg.LocationLat != nil && a.cfg.LocationLon != nil {
		opts.Locator = sos.FixedLocator{Latitude: *a.cfg.LocationLat, Longitude: *a.cfg.LocationLon}
	}
	opts.Mesh = channels.NewMeshSender(a.engine, a.senderName)

	if a.coordinator, err = sos.New(opts); err != nil {
		return fmt.Errorf("create sos coordinator: %w", err)
	}

	a.unsubscribe = a.monitor.OnChange(a.handleConnectivity)
	a.metrics.Online(a.monitor.IsOnline())

	if a.scheduler, err = a.newScheduler(); err != nil {
		return err
	}
	return nil
}

func (a *App) newMonitor() *netmon.Monitor {
	probeURL := a.cfg.ProbeURL
	if probeURL == "" {
		probeURL = a.cfg.CloudAPIURL
	}
	opts := netmon.Options{
		Interval: a.cfg.ProbeInterval,
		Logger:   a.logger.With("component", "netmon"),
	}
	if probeURL != "" {
		opts.Prober = &netmon.HTTPProber{URL: probeURL}
	}
	return netmon.New(opts)
}

func (a *App) startHub() error {
	h := hub.New(a.logger.With("component", "hub"))
	h.SetPublishHandler(func(_ context.Context, msg hub.Message) {
		a.logger.Debug("hub publish", "client", msg.ClientID, "topic", msg.Topic, "bytes", len(msg.Payload))
	})
	errs, err := h.Start(a.cfg.HubBind)
	if err != nil {
		return fmt.Errorf("start mesh hub: %w", err)
	}
	a.hub = h
	a.hubErrs = errs

	if !a.cfg.HubAdvertise {
		return nil
	}
	ad, err := discovery.Advertise(discovery.Advertisement{
		NodeID:   a.nodeID,
		NodeName: a.cfg.NodeName,
		MQTTPort: a.hubPort(),
		HTTPPort: a.cfg.HTTPPort,
	}, a.logger.With("component", "mdns"))
	if err != nil {
		a.logger.Warn("mdns advertisement failed", "error", err)
		return nil
	}
	a.advertiser = ad
	return nil
}

func (a *App) hubPort() int {
	if a.hub == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(a.hub.Addr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// resolveNodeID prefers configuration, then the id persisted by a previous run, then a fresh one.
func (a *App) resolveNodeID(ctx context.Context) (string, error) {
	if a.cfg.NodeID != "" {
		return a.cfg.NodeID, nil
	}
	var id string
	ok, err := a.store.Setting(ctx, nodeIDSetting, &id)
	if err != nil {
		return "", fmt.Errorf("load node id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := a.store.SaveSetting(ctx, nodeIDSetting, id); err != nil {
		return "", fmt.Errorf("save node id: %w", err)
	}
	return id, nil
}

func (a *App) senderName(ctx context.Context) string {
	if a.coordinator == nil {
		return ""
	}
	return a.coordinator.SenderName(ctx)
}

// handleConnectivity drains the SOS queue whenever the node comes back online.
func (a *App) handleConnectivity(online bool) {
	a.metrics.Online(online)
	if !online {
		a.logger.Warn("network offline, alerts will fall back to sms and the queue")
		return
	}
	a.logger.Info("network online, draining sos queue")
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		a.drain("connectivity")
	}()
}

func (a *App) drain(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	report, err := a.coordinator.DrainQueue(ctx)
	if err != nil {
		a.logger.Error("sos queue drain failed", "reason", reason, "error", err)
		return
	}
	if report.Attempted > 0 {
		a.logger.Info("sos queue drain finished", "reason", reason, "sent", report.Sent, "failed", report.Failed)
	}
}

func (a *App) startMesh(ctx context.Context) {
	if err := a.engine.Initialize(ctx); err != nil {
		a.logger.Error("mesh initialize", "error", err)
		return
	}
	if err := a.engine.Start(ctx); err != nil {
		a.logger.Warn("mesh discovery not started", "error", err)
	}
}

func (a *App) teardown() {
	a.ready.Store(false)
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.engine != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.engine.Close(closeCtx); err != nil {
			a.logger.Error("close mesh engine", "error", err)
		}
		cancel()
	}
	a.background.Wait()
	a.advertiser.Stop()
	if a.hub != nil {
		if err := a.hub.Stop(); err != nil {
			a.logger.Error("stop mesh hub", "error", err)
		}
		a.logger.Info("mesh hub stopped")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}
