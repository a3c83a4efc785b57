// Package sos turns a user's distress message into a delivered or durably queued alert.
package sos

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"rapid/sos-relay/internal/channels"
	"rapid/sos-relay/internal/metrics"
	"rapid/sos-relay/internal/model"
)

// ErrNoContacts is returned when a dispatch has nobody to alert.
var ErrNoContacts = errors.New("sos: no contacts to alert")

const (
	DefaultMaxRetries      = 3
	DefaultLocationTimeout = 5 * time.Second

	// fallbackTimeout bounds the queue write and mesh offer, which outlive the caller's context.
	fallbackTimeout = 10 * time.Second
)

// Queue is the durable SOS queue.
type Queue interface {
	QueueSOSMessage(ctx context.Context, alert model.Alert) error
	SOSQueue(ctx context.Context) ([]model.Alert, error)
	UpdateQueuedAlert(ctx context.Context, alert model.Alert) error
	RemoveFromSOSQueue(ctx context.Context, id string) error
}

// Profiles supplies the device owner's profile. A nil profile is not an error.
type Profiles interface {
	Profile(ctx context.Context) (*model.Profile, error)
}

// Contacts supplies the stored emergency contacts for triggered alerts.
type Contacts interface {
	Contacts(ctx context.Context) ([]model.Contact, error)
}

// Network reports current connectivity.
type Network interface {
	IsOnline() bool
}

// Options wires a Coordinator. Cloud, SMS, Mesh, Locator, Profiles and Contacts are optional.
type Options struct {
	Cloud    channels.AlertSender
	SMS      channels.SMSSender
	Mesh     channels.AlertSender
	Queue    Queue
	Profiles Profiles
	Contacts Contacts
	Locator  Locator
	Network  Network

	LocationTimeout time.Duration
	MaxRetries      int
	// ManualDelay is the confirmation countdown used when the profile sets none.
	ManualDelay time.Duration
	CrashDelay  time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result reports what happened to one dispatched alert.
type Result struct {
	Alert       model.Alert `json:"alert"`
	Delivered   bool        `json:"delivered"`
	Queued      bool        `json:"queued"`
	MeshOffered bool        `json:"mesh_offered"`
}

// DrainReport summarizes one pass over the durable queue.
type DrainReport struct {
	Skipped   bool `json:"skipped,omitempty"`
	Offline   bool `json:"offline,omitempty"`
	Attempted int  `json:"attempted"`
	Sent      int  `json:"sent"`
	Retrying  int  `json:"retrying"`
	Failed    int  `json:"failed"`
}

// Coordinator runs the API, SMS, queue fallback chain and drains the queue when connectivity returns.
type Coordinator struct {
	cloud    channels.AlertSender
	sms      channels.SMSSender
	mesh     channels.AlertSender
	queue    Queue
	profiles Profiles
	contacts Contacts
	locator  Locator
	network  Network

	locationTimeout time.Duration
	maxRetries      int
	manualDelay     time.Duration
	crashDelay      time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	draining atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	armMu     sync.Mutex
	countdown map[string]*armed
	wg        sync.WaitGroup
	closed    bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Queue == nil {
		return nil, errors.New("sos queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	locationTimeout := opts.LocationTimeout
	if locationTimeout <= 0 {
		locationTimeout = DefaultLocationTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	manualDelay := opts.ManualDelay
	if manualDelay <= 0 {
		manualDelay = defaultManualDelay
	}
	crashDelay := opts.CrashDelay
	if crashDelay <= 0 {
		crashDelay = defaultCrashDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cloud:           opts.Cloud,
		sms:             opts.SMS,
		mesh:            opts.Mesh,
		queue:           opts.Queue,
		profiles:        opts.Profiles,
		contacts:        opts.Contacts,
		locator:         opts.Locator,
		network:         opts.Network,
		locationTimeout: locationTimeout,
		maxRetries:      maxRetries,
		manualDelay:     manualDelay,
		crashDelay:      crashDelay,
		now:             now,
		logger:          logger,
		metrics:         opts.Metrics,
		entropy:         ulid.Monotonic(rand.Reader, 0),
		ctx:             ctx,
		cancel:          cancel,
		countdown:       make(map[string]*armed),
	}, nil
}

// Dispatch builds an alert from message and pushes it down the fallback chain: the cloud
// API when online, then SMS to every primary contact, then the durable queue plus a
// best-effort mesh broadcast. Channel failures are logged, never returned; the only
// error is ErrNoContacts. A queued alert is reported with Delivered false.
func (c *Coordinator) Dispatch(ctx context.Context, message string, contacts []model.Contact) (Result, error) {
	if len(contacts) == 0 {
		return Result{}, ErrNoContacts
	}

	profile := c.profile(ctx)
	now := c.now()
	location := c.locate(ctx, profile)

	ids := make([]string, 0, len(contacts))
	for _, ct := range contacts {
		ids = append(ids, ct.ID)
	}

	alert := model.Alert{
		ID:         c.newID(now),
		ContactIDs: ids,
		Message:    formatMessage(message, senderName(profile), now, location),
		Location:   location,
		Timestamp:  now,
		Status:     model.StatusPending,
		Method:     model.MethodAPI,
	}
	logger := c.logger.With("alert", alert.ID)
	logger.Info("sos triggered", "contacts", len(contacts), "location", location != nil)

	if c.online() && c.cloud != nil {
		err := c.safeSend(logger, model.MethodAPI, func() error { return c.cloud.SendAlert(ctx, alert) })
		if err != nil {
			logger.Warn("cloud delivery failed, falling back to sms", "error", err)
			c.metrics.ChannelFailure(string(model.MethodAPI))
		} else {
			alert.Status = model.StatusSent
			alert.Method = model.MethodAPI
			logger.Info("sos delivered", "method", alert.Method)
			c.metrics.Dispatch("sent", string(alert.Method))
			return Result{Alert: alert, Delivered: true}, nil
		}
	}

	if c.sendSMS(ctx, logger, alert, contacts) {
		alert.Status = model.StatusSent
		alert.Method = model.MethodSMS
		logger.Info("sos delivered", "method", alert.Method)
		c.metrics.Dispatch("sent", string(alert.Method))
		return Result{Alert: alert, Delivered: true}, nil
	}

	fallbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()

	res := Result{Alert: alert}
	if err := c.queue.QueueSOSMessage(fallbackCtx, alert); err != nil {
		logger.Error("queue sos for later delivery", "error", err)
		c.metrics.Dispatch("lost", string(alert.Method))
	} else {
		res.Queued = true
		logger.Info("sos queued for later delivery")
		c.metrics.Dispatch("queued", string(alert.Method))
		c.refreshDepth(fallbackCtx)
	}

	if c.mesh != nil {
		err := c.safeSend(logger, model.MethodMesh, func() error { return c.mesh.SendAlert(fallbackCtx, alert) })
		if err != nil {
			logger.Warn("mesh offer not delivered", "error", err)
			c.metrics.ChannelFailure(string(model.MethodMesh))
		} else {
			res.MeshOffered = true
		}
	}
	return res, nil
}

// sendSMS texts every primary contact and reports whether at least one accepted.
func (c *Coordinator) sendSMS(ctx context.Context, logger *slog.Logger, alert model.Alert, contacts []model.Contact) bool {
	if c.sms == nil {
		return false
	}
	delivered := 0
	for _, ct := range model.PrimaryContacts(contacts) {
		err := c.safeSend(logger, model.MethodSMS, func() error { return c.sms.SendSMS(ctx, alert.Message, ct.PhoneNumber) })
		if err != nil {
			logger.Warn("sms delivery failed", "contact", ct.ID, "error", err)
			c.metrics.ChannelFailure(string(model.MethodSMS))
			continue
		}
		delivered++
	}
	return delivered > 0
}

// safeSend runs one adapter call, converting a recovered panic into an error.
func (c *Coordinator) safeSend(logger *slog.Logger, method model.DeliveryMethod, send func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("delivery channel panicked", "method", method, "panic", r)
			err = fmt.Errorf("%s channel panicked: %v", method, r)
		}
	}()
	return send()
}

// DrainQueue retries pending alerts over the cloud API, oldest first. It does nothing while
// offline or while another drain is running. Delivered alerts leave the queue; an alert that
// fails MaxRetries times is marked failed and kept for audit.
func (c *Coordinator) DrainQueue(ctx context.Context) (DrainReport, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return DrainReport{Skipped: true}, nil
	}
	defer c.draining.Store(false)

	if !c.online() {
		return DrainReport{Offline: true}, nil
	}
	if c.cloud == nil {
		c.logger.Debug("queue drain skipped, no cloud channel configured")
		return DrainReport{Skipped: true}, nil
	}

	queue, err := c.queue.SOSQueue(ctx)
	if err != nil {
		return DrainReport{}, fmt.Errorf("load sos queue: %w", err)
	}

	var report DrainReport
	for _, alert := range queue {
		if alert.Status != model.StatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		logger := c.logger.With("alert", alert.ID)

		sendErr := c.safeSend(logger, model.MethodAPI, func() error { return c.cloud.SendAlert(ctx, alert) })
		if sendErr == nil {
			if err := c.queue.RemoveFromSOSQueue(ctx, alert.ID); err != nil {
				logger.Error("remove delivered alert from queue", "error", err)
				continue
			}
			report.Sent++
			logger.Info("queued sos delivered", "retries", alert.RetryCount)
			c.metrics.DrainEntry("sent")
			continue
		}
		logger.Warn("queued sos delivery failed", "error", sendErr)
		c.metrics.ChannelFailure(string(model.MethodAPI))

		alert.RetryCount++
		if alert.RetryCount >= c.maxRetries {
			alert.Status = model.StatusFailed
			report.Failed++
			logger.Error("sos delivery abandoned after retries", "retries", alert.RetryCount)
			c.metrics.DrainEntry("failed")
		} else {
			report.Retrying++
			c.metrics.DrainEntry("retry")
		}
		if err := c.queue.UpdateQueuedAlert(ctx, alert); err != nil {
			logger.Error("persist retry count", "error", err)
		}
	}

	c.refreshDepth(ctx)
	if report.Attempted > 0 {
		c.logger.Info("sos queue drained", "attempted", report.Attempted, "sent", report.Sent, "failed", report.Failed)
	}
	return report, nil
}

// SenderName returns the profile name shown in alerts.
func (c *Coordinator) SenderName(ctx context.Context) string {
	return senderName(c.profile(ctx))
}

func (c *Coordinator) profile(ctx context.Context) *model.Profile {
	if c.profiles == nil {
		return nil
	}
	p, err := c.profiles.Profile(ctx)
	if err != nil {
		c.logger.Warn("load profile for sos", "error", err)
		return nil
	}
	return p
}

func (c *Coordinator) online() bool {
	return c.network != nil && c.network.IsOnline()
}

func (c *Coordinator) refreshDepth(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	queue, err := c.queue.SOSQueue(ctx)
	if err != nil {
		return
	}
	pending := 0
	for _, a := range queue {
		if a.Status == model.StatusPending {
			pending++
		}
	}
	c.metrics.QueueDepth(pending)
}

func (c *Coordinator) newID(now time.Time) string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
}
