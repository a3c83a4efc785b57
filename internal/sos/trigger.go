package sos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"rapid/sos-relay/internal/model"
)

// Trigger names what started an SOS.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCrash  Trigger = "crash"
	TriggerShake  Trigger = "shake"
)

const (
	defaultManualDelay = 5 * time.Second
	defaultCrashDelay  = time.Second

	// CrashThreshold is the acceleration magnitude, in m/s², treated as a possible crash.
	CrashThreshold = 15.0

	manualMessage = "I need immediate help."
	crashMessage  = "Possible crash detected. I may be injured and unable to respond."
	shakeMessage  = "I need help. This alert was triggered by shaking my phone."
)

var (
	ErrTriggerDisabled = errors.New("sos: trigger disabled in profile preferences")
	ErrClosed          = errors.New("sos: coordinator closed")
	ErrUnknownTrigger  = errors.New("sos: unknown trigger")
)

// Countdown describes an armed SOS waiting for its confirmation window to elapse.
type Countdown struct {
	ID      string    `json:"id"`
	Trigger Trigger   `json:"trigger"`
	Message string    `json:"message"`
	FiresAt time.Time `json:"fires_at"`
}

type armed struct {
	Countdown
	timer *time.Timer
}

// Arm starts a cancelable countdown that dispatches an SOS to the stored contacts when it
// elapses. Crash and shake triggers only arm when the profile enables them.
func (c *Coordinator) Arm(ctx context.Context, trigger Trigger, message string) (Countdown, error) {
	profile := c.profile(ctx)

	delay := c.manualDelay
	switch trigger {
	case TriggerManual:
		if profile != nil && profile.Preferences.SOSTimeout > 0 {
			delay = time.Duration(profile.Preferences.SOSTimeout) * time.Second
		}
		if strings.TrimSpace(message) == "" {
			message = manualMessage
		}
	case TriggerShake:
		if profile == nil || !profile.Preferences.EnableShakeToSOS {
			return Countdown{}, ErrTriggerDisabled
		}
		if profile.Preferences.SOSTimeout > 0 {
			delay = time.Duration(profile.Preferences.SOSTimeout) * time.Second
		}
		if strings.TrimSpace(message) == "" {
			message = shakeMessage
		}
	case TriggerCrash:
		if profile == nil || !profile.Preferences.EnableAutoSOS {
			return Countdown{}, ErrTriggerDisabled
		}
		delay = c.crashDelay
		if strings.TrimSpace(message) == "" {
			message = crashMessage
		}
	default:
		return Countdown{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}

	contacts, err := c.storedContacts(ctx)
	if err != nil {
		return Countdown{}, err
	}
	if len(contacts) == 0 {
		return Countdown{}, ErrNoContacts
	}

	c.armMu.Lock()
	defer c.armMu.Unlock()
	if c.closed {
		return Countdown{}, ErrClosed
	}

	now := c.now()
	a := &armed{Countdown: Countdown{
		ID:      c.newID(now),
		Trigger: trigger,
		Message: message,
		FiresAt: now.Add(delay),
	}}
	c.wg.Add(1)
	a.timer = time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.fire(a.ID)
	})
	c.countdown[a.ID] = a

	c.logger.Info("sos armed", "countdown", a.ID, "trigger", trigger, "delay", delay)
	return a.Countdown, nil
}

// Cancel aborts an armed countdown. It reports false if id already fired or is unknown.
func (c *Coordinator) Cancel(id string) bool {
	c.armMu.Lock()
	defer c.armMu.Unlock()

	a, ok := c.countdown[id]
	if !ok {
		return false
	}
	delete(c.countdown, id)
	if a.timer.Stop() {
		c.wg.Done()
	}
	c.logger.Info("sos countdown cancelled", "countdown", id)
	return true
}

// Pending lists armed countdowns, soonest first.
func (c *Coordinator) Pending() []Countdown {
	c.armMu.Lock()
	out := make([]Countdown, 0, len(c.countdown))
	for _, a := range c.countdown {
		out = append(out, a.Countdown)
	}
	c.armMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FiresAt.Before(out[j].FiresAt) })
	return out
}

// ReportMotion feeds one accelerometer sample. A magnitude above CrashThreshold arms a crash countdown.
func (c *Coordinator) ReportMotion(ctx context.Context, x, y, z float64) (Countdown, bool, error) {
	if math.Sqrt(x*x+y*y+z*z) <= CrashThreshold {
		return Countdown{}, false, nil
	}
	c.logger.Warn("high acceleration detected", "x", x, "y", y, "z", z)
	cd, err := c.Arm(ctx, TriggerCrash, "")
	if err != nil {
		return Countdown{}, false, err
	}
	return cd, true, nil
}

// Close cancels every armed countdown and waits for in-flight dispatches to finish.
func (c *Coordinator) Close() {
	c.armMu.Lock()
	if c.closed {
		c.armMu.Unlock()
		return
	}
	c.closed = true
	for id, a := range c.countdown {
		if a.timer.Stop() {
			c.wg.Done()
		}
		delete(c.countdown, id)
	}
	c.armMu.Unlock()

	c.wg.Wait()
	c.cancel()
}

func (c *Coordinator) fire(id string) {
	c.armMu.Lock()
	a, ok := c.countdown[id]
	if ok {
		delete(c.countdown, id)
	}
	c.armMu.Unlock()
	if !ok {
		return
	}

	contacts, err := c.storedContacts(c.ctx)
	if err != nil {
		c.logger.Error("load contacts for armed sos", "countdown", id, "error", err)
		return
	}
	res, err := c.Dispatch(c.ctx, a.Message, contacts)
	if err != nil {
		c.logger.Error("armed sos not dispatched", "countdown", id, "error", err)
		return
	}
	c.logger.Info("armed sos dispatched",
		"countdown", id,
		"trigger", a.Trigger,
		"alert", res.Alert.ID,
		"delivered", res.Delivered,
		"queued", res.Queued,
	)
}

func (c *Coordinator) storedContacts(ctx context.Context) ([]model.Contact, error) {
	if c.contacts == nil {
		return nil, nil
	}
	contacts, err := c.contacts.Contacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	return contacts, nil
}
