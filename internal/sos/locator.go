package sos

import (
	"context"
	"errors"
	"time"

	"rapid/sos-relay/internal/model"
)

// ErrNoFix is returned by locators that have no position to report.
var ErrNoFix = errors.New("sos: no location fix")

// Locator produces the device's current position.
type Locator interface {
	Locate(ctx context.Context) (*model.Location, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (*model.Location, error)

func (f LocatorFunc) Locate(ctx context.Context) (*model.Location, error) { return f(ctx) }

// FixedLocator reports a configured position, for nodes installed at a known site.
type FixedLocator struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Now       func() time.Time
}

func (l FixedLocator) Locate(context.Context) (*model.Location, error) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return &model.Location{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Accuracy:  l.Accuracy,
		Timestamp: now(),
	}, nil
}

type fix struct {
	loc *model.Location
	err error
}

// locate asks the locator for a fix but never waits longer than the location timeout.
// Without a live fix it falls back to the profile's last known position, then to nil.
func (c *Coordinator) locate(ctx context.Context, profile *model.Profile) *model.Location {
	if c.locator != nil {
		lctx, cancel := context.WithTimeout(ctx, c.locationTimeout)
		defer cancel()

		ch := make(chan fix, 1)
		go func() {
			loc, err := c.locator.Locate(lctx)
			ch <- fix{loc: loc, err: err}
		}()

		select {
		case f := <-ch:
			if f.err == nil && f.loc != nil {
				return f.loc
			}
			if f.err != nil && !errors.Is(f.err, ErrNoFix) {
				c.logger.Warn("location lookup failed", "error", f.err)
			}
		case <-lctx.Done():
			c.logger.Warn("location lookup timed out", "timeout", c.locationTimeout)
		}
	}

	if profile != nil && profile.Location != nil {
		return profile.Location
	}
	return nil
}
