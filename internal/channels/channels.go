// Package channels holds the delivery adapters the SOS coordinator falls back through.
package channels

import (
	"context"
	"errors"

	"rapid/sos-relay/internal/model"
)

// ErrNotConfigured is returned by adapters whose endpoint was left empty.
var ErrNotConfigured = errors.New("channels: adapter not configured")

// AlertSender delivers a whole alert over one channel.
type AlertSender interface {
	Method() model.DeliveryMethod
	SendAlert(ctx context.Context, alert model.Alert) error
}

// SMSSender delivers a text body to a single phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, body, phone string) error
}

// SMSFunc adapts a function to SMSSender.
type SMSFunc func(ctx context.Context, body, phone string) error

func (f SMSFunc) SendSMS(ctx context.Context, body, phone string) error {
	return f(ctx, body, phone)
}
