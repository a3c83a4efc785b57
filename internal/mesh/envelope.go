package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags the payload carried by an envelope.
type Type string

const (
	TypeSOS     Type = "sos"
	TypeMessage Type = "message"
	TypeStatus  Type = "status"
	TypeRelay   Type = "relay"
)

func (t Type) valid() bool {
	switch t {
	case TypeSOS, TypeMessage, TypeStatus, TypeRelay:
		return true
	}
	return false
}

const (
	// LocalSender marks an envelope originated by this node. It is replaced by
	// the node id when the envelope leaves the process.
	LocalSender = "local"

	// DefaultTTL is the lifetime of a new envelope.
	DefaultTTL = 5 * time.Minute

	// MaxHops is the hop count at which an envelope stops being relayed.
	MaxHops = 3
)

var ErrInvalidEnvelope = errors.New("mesh: invalid envelope")

// Envelope is the unit of mesh transmission. Timestamp and TTL are in milliseconds.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Sender     string          `json:"sender"`
	Recipients []string        `json:"recipients"`
	Timestamp  int64           `json:"timestamp"`
	TTL        int64           `json:"ttl"`
	HopCount   int             `json:"hopCount"`
}

func newEnvelope(p Payload, recipients []string, ttl time.Duration, now time.Time) (Envelope, error) {
	if err := p.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	if recipients == nil {
		recipients = []string{}
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       p.Kind(),
		Payload:    raw,
		Sender:     LocalSender,
		Recipients: recipients,
		Timestamp:  now.UnixMilli(),
		TTL:        ttl.Milliseconds(),
		HopCount:   0,
	}, nil
}

// ParseEnvelope decodes raw and checks the fields every envelope must carry.
// Unknown fields are ignored.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch {
	case env.ID == "":
		return Envelope{}, fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case !env.Type.valid():
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	case env.Timestamp <= 0:
		return Envelope{}, fmt.Errorf("%w: non-positive timestamp", ErrInvalidEnvelope)
	case env.TTL <= 0:
		return Envelope{}, fmt.Errorf("%w: non-positive ttl", ErrInvalidEnvelope)
	case env.HopCount < 0:
		return Envelope{}, fmt.Errorf("%w: negative hop count", ErrInvalidEnvelope)
	}
	return env, nil
}

// Encode serializes the envelope for a transport.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return raw, nil
}

// Expired reports whether more than TTL milliseconds have passed since Timestamp.
// An envelope without a positive timestamp is always expired.
func (e Envelope) Expired(now time.Time) bool {
	if e.Timestamp <= 0 {
		return true
	}
	return now.UnixMilli()-e.Timestamp > e.TTL
}

// IsBroadcast reports whether the envelope has no explicit recipients.
func (e Envelope) IsBroadcast() bool {
	return len(e.Recipients) == 0
}
