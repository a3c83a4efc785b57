package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rapid/sos-relay/internal/model"
)

// Payload is one of the envelope body variants.
type Payload interface {
	Kind() Type
	Validate() error
}

// SOSPayload carries an emergency alert across the mesh.
type SOSPayload struct {
	AlertID    string          `json:"alert_id"`
	SenderName string          `json:"sender_name,omitempty"`
	Message    string          `json:"message"`
	Location   *model.Location `json:"location,omitempty"`
	ContactIDs []string        `json:"contact_ids,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (SOSPayload) Kind() Type { return TypeSOS }

func (p SOSPayload) Validate() error {
	if strings.TrimSpace(p.AlertID) == "" {
		return errors.New("sos payload: alert_id is required")
	}
	if strings.TrimSpace(p.Message) == "" {
		return errors.New("sos payload: message is required")
	}
	return nil
}

// SOSPayloadFromAlert copies the fields of alert that travel over the mesh.
func SOSPayloadFromAlert(alert model.Alert, senderName string) SOSPayload {
	return SOSPayload{
		AlertID:    alert.ID,
		SenderName: senderName,
		Message:    alert.Message,
		Location:   alert.Location,
		ContactIDs: alert.ContactIDs,
		CreatedAt:  alert.Timestamp,
	}
}

// TextPayload is a free-form chat message.
type TextPayload struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

func (TextPayload) Kind() Type { return TypeMessage }

func (p TextPayload) Validate() error {
	if p.Text == "" {
		return errors.New("message payload: text is required")
	}
	return nil
}

// StatusPayload announces a node's state to its neighbours.
type StatusPayload struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name,omitempty"`
	Online    bool   `json:"online"`
	QueueSize int    `json:"queue_size"`
}

func (StatusPayload) Kind() Type { return TypeStatus }

func (p StatusPayload) Validate() error {
	if p.NodeID == "" {
		return errors.New("status payload: node_id is required")
	}
	if p.QueueSize < 0 {
		return errors.New("status payload: queue_size must not be negative")
	}
	return nil
}

// RelayPayload asks neighbours to carry Body towards Target.
type RelayPayload struct {
	Target string          `json:"target"`
	Body   json.RawMessage `json:"body"`
}

func (RelayPayload) Kind() Type { return TypeRelay }

func (p RelayPayload) Validate() error {
	if p.Target == "" {
		return errors.New("relay payload: target is required")
	}
	if len(p.Body) == 0 {
		return errors.New("relay payload: body is required")
	}
	return nil
}

// DecodePayload unmarshals env.Payload into the variant selected by env.Type and validates it.
func DecodePayload(env Envelope) (Payload, error) {
	var p Payload
	switch env.Type {
	case TypeSOS:
		var v SOSPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		p = v
	case TypeMessage:
		var v TextPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		p = v
	case TypeStatus:
		var v StatusPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		p = v
	case TypeRelay:
		var v RelayPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return p, nil
}
