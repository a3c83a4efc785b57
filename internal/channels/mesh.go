package channels

import (
	"context"
	"fmt"

	"rapid/sos-relay/internal/mesh"
	"rapid/sos-relay/internal/model"
)

// Broadcaster is the part of the mesh engine the alert sender needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, p mesh.Payload) (mesh.Envelope, error)
}

// MeshSender floods an alert to nearby peers. A broadcast that could not reach a peer
// stays in the engine's retry queue and is reported as an error.
type MeshSender struct {
	mesh       Broadcaster
	senderName func(ctx context.Context) string
}

// NewMeshSender wraps b. senderName may be nil.
func NewMeshSender(b Broadcaster, senderName func(ctx context.Context) string) *MeshSender {
	return &MeshSender{mesh: b, senderName: senderName}
}

func (m *MeshSender) Method() model.DeliveryMethod { return model.MethodMesh }

func (m *MeshSender) SendAlert(ctx context.Context, alert model.Alert) error {
	if m == nil || m.mesh == nil {
		return ErrNotConfigured
	}
	name := ""
	if m.senderName != nil {
		name = m.senderName(ctx)
	}
	if _, err := m.mesh.Broadcast(ctx, mesh.SOSPayloadFromAlert(alert, name)); err != nil {
		return fmt.Errorf("mesh broadcast %s: %w", alert.ID, err)
	}
	return nil
}
