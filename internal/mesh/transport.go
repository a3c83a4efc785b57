package mesh

import "context"

// Transport physically moves envelope bytes between peers. Implementations
// must be safe for concurrent use; callbacks may fire on any goroutine.
type Transport interface {
	Name() string
	// Available is a cheap capability probe used to rank transports.
	Available(ctx context.Context) bool
	Initialize(ctx context.Context) error

	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error

	// Broadcast delivers data to every reachable peer. It fails if no peer could be reached.
	Broadcast(ctx context.Context, data []byte) error
	Send(ctx context.Context, peerID string, data []byte) error
	Connect(ctx context.Context, peerID string) error
	Disconnect(ctx context.Context, peerID string) error

	OnMessage(func(data []byte, from string))
	OnDeviceFound(func(peerID, name string))
	OnDeviceLost(func(peerID string))

	Close() error
}
