package ports

import (
	"context"
	"meshcoord/internal/domain"
)

// Cluster is one addressable cluster on a device endpoint.
type Cluster interface {
	Issue(ctx context.Context, command string, payload domain.Payload) (domain.Response, error)
	Read(ctx context.Context, attribute string) (domain.Response, error)
}

// Binding ties a capability to the cluster that serves it and to the parsers
// translating between capability values and wire payloads.
type Binding struct {
	ClusterID string
	Cluster   Cluster

	// SetCommand may depend on the requested value (on/off for a switch).
	SetCommand func(v domain.Value) (string, error)
	SetParser  func(v domain.Value) (domain.Payload, error)
	// Quantize is optional and maps a requested value onto what the device
	// will report back, so a write and the next report compare equal.
	Quantize func(v domain.Value) (domain.Value, error)

	Attribute string
	// GetParser is optional and runs before the read is issued.
	GetParser    func() (domain.Payload, error)
	ReportParser func(r domain.Response) (domain.Value, error)
}

func (b Binding) CanSet() bool { return b.SetCommand != nil && b.SetParser != nil }

func (b Binding) CanGet() bool { return b.Attribute != "" && b.ReportParser != nil }

type CapabilityResolver interface {
	Resolve(deviceID, capabilityID, clusterID string) (Binding, error)
}

type Notifier interface {
	OnValueSettled(ctx context.Context, s domain.Settled)
}
