package usecase

import (
	"fmt"
	"meshcoord/internal/domain"
	"meshcoord/internal/metrics"
	"meshcoord/internal/ports"
	"meshcoord/internal/state"
	"time"

	"github.com/raulk/clock"
)

type Options struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	DebounceWindow time.Duration
	Clock          clock.Clock
	Metrics        *metrics.Metrics
}

// Coordinator wires the write, read and debounce paths of every device onto
// one scheduler and one state store.
type Coordinator struct {
	Resolver ports.CapabilityResolver
	States   *state.Store

	writer Writer
	reader Reader
}

func NewCoordinator(s ports.Scheduler, r ports.CapabilityResolver, n ports.Notifier, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}

	states := state.New()
	updates := &Debouncer{
		States:   states,
		Notifier: n,
		Clock:    opts.Clock,
		Window:   opts.DebounceWindow,
		Metrics:  opts.Metrics,
	}
	return &Coordinator{
		Resolver: r,
		States:   states,
		writer: Writer{
			S:       s,
			States:  states,
			Updates: updates,
			Clock:   opts.Clock,
			Timeout: opts.WriteTimeout,
		},
		reader: Reader{
			S:       s,
			States:  states,
			Updates: updates,
			Clock:   opts.Clock,
			Timeout: opts.ReadTimeout,
			Metrics: opts.Metrics,
		},
	}
}

// Device returns the handle for the device with the given address.
func (c *Coordinator) Device(id string) *Device {
	return &Device{ID: id, c: c}
}

type Device struct {
	ID string
	c  *Coordinator
}

func (d *Device) key(capabilityID, clusterID string) domain.CapabilityKey {
	return domain.CapabilityKey{DeviceID: d.ID, CapabilityID: capabilityID, ClusterID: clusterID}
}

func (d *Device) binding(capabilityID, clusterID string) (ports.Binding, error) {
	b, err := d.c.Resolver.Resolve(d.ID, capabilityID, clusterID)
	if err != nil {
		return ports.Binding{}, fmt.Errorf("resolve %s/%s on %s: %w", capabilityID, clusterID, d.ID, err)
	}
	return b, nil
}

// SetValue queues a write of v. Only the latest queued write per capability
// is applied.
func (d *Device) SetValue(capabilityID, clusterID string, v domain.Value) error {
	b, err := d.binding(capabilityID, clusterID)
	if err != nil {
		return err
	}
	if !b.CanSet() {
		return fmt.Errorf("%w: %s/%s cannot be set", domain.ErrUnsupported, capabilityID, clusterID)
	}
	d.c.writer.Set(d.key(capabilityID, clusterID), b, v)
	return nil
}

// RequestValue queues a read. queued is false when a write for the same
// capability is in flight and the read was dropped.
func (d *Device) RequestValue(capabilityID, clusterID string) (queued bool, err error) {
	b, err := d.binding(capabilityID, clusterID)
	if err != nil {
		return false, err
	}
	if !b.CanGet() {
		return false, fmt.Errorf("%w: %s/%s cannot be read", domain.ErrUnsupported, capabilityID, clusterID)
	}
	return d.c.reader.Get(d.key(capabilityID, clusterID), b), nil
}

func (d *Device) Value(capabilityID, clusterID string) (domain.Value, bool) {
	return d.c.States.Value(d.key(capabilityID, clusterID).String())
}

func (d *Device) State(capabilityID, clusterID string) state.Snapshot {
	return d.c.States.Snapshot(d.key(capabilityID, clusterID).String())
}
