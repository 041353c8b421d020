// Package sim drives a scripted burst of user traffic through the
// coordinator: rapid slider moves on every dimmer and a storm of refreshes on
// every capability, the pattern the coordinator exists to absorb.
package sim

import (
	"context"
	"sync"
	"time"

	"meshcoord/internal/app"
	"meshcoord/internal/domain"
	"meshcoord/internal/infra/mesh"

	"github.com/rs/zerolog/log"
)

type Config struct {
	// Steps is the number of slider positions sent to each dimmer.
	Steps int
	// Refreshes is the number of reads requested per capability.
	Refreshes int
	// Gap separates consecutive user actions.
	Gap time.Duration
}

type Report struct {
	Values  map[string]domain.Value
	Settled []domain.Settled
}

// Recorder collects settled values; pass it to app.New as an extra notifier.
type Recorder struct {
	mu      sync.Mutex
	settled []domain.Settled
}

func (r *Recorder) OnValueSettled(ctx context.Context, s domain.Settled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, s)
}

func (r *Recorder) All() []domain.Settled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Settled(nil), r.settled...)
}

type capability struct {
	id, cluster string
}

func capabilities(d *mesh.Device) []capability {
	caps := []capability{{"onoff", mesh.ClusterOnOff}}
	if d.Kind == mesh.KindDimmer {
		caps = append(caps, capability{"dim", mesh.ClusterLevel})
	}
	return caps
}

// Run plays the script against a, waits for the queue to drain and for the
// debounce window to pass, then reports the final values.
func Run(ctx context.Context, a *app.App, rec *Recorder, cfg Config) (*Report, error) {
	logger := log.Ctx(ctx).With().Str("component", "sim").Logger()

	pause := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Gap):
			return nil
		}
	}

	devices := a.Network.Devices()
	for i := 1; i <= cfg.Steps; i++ {
		level := float64(i) / float64(cfg.Steps)
		for _, d := range devices {
			if d.Kind != mesh.KindDimmer {
				continue
			}
			if err := a.Coordinator.Device(d.ID).SetValue("dim", mesh.ClusterLevel, level); err != nil {
				return nil, err
			}
		}
		if err := pause(); err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.Refreshes; i++ {
		for _, d := range devices {
			for _, c := range capabilities(d) {
				queued, err := a.Coordinator.Device(d.ID).RequestValue(c.id, c.cluster)
				if err != nil {
					return nil, err
				}
				if !queued {
					logger.Debug().Str("device", d.ID).Str("capability", c.id).Msg("refresh skipped, write in flight")
				}
			}
		}
	}

	if err := a.Scheduler.Wait(ctx); err != nil {
		return nil, err
	}
	// let the last debounce window close
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * a.Cfg.Coordinator.DebounceWindow):
	}

	report := &Report{Values: map[string]domain.Value{}}
	for _, d := range devices {
		for _, c := range capabilities(d) {
			key := domain.CapabilityKey{DeviceID: d.ID, CapabilityID: c.id, ClusterID: c.cluster}
			if v, ok := a.Coordinator.Device(d.ID).Value(c.id, c.cluster); ok {
				report.Values[key.String()] = v
			}
		}
	}
	if rec != nil {
		report.Settled = rec.All()
	}

	stats := a.Scheduler.Stats()
	logger.Info().
		Int("values", len(report.Values)).
		Int("settled", len(report.Settled)).
		Int("pending", stats.Pending).
		Msg("simulation finished")
	return report, nil
}
