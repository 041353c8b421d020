package usecase

import (
	"context"
	"meshcoord/internal/domain"
	"meshcoord/internal/metrics"
	"meshcoord/internal/ports"
	"meshcoord/internal/state"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
)

const DefaultDebounceWindow = 500 * time.Millisecond

// Debouncer turns bursts of value changes into one notification. Every change
// holds a slot for Window; the notification fires when the last slot of a
// capability is given back, carrying the latest value.
type Debouncer struct {
	States   *state.Store
	Notifier ports.Notifier
	Clock    clock.Clock
	Window   time.Duration
	Metrics  *metrics.Metrics
}

func (d *Debouncer) Observe(ctx context.Context, key domain.CapabilityKey, v domain.Value, src domain.Source) {
	if d.States.Observe(key.String(), v, src) {
		d.hold(ctx, key, v)
	}
}

// ObserveWrite stores the value applied by write seq unless a newer write
// has begun for the key. It reports whether the value was accepted.
func (d *Debouncer) ObserveWrite(ctx context.Context, key domain.CapabilityKey, seq uint64, v domain.Value) bool {
	accepted, changed := d.States.ObserveWrite(key.String(), seq, v)
	if changed {
		d.hold(ctx, key, v)
	}
	return accepted
}

// ObserveRead stores the response of read gen unless something newer has
// started for the key since. It reports whether the value was accepted.
func (d *Debouncer) ObserveRead(ctx context.Context, key domain.CapabilityKey, gen uint64, v domain.Value) bool {
	accepted, changed := d.States.ObserveRead(key.String(), gen, v)
	if changed {
		d.hold(ctx, key, v)
	}
	return accepted
}

func (d *Debouncer) hold(ctx context.Context, key domain.CapabilityKey, v domain.Value) {
	ctx = context.WithoutCancel(ctx)
	log.Ctx(ctx).Debug().
		Str("capability", key.CapabilityID).
		Interface("value", v).
		Msg("new state")

	d.Clock.AfterFunc(d.Window, func() {
		latest, src, fire := d.States.Settle(key.String())
		if !fire {
			return
		}
		d.Metrics.Settled.Inc()
		d.Notifier.OnValueSettled(ctx, domain.Settled{
			ID:        uuid.NewString(),
			Key:       key,
			Value:     latest,
			Source:    src,
			SettledAt: d.Clock.Now(),
		})
	})
}
