package usecase

import (
	"context"
	"meshcoord/internal/domain"
	"meshcoord/internal/ports"

	"github.com/rs/zerolog/log"
)

var (
	_ ports.Notifier = Notifiers(nil)
	_ ports.Notifier = LogNotifier{}
)

// Notifiers fans a settled value out to every notifier in order.
type Notifiers []ports.Notifier

func (ns Notifiers) OnValueSettled(ctx context.Context, s domain.Settled) {
	for _, n := range ns {
		n.OnValueSettled(ctx, s)
	}
}

type LogNotifier struct{}

func (LogNotifier) OnValueSettled(ctx context.Context, s domain.Settled) {
	log.Ctx(ctx).Info().
		Str("device", s.Key.DeviceID).
		Str("capability", s.Key.CapabilityID).
		Str("cluster", s.Key.ClusterID).
		Str("source", string(s.Source)).
		Interface("value", s.Value).
		Msg("value settled")
}
