package usecase

import (
	"context"
	"errors"
	"fmt"
	"meshcoord/internal/domain"
	"meshcoord/internal/ports"
	"meshcoord/internal/state"
	"meshcoord/pkg/deadline"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
)

const DefaultWriteTimeout = 2 * time.Second

// Writer coalesces writes: every set is a priority task, so only the latest
// queued command for a capability survives. A command already on the air is
// left to finish.
type Writer struct {
	S       ports.Scheduler
	States  *state.Store
	Updates *Debouncer
	Clock   clock.Clock
	Timeout time.Duration
}

func (w Writer) Set(key domain.CapabilityKey, b ports.Binding, v domain.Value) {
	w.S.Push(key.Task(domain.OpSet), func(ctx context.Context) error {
		return w.apply(ctx, key, b, v)
	}, true)
}

func (w Writer) apply(ctx context.Context, key domain.CapabilityKey, b ports.Binding, v domain.Value) error {
	k := key.String()
	seq := w.States.BeginWrite(k)
	defer w.States.EndWrite(k)

	log.Ctx(ctx).Info().Msgf("set %s -> %v", key.CapabilityID, v)

	command, err := b.SetCommand(v)
	if err != nil {
		return fmt.Errorf("%w: command for %s: %w", domain.ErrParser, key.CapabilityID, err)
	}
	payload, err := b.SetParser(v)
	if err != nil {
		return fmt.Errorf("%w: payload for %s: %w", domain.ErrParser, key.CapabilityID, err)
	}
	if b.Quantize != nil {
		if v, err = b.Quantize(v); err != nil {
			return fmt.Errorf("%w: quantize %s: %w", domain.ErrParser, key.CapabilityID, err)
		}
	}
	if payload == nil {
		w.observe(ctx, key, seq, v)
		return nil
	}

	_, err = deadline.Do(ctx, w.Clock, w.Timeout, func(ctx context.Context) (domain.Response, error) {
		return b.Cluster.Issue(ctx, command, payload)
	})
	if errors.Is(err, domain.ErrTimeout) {
		return fmt.Errorf("%s on %s: %w", command, b.ClusterID, err)
	}
	if err != nil {
		return fmt.Errorf("%w: could not perform %s on %s: %w", domain.ErrTransport, command, b.ClusterID, err)
	}

	w.observe(ctx, key, seq, v)
	return nil
}

func (w Writer) observe(ctx context.Context, key domain.CapabilityKey, seq uint64, v domain.Value) {
	if !w.Updates.ObserveWrite(ctx, key, seq, v) {
		log.Ctx(ctx).Debug().Msgf("set %s -> %v superseded by a newer write", key.CapabilityID, v)
	}
}
