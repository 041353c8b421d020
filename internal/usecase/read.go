package usecase

import (
	"context"
	"errors"
	"fmt"
	"meshcoord/internal/domain"
	"meshcoord/internal/metrics"
	"meshcoord/internal/ports"
	"meshcoord/internal/state"
	"meshcoord/pkg/deadline"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
)

const DefaultReadTimeout = 2 * time.Second

// Reader guards reads: they are deduplicated per capability, never started
// while a write is in flight, and their responses are dropped once a newer
// read or write has started for the same capability.
type Reader struct {
	S       ports.Scheduler
	States  *state.Store
	Updates *Debouncer
	Clock   clock.Clock
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Get queues a read. It returns false when a write is in flight, in which
// case nothing is queued.
func (r Reader) Get(key domain.CapabilityKey, b ports.Binding) bool {
	if r.States.WriteInFlight(key.String()) {
		r.Metrics.ReadsSkipped.WithLabelValues(metrics.ReasonWriteInFlight).Inc()
		return false
	}
	r.S.Push(key.Task(domain.OpGet), func(ctx context.Context) error {
		return r.fetch(ctx, key, b)
	}, false)
	return true
}

func (r Reader) fetch(ctx context.Context, key domain.CapabilityKey, b ports.Binding) error {
	k := key.String()
	logger := log.Ctx(ctx)

	if r.States.WriteInFlight(k) {
		r.Metrics.ReadsSkipped.WithLabelValues(metrics.ReasonWriteInFlight).Inc()
		logger.Debug().Msg("write in flight, read skipped")
		return nil
	}

	if b.GetParser != nil {
		if _, err := b.GetParser(); err != nil {
			return fmt.Errorf("%w: read of %s: %w", domain.ErrParser, key.CapabilityID, err)
		}
	}

	gen, ok := r.States.BeginRead(k, r.Clock.Now())
	if !ok {
		r.Metrics.ReadsSkipped.WithLabelValues(metrics.ReasonWriteInFlight).Inc()
		return nil
	}

	resp, err := deadline.Do(ctx, r.Clock, r.Timeout, func(ctx context.Context) (domain.Response, error) {
		return b.Cluster.Read(ctx, b.Attribute)
	})
	if errors.Is(err, domain.ErrTimeout) {
		return fmt.Errorf("read %s on %s: %w", b.Attribute, b.ClusterID, err)
	}
	if err != nil {
		return fmt.Errorf("%w: could not read %s on %s: %w", domain.ErrTransport, b.Attribute, b.ClusterID, err)
	}

	if !r.States.AcceptRead(k, gen) {
		r.stale(ctx)
		return nil
	}
	v, err := b.ReportParser(resp)
	if err != nil {
		return fmt.Errorf("%w: report for %s: %w", domain.ErrParser, key.CapabilityID, err)
	}
	if !r.Updates.ObserveRead(ctx, key, gen, v) {
		r.stale(ctx)
	}
	return nil
}

func (r Reader) stale(ctx context.Context) {
	r.Metrics.ReadsSkipped.WithLabelValues(metrics.ReasonStale).Inc()
	log.Ctx(ctx).Debug().Msg("stale read response discarded")
}
