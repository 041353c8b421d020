package ports

import (
	"context"
	"meshcoord/internal/domain"
	"time"
)

type Scheduler interface {
	// Push never blocks on execution. Priority pushes replace any queued task
	// with the same key; plain pushes are dropped while the key is pending.
	Push(key string, action domain.Action, priority bool)
}

// Feed is the append-only log of settled values.
type Feed interface {
	Publish(ctx context.Context, s domain.Settled) (string, error)
	Read(ctx context.Context, after string, block time.Duration) ([]domain.Settled, string, error)
	// Tail returns the position of the newest entry, so a reader can start
	// after it without missing anything appended later.
	Tail(ctx context.Context) (string, error)
	Last(ctx context.Context, key domain.CapabilityKey) (*domain.Settled, error)
}
