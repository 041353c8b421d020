package usecase

import (
	"context"
	"meshcoord/internal/domain"
	"meshcoord/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
)

type Handler func(ctx context.Context, s domain.Settled) error

// Consumer tails the settled-value feed.
type Consumer struct {
	Feed  ports.Feed
	Block time.Duration
	// From is the feed position to start after; "$" (the default) skips
	// history, "0" replays it. "$" is resolved to a concrete position once,
	// so entries appended between two reads are not skipped.
	From string
}

func (c Consumer) Run(ctx context.Context, handle Handler) error {
	last := c.From
	if last == "" {
		last = "$"
	}
	block := c.Block
	if block <= 0 {
		block = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if last == "$" {
			tail, err := c.Feed.Tail(ctx)
			if err != nil {
				if err := pause(ctx, err, block); err != nil {
					return err
				}
				continue
			}
			last = tail
		}

		events, next, err := c.Feed.Read(ctx, last, block)
		if err != nil {
			if err := pause(ctx, err, block); err != nil {
				return err
			}
			continue
		}

		for _, s := range events {
			if err := handle(ctx, s); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("event", s.ID).Msg("settled event handler failed")
			}
		}
		if next != "" {
			last = next
		}
	}
}

// pause logs a feed error and waits before the next attempt.
func pause(ctx context.Context, err error, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Ctx(ctx).Error().Err(err).Msg("failed to read settled feed")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
