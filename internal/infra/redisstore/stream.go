package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"meshcoord/internal/domain"
	"meshcoord/internal/ports"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	_ ports.Feed     = (*Client)(nil)
	_ ports.Notifier = (*Client)(nil)
)

// Publish appends s to the settled stream and records it as the latest value
// of its capability.
func (c *Client) Publish(ctx context.Context, s domain.Settled) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	pipe := c.Rdb.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		MaxLen: c.Cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"settled": b},
	})
	pipe.HSet(ctx, c.Cfg.StateKey, s.Key.String(), b)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return add.Val(), nil
}

// OnValueSettled publishes s; failures are logged since notifications are
// fire and forget.
func (c *Client) OnValueSettled(ctx context.Context, s domain.Settled) {
	if _, err := c.Publish(ctx, s); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("key", s.Key.String()).Msg("failed to publish settled value")
	}
}

// Read returns settled events after the stream position `after`, blocking
// up to block for new ones.
func (c *Client) Read(ctx context.Context, after string, block time.Duration) ([]domain.Settled, string, error) {
	res, err := c.Rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.Cfg.StreamKey, after},
		Count:   64,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, after, nil
		}
		return nil, "", err
	}

	var out []domain.Settled
	last := after
	for _, stream := range res {
		for _, msg := range stream.Messages {
			last = msg.ID
			s, err := decode(msg.Values["settled"])
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("stream_id", msg.ID).Msg("skipping malformed settled event")
				continue
			}
			out = append(out, *s)
		}
	}
	return out, last, nil
}

// Tail returns the ID of the newest stream entry, or "0-0" for an empty
// stream.
func (c *Client) Tail(ctx context.Context) (string, error) {
	msgs, err := c.Rdb.XRevRangeN(ctx, c.Cfg.StreamKey, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// Last returns the most recent settled value of key, or nil if none was
// published.
func (c *Client) Last(ctx context.Context, key domain.CapabilityKey) (*domain.Settled, error) {
	raw, err := c.Rdb.HGet(ctx, c.Cfg.StateKey, key.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decode(raw)
}

func decode(raw any) (*domain.Settled, error) {
	var s domain.Settled
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, err
		}
	case []byte:
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected settled type: %T", v)
	}
	return &s, nil
}
