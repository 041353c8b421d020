package domain

import (
	"context"
	"time"
)

// Action is the body of a coordinated unit of work.
type Action func(ctx context.Context) error

type Task struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Priority  bool      `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	Action    Action    `json:"-"`
}
