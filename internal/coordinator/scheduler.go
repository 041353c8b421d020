package coordinator

import (
	"context"
	"fmt"
	"meshcoord/internal/domain"
	"meshcoord/internal/metrics"
	"meshcoord/internal/ports"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ ports.Scheduler = (*Scheduler)(nil)

const DefaultMaxWorkers = 2

type queued struct {
	task domain.Task
	// owned is set for tasks that came through the dedup path and hold the
	// pending slot for their key.
	owned bool
}

// Scheduler runs pushed tasks on at most max concurrent workers. The queue,
// the pending keys and the worker count share one lock.
type Scheduler struct {
	ctx context.Context
	m   *metrics.Metrics
	max int

	mu      sync.Mutex
	queue   []*queued
	pending map[string]bool
	active  int
	nextPID int
	idle    chan struct{}
}

type Stats struct {
	Queued     int `json:"queued"`
	Active     int `json:"active"`
	Pending    int `json:"pending"`
	MaxWorkers int `json:"max_workers"`
}

// NewScheduler returns an idle scheduler. Task actions receive ctx, so a
// logger attached to it follows every task.
func NewScheduler(ctx context.Context, maxWorkers int, m *metrics.Metrics) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = DefaultMaxWorkers
	}
	if m == nil {
		m = metrics.New(nil)
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		ctx:     ctx,
		m:       m,
		max:     maxWorkers,
		pending: make(map[string]bool),
		idle:    idle,
	}
}

func (s *Scheduler) Push(key string, action domain.Action, priority bool) {
	if action == nil {
		return
	}
	t := domain.Task{
		ID:        uuid.NewString(),
		Key:       key,
		Priority:  priority,
		CreatedAt: time.Now(),
		Action:    action,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if priority {
		s.removeQueued(key)
		s.queue = append([]*queued{{task: t}}, s.queue...)
		s.m.Enqueued.WithLabelValues(metrics.PathPriority).Inc()
	} else if s.pending[key] {
		s.m.Dropped.Inc()
		log.Ctx(s.ctx).Debug().Str("key", key).Msg("task dropped, key already pending")
	} else {
		s.pending[key] = true
		s.queue = append(s.queue, &queued{task: t, owned: true})
		s.m.Enqueued.WithLabelValues(metrics.PathDedup).Inc()
	}
	s.m.QueueLength.Set(float64(len(s.queue)))

	if s.active < s.max && len(s.queue) > 0 {
		if s.active == 0 {
			s.idle = make(chan struct{})
		}
		s.active++
		s.nextPID++
		s.m.ActiveWorkers.Set(float64(s.active))
		go s.work(s.nextPID)
	}
}

// removeQueued drops every waiting task with key. A dropped dedup task
// releases its pending slot since it will never run.
func (s *Scheduler) removeQueued(key string) {
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.task.Key != key {
			kept = append(kept, q)
			continue
		}
		if q.owned {
			delete(s.pending, key)
		}
		s.m.Replaced.Inc()
		log.Ctx(s.ctx).Debug().Str("key", key).Str("task_id", q.task.ID).Msg("queued task replaced")
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

func (s *Scheduler) work(pid int) {
	logger := log.Ctx(s.ctx).With().Str("component", "scheduler").Int("worker", pid).Logger()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.active--
			s.m.ActiveWorkers.Set(float64(s.active))
			if s.active == 0 {
				close(s.idle)
			}
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.m.QueueLength.Set(float64(len(s.queue)))
		s.mu.Unlock()

		s.execute(logger, next.task)

		if next.owned {
			s.mu.Lock()
			delete(s.pending, next.task.Key)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) execute(logger zerolog.Logger, t domain.Task) {
	l := logger.With().Str("key", t.Key).Str("task_id", t.ID).Logger()
	ctx := l.WithContext(s.ctx)

	// Writes are what users notice, so they are traced at info.
	level := zerolog.DebugLevel
	if t.Priority {
		level = zerolog.InfoLevel
	}
	start := time.Now()
	l.WithLevel(level).Dur("waited", start.Sub(t.CreatedAt)).Msg("task start")

	defer func() {
		if r := recover(); r != nil {
			s.m.Completed.WithLabelValues(metrics.ResultPanic).Inc()
			l.Error().
				Err(fmt.Errorf("panic: %v", r)).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
	}()

	if err := t.Action(ctx); err != nil {
		s.m.Completed.WithLabelValues(metrics.ResultError).Inc()
		l.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("task failed")
		return
	}
	s.m.Completed.WithLabelValues(metrics.ResultOK).Inc()
	l.WithLevel(level).Dur("elapsed", time.Since(start)).Msg("task end")
}

// Wait blocks until the queue is empty and every worker has exited.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:     len(s.queue),
		Active:     s.active,
		Pending:    len(s.pending),
		MaxWorkers: s.max,
	}
}

// Keys lists queued task keys in execution order.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, len(s.queue))
	for i, q := range s.queue {
		keys[i] = q.task.Key
	}
	return keys
}
