// Package app assembles the coordinator and its adapters from configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"meshcoord/internal/config"
	"meshcoord/internal/coordinator"
	"meshcoord/internal/infra/mesh"
	"meshcoord/internal/infra/redisstore"
	"meshcoord/internal/metrics"
	"meshcoord/internal/ports"
	"meshcoord/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
)

type App struct {
	Cfg         *config.Config
	Network     *mesh.Network
	Scheduler   *coordinator.Scheduler
	Coordinator *usecase.Coordinator
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics

	// Redis is nil unless enabled in the configuration.
	Redis *redisstore.Client
}

// DeviceSpec is one "address:kind" entry of the mesh device list.
type DeviceSpec struct {
	ID   string
	Kind mesh.Kind
}

func ParseDevices(entries []string) ([]DeviceSpec, error) {
	var out []DeviceSpec
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		id, kind, ok := strings.Cut(e, ":")
		if !ok || id == "" || kind == "" {
			return nil, fmt.Errorf("invalid device entry %q, want address:kind", e)
		}
		out = append(out, DeviceSpec{ID: id, Kind: mesh.Kind(kind)})
	}
	return out, nil
}

// New joins the configured devices to a simulated mesh and wires the
// coordinator on top of it. Extra notifiers receive settled values after the
// log notifier and, when enabled, Redis.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock, extra ...ports.Notifier) (*App, error) {
	devices, err := ParseDevices(cfg.Mesh.Devices)
	if err != nil {
		return nil, err
	}

	n := mesh.NewNetwork(cfg.Mesh.Latency, cfg.Mesh.Jitter)
	for _, d := range devices {
		if _, err := n.Join(d.ID, d.Kind); err != nil {
			return nil, err
		}
		log.Ctx(ctx).Info().Str("device", d.ID).Str("kind", string(d.Kind)).Msg("device joined")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &App{Cfg: cfg, Network: n, Registry: reg, Metrics: m}

	notifiers := usecase.Notifiers{usecase.LogNotifier{}}
	if cfg.Redis.Enabled {
		a.Redis = redisstore.New(cfg.Redis)
		if err := a.Redis.Connect(ctx); err != nil {
			return nil, err
		}
		notifiers = append(notifiers, a.Redis)
	}
	notifiers = append(notifiers, extra...)

	a.Scheduler = coordinator.NewScheduler(ctx, cfg.Coordinator.MaxWorkers, m)
	a.Coordinator = usecase.NewCoordinator(a.Scheduler, mesh.NewCatalog(n), notifiers, usecase.Options{
		WriteTimeout:   cfg.Coordinator.WriteTimeout,
		ReadTimeout:    cfg.Coordinator.ReadTimeout,
		DebounceWindow: cfg.Coordinator.DebounceWindow,
		Clock:          clk,
		Metrics:        m,
	})
	return a, nil
}

// Close waits for queued tasks to drain and releases Redis.
func (a *App) Close(ctx context.Context) error {
	if err := a.Scheduler.Wait(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("tasks still running on shutdown")
	}
	if a.Redis != nil {
		return a.Redis.Close()
	}
	return nil
}
