package mesh

import (
	"context"
	"fmt"
	"math/rand/v2"
	"meshcoord/internal/domain"
	"meshcoord/internal/ports"
	"sync"
	"time"
)

const (
	ClusterOnOff = "genOnOff"
	ClusterLevel = "genLevelCtrl"

	AttrOnOff        = "onOff"
	AttrCurrentLevel = "currentLevel"

	MaxLevel = 254
)

var _ ports.Cluster = (*Cluster)(nil)

// Cluster is a simulated cluster: commands mutate an attribute table after a
// radio delay, reads return a copy of it.
type Cluster struct {
	ID       string
	endpoint *Endpoint

	mu           sync.Mutex
	attrs        map[string]any
	latency      time.Duration
	jitter       time.Duration
	unresponsive bool
	failNext     error
	issued       []string
}

func newCluster(id string, latency, jitter time.Duration) *Cluster {
	c := &Cluster{ID: id, attrs: map[string]any{}, latency: latency, jitter: jitter}
	switch id {
	case ClusterOnOff:
		c.attrs[AttrOnOff] = false
	case ClusterLevel:
		c.attrs[AttrCurrentLevel] = 0
	}
	return c
}

// SetUnresponsive makes every later call hang until its context is done.
func (c *Cluster) SetUnresponsive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unresponsive = v
}

// FailNext makes the next call fail with err.
func (c *Cluster) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

func (c *Cluster) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// Attribute returns the current value of an attribute without radio delay.
func (c *Cluster) Attribute(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[name]
	return v, ok
}

// Issued lists the commands applied so far.
func (c *Cluster) Issued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.issued...)
}

func (c *Cluster) air(ctx context.Context) error {
	c.mu.Lock()
	delay, hang, fail := c.latency, c.unresponsive, c.failNext
	if c.jitter > 0 {
		delay += rand.N(c.jitter)
	}
	c.failNext = nil
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (c *Cluster) Issue(ctx context.Context, command string, payload domain.Payload) (domain.Response, error) {
	if err := c.air(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch command {
	case "on":
		c.attrs[AttrOnOff] = true
	case "off":
		c.attrs[AttrOnOff] = false
	case "toggle":
		on, _ := c.attrs[AttrOnOff].(bool)
		c.attrs[AttrOnOff] = !on
	case "moveToLevel", "moveToLevelWithOnOff":
		level, ok := payload["level"].(int)
		if !ok || level < 0 || level > MaxLevel {
			return nil, fmt.Errorf("invalid level %v", payload["level"])
		}
		c.attrs[AttrCurrentLevel] = level
		if command == "moveToLevelWithOnOff" {
			if onoff, ok := c.siblingOnOff(); ok {
				onoff.set(AttrOnOff, level > 0)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported command %q on %s", command, c.ID)
	}
	c.issued = append(c.issued, command)
	return domain.Response{"status": "SUCCESS"}, nil
}

func (c *Cluster) Read(ctx context.Context, attribute string) (domain.Response, error) {
	if err := c.air(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[attribute]
	if !ok {
		return nil, fmt.Errorf("unsupported attribute %q on %s", attribute, c.ID)
	}
	return domain.Response{attribute: v}, nil
}

func (c *Cluster) siblingOnOff() (*Cluster, bool) {
	if c.endpoint == nil {
		return nil, false
	}
	onoff, ok := c.endpoint.Clusters[ClusterOnOff]
	return onoff, ok
}

func (c *Cluster) set(name string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[name] = v
}
