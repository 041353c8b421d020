// Package mesh simulates a Zigbee-style mesh: devices addressed by their
// IEEE address, each exposing endpoints with clusters. It stands in for the
// radio transport so the coordinator can be driven end to end.
package mesh

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type Kind string

const (
	KindSwitch Kind = "switch"
	KindDimmer Kind = "dimmer"
)

type Endpoint struct {
	ID       int
	Clusters map[string]*Cluster
}

type Device struct {
	ID        string
	Kind      Kind
	Endpoints map[int]*Endpoint
}

// Cluster finds clusterID on the first endpoint that has it.
func (d *Device) Cluster(clusterID string) (*Cluster, bool) {
	ids := make([]int, 0, len(d.Endpoints))
	for id := range d.Endpoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if c, ok := d.Endpoints[id].Clusters[clusterID]; ok {
			return c, true
		}
	}
	return nil, false
}

type Network struct {
	Latency time.Duration
	Jitter  time.Duration

	mu      sync.RWMutex
	devices map[string]*Device
}

func NewNetwork(latency, jitter time.Duration) *Network {
	return &Network{Latency: latency, Jitter: jitter, devices: map[string]*Device{}}
}

// Join adds a device with the clusters its kind implies.
func (n *Network) Join(id string, kind Kind) (*Device, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.devices[id]; ok {
		return nil, fmt.Errorf("device %s already joined", id)
	}

	ep := &Endpoint{ID: 1, Clusters: map[string]*Cluster{}}
	add := func(clusterID string) {
		c := newCluster(clusterID, n.Latency, n.Jitter)
		c.endpoint = ep
		ep.Clusters[clusterID] = c
	}
	switch kind {
	case KindSwitch:
		add(ClusterOnOff)
	case KindDimmer:
		add(ClusterOnOff)
		add(ClusterLevel)
	default:
		return nil, fmt.Errorf("unknown device kind %q", kind)
	}

	d := &Device{ID: id, Kind: kind, Endpoints: map[int]*Endpoint{ep.ID: ep}}
	n.devices[id] = d
	return d, nil
}

func (n *Network) Device(id string) (*Device, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.devices[id]
	return d, ok
}

// Devices lists joined devices ordered by address.
func (n *Network) Devices() []*Device {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Device, 0, len(n.devices))
	for _, d := range n.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
