package mesh

import (
	"errors"
	"fmt"
	"math"
	"meshcoord/internal/domain"
	"meshcoord/internal/ports"
	"strings"
)

var _ ports.CapabilityResolver = (*Catalog)(nil)

var ErrUnknownDevice = errors.New("unknown device")

// definition describes how a capability maps onto one cluster.
type definition struct {
	setCommand   func(v domain.Value) (string, error)
	setParser    func(v domain.Value) (domain.Payload, error)
	quantize     func(v domain.Value) (domain.Value, error)
	attribute    string
	reportParser func(r domain.Response) (domain.Value, error)
}

// Catalog resolves capabilities of devices on a Network.
type Catalog struct {
	Network *Network
	defs    map[string]map[string]definition
}

func NewCatalog(n *Network) *Catalog {
	return &Catalog{
		Network: n,
		defs: map[string]map[string]definition{
			"onoff": {ClusterOnOff: onOff()},
			"dim":   {ClusterLevel: dim()},
		},
	}
}

// Resolve binds capabilityID on clusterID of a device. Numbered variants of a
// capability ("onoff.2") share the definition of the base capability.
func (c *Catalog) Resolve(deviceID, capabilityID, clusterID string) (ports.Binding, error) {
	dev, ok := c.Network.Device(deviceID)
	if !ok {
		return ports.Binding{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	base := capabilityID
	if i := strings.LastIndex(base, "."); i != -1 {
		base = base[:i]
	}
	def, ok := c.defs[base][clusterID]
	if !ok {
		return ports.Binding{}, fmt.Errorf("%w: %s on %s", domain.ErrUnsupported, capabilityID, clusterID)
	}
	cluster, ok := dev.Cluster(clusterID)
	if !ok {
		return ports.Binding{}, fmt.Errorf("%w: %s has no %s cluster", domain.ErrUnsupported, deviceID, clusterID)
	}

	return ports.Binding{
		ClusterID:    clusterID,
		Cluster:      cluster,
		SetCommand:   def.setCommand,
		SetParser:    def.setParser,
		Quantize:     def.quantize,
		Attribute:    def.attribute,
		ReportParser: def.reportParser,
	}, nil
}

func onOff() definition {
	return definition{
		setCommand: func(v domain.Value) (string, error) {
			on, ok := v.(bool)
			if !ok {
				return "", fmt.Errorf("onoff expects a bool, got %T", v)
			}
			if on {
				return "on", nil
			}
			return "off", nil
		},
		setParser: func(v domain.Value) (domain.Payload, error) {
			if _, ok := v.(bool); !ok {
				return nil, fmt.Errorf("onoff expects a bool, got %T", v)
			}
			return domain.Payload{}, nil
		},
		attribute: AttrOnOff,
		reportParser: func(r domain.Response) (domain.Value, error) {
			on, ok := r[AttrOnOff].(bool)
			if !ok {
				return nil, fmt.Errorf("onOff report %v is not a bool", r[AttrOnOff])
			}
			return on, nil
		},
	}
}

func dim() definition {
	return definition{
		setCommand: func(v domain.Value) (string, error) {
			return "moveToLevelWithOnOff", nil
		},
		setParser: func(v domain.Value) (domain.Payload, error) {
			level, err := toFraction(v)
			if err != nil {
				return nil, err
			}
			return domain.Payload{
				"level":     toLevel(level),
				"transtime": 0,
			}, nil
		},
		quantize: func(v domain.Value) (domain.Value, error) {
			level, err := toFraction(v)
			if err != nil {
				return nil, err
			}
			return fromLevel(toLevel(level)), nil
		},
		attribute: AttrCurrentLevel,
		reportParser: func(r domain.Response) (domain.Value, error) {
			level, ok := r[AttrCurrentLevel].(int)
			if !ok {
				return nil, fmt.Errorf("currentLevel report %v is not an int", r[AttrCurrentLevel])
			}
			return fromLevel(level), nil
		},
	}
}

func toFraction(v domain.Value) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	default:
		return 0, fmt.Errorf("dim expects a number, got %T", v)
	}
	if math.IsNaN(f) || f < 0 || f > 1 {
		return 0, fmt.Errorf("dim level %v out of range [0,1]", f)
	}
	return f, nil
}

func toLevel(f float64) int {
	return int(math.Round(f * MaxLevel))
}

// fromLevel reports a level as a fraction with two decimals.
func fromLevel(level int) float64 {
	return math.Round(float64(level)/MaxLevel*100) / 100
}
