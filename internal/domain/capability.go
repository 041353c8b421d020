package domain

import (
	"fmt"
	"time"
)

// Value is whatever a report parser produced for a capability (bool, float64, ...).
type Value any

// Payload is the wire payload handed to a cluster command. A nil Payload
// returned by a set parser means there is nothing to send.
type Payload map[string]any

// Response is the raw attribute map returned by a cluster call.
type Response map[string]any

type Source string

const (
	SourceSet    Source = "set"
	SourceReport Source = "report"
)

type Op string

const (
	OpSet Op = "set"
	OpGet Op = "get"
)

// CapabilityKey addresses one capability on one cluster of one device.
type CapabilityKey struct {
	DeviceID     string `json:"device_id"`
	CapabilityID string `json:"capability_id"`
	ClusterID    string `json:"cluster_id"`
}

func (k CapabilityKey) String() string {
	return fmt.Sprintf("%s_%s_%s", k.DeviceID, k.CapabilityID, k.ClusterID)
}

// Task returns the scheduler key for an operation on this capability.
func (k CapabilityKey) Task(op Op) string {
	return k.String() + "_" + string(op)
}

// Settled is emitted once a burst of changes for a capability has gone quiet.
type Settled struct {
	ID        string        `json:"id"`
	Key       CapabilityKey `json:"key"`
	Value     Value         `json:"value"`
	Source    Source        `json:"source"`
	SettledAt time.Time     `json:"settled_at"`
}
