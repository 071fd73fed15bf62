// Package cluster holds the core data model for cluster members and the
// partitions they own. The types here are shared by every other meridian
// package; they carry no behavior beyond per-node bookkeeping.
package cluster

import "time"

// NodeID uniquely identifies a cluster member. IDs must be stable across
// restarts because consensus votes and partition locations are keyed by them.
type NodeID string

// PartitionID identifies a unit of data placed on one or more nodes.
type PartitionID string

// NodeStatus is the derived lifecycle state of a cluster member.
// Escalation order: Active → Degraded → Unhealthy → Failed.
type NodeStatus int

const (
	StatusActive NodeStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusFailed
)

// String returns a human-readable representation of the NodeStatus.
func (s NodeStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Capacity describes the resources a node brings to the cluster, plus the
// placement hints (rack, datacenter, zone) used for diversity-aware
// assignment.
type Capacity struct {
	Storage          uint64 `json:"storage" yaml:"storage"`                     // bytes
	Memory           uint64 `json:"memory" yaml:"memory"`                       // bytes
	CPUCores         int    `json:"cpu_cores" yaml:"cpu_cores"`
	NetworkBandwidth uint64 `json:"network_bandwidth" yaml:"network_bandwidth"` // bytes/sec
	MaxPartitions    int    `json:"max_partitions" yaml:"max_partitions"`
	RackID           string `json:"rack_id" yaml:"rack_id"`
	DatacenterID     string `json:"datacenter_id" yaml:"datacenter_id"`
	Zone             string `json:"zone" yaml:"zone"`
}

// Metrics is a point-in-time resource report for a node. CPU, Memory and Disk
// are utilization percentages in [0, 100]; NetworkIO and IOPS are absolute
// rates.
type Metrics struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
	NetworkIO float64   `json:"network_io"`
	IOPS      float64   `json:"iops"`
	Collected time.Time `json:"collected"`
}

// NodeSnapshot is a serializable, lock-free copy of a Node's state,
// suitable for publishing to subscribers and HTTP responses.
type NodeSnapshot struct {
	ID            NodeID        `json:"id"`
	Capacity      Capacity      `json:"capacity"`
	Status        NodeStatus    `json:"status"`
	Partitions    []PartitionID `json:"partitions"`
	Metrics       Metrics       `json:"metrics"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}
