package cluster

import (
	"sort"
	"sync"
	"time"
)

// Load weighting factors. Partition count is weighted relative to the node's
// configured maximum so that a small node holding few partitions can still
// report a high load.
const (
	loadWeightCPU        = 0.3
	loadWeightMemory     = 0.3
	loadWeightDisk       = 0.2
	loadWeightPartitions = 0.2
)

// Resource gates for health and placement decisions, as utilization
// percentages.
const (
	healthyUtilizationMax = 90.0
	acceptUtilizationMax  = 80.0

	// HeartbeatTimeout is the maximum heartbeat age before a node stops
	// counting as healthy.
	HeartbeatTimeout = 30 * time.Second
)

// Node is the in-memory record of one cluster member. All mutation is
// serialized by a per-node mutex; accessors return copies so callers never
// iterate shared state.
type Node struct {
	mu sync.Mutex

	id            NodeID
	capacity      Capacity
	status        NodeStatus
	partitions    map[PartitionID]struct{}
	metrics       Metrics
	lastHeartbeat time.Time
}

// NewNode creates an active node with the given identity and capacity.
// The heartbeat clock starts at creation time.
func NewNode(id NodeID, capacity Capacity) *Node {
	return &Node{
		id:            id,
		capacity:      capacity,
		status:        StatusActive,
		partitions:    make(map[PartitionID]struct{}),
		lastHeartbeat: time.Now(),
	}
}

// ID returns the node's identifier.
func (n *Node) ID() NodeID { return n.id }

// Capacity returns the node's configured capacity.
func (n *Node) Capacity() Capacity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.capacity
}

// Status returns the node's current lifecycle status.
func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetStatus transitions the node to the given status.
func (n *Node) SetStatus(s NodeStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = s
}

// AddPartition records ownership of a partition. Adding a partition the node
// already owns is a no-op.
func (n *Node) AddPartition(p PartitionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[p] = struct{}{}
}

// RemovePartition drops ownership of a partition.
func (n *Node) RemovePartition(p PartitionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, p)
}

// HasPartition reports whether the node currently owns the partition.
func (n *Node) HasPartition(p PartitionID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.partitions[p]
	return ok
}

// Partitions returns a sorted copy of the owned partition set.
func (n *Node) Partitions() []PartitionID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]PartitionID, 0, len(n.partitions))
	for p := range n.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PartitionCount returns the number of owned partitions.
func (n *Node) PartitionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.partitions)
}

// UpdateMetrics overwrites the node's resource metrics and refreshes the
// heartbeat, since a metrics report proves the node is alive.
func (n *Node) UpdateMetrics(m Metrics) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m.Collected.IsZero() {
		m.Collected = time.Now()
	}
	n.metrics = m
	n.lastHeartbeat = time.Now()
}

// Metrics returns the last reported resource metrics.
func (n *Node) Metrics() Metrics {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metrics
}

// Heartbeat refreshes the node's heartbeat timestamp.
func (n *Node) Heartbeat() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (n *Node) LastHeartbeat() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastHeartbeat
}

// Load returns a weighted load score in [0, 1]: cpu 0.3, memory 0.3,
// disk 0.2, partition-count ratio 0.2. Used to rank candidate nodes during
// placement, ascending.
func (n *Node) Load() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	partitionRatio := 0.0
	if n.capacity.MaxPartitions > 0 {
		partitionRatio = float64(len(n.partitions)) / float64(n.capacity.MaxPartitions)
		if partitionRatio > 1 {
			partitionRatio = 1
		}
	}

	return loadWeightCPU*(n.metrics.CPU/100) +
		loadWeightMemory*(n.metrics.Memory/100) +
		loadWeightDisk*(n.metrics.Disk/100) +
		loadWeightPartitions*partitionRatio
}

// IsHealthy reports whether the node is usable: heartbeat within
// HeartbeatTimeout, cpu/memory/disk all under 90%, and status active.
func (n *Node) IsHealthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusActive {
		return false
	}
	if time.Since(n.lastHeartbeat) > HeartbeatTimeout {
		return false
	}
	return n.metrics.CPU < healthyUtilizationMax &&
		n.metrics.Memory < healthyUtilizationMax &&
		n.metrics.Disk < healthyUtilizationMax
}

// CanAcceptPartition reports whether the node can take on another partition:
// status active, under MaxPartitions, all resource utilization under 80%, and
// when sizeHint > 0, enough free storage for the hinted size.
func (n *Node) CanAcceptPartition(sizeHint uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusActive {
		return false
	}
	if n.capacity.MaxPartitions > 0 && len(n.partitions) >= n.capacity.MaxPartitions {
		return false
	}
	if n.metrics.CPU >= acceptUtilizationMax ||
		n.metrics.Memory >= acceptUtilizationMax ||
		n.metrics.Disk >= acceptUtilizationMax {
		return false
	}
	if sizeHint > 0 {
		free := float64(n.capacity.Storage) * (1 - n.metrics.Disk/100)
		if float64(sizeHint) > free {
			return false
		}
	}
	return true
}

// Snapshot returns a serializable copy of the node's state.
func (n *Node) Snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	partitions := make([]PartitionID, 0, len(n.partitions))
	for p := range n.partitions {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	return NodeSnapshot{
		ID:            n.id,
		Capacity:      n.capacity,
		Status:        n.status,
		Partitions:    partitions,
		Metrics:       n.metrics,
		LastHeartbeat: n.lastHeartbeat,
	}
}
