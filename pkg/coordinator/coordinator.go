// Package coordinator maintains the authoritative cluster state: the set of
// known nodes and the mapping from partitions to the nodes that hold them.
//
// # Thread Safety Guarantees
//
// A single Coordinator instance guards all state behind one mutex. Mutations
// are atomic, bump a monotonic version, and publish a state snapshot to
// subscribers. Subscriber delivery is bounded and non-blocking: a slow
// subscriber loses updates but can never stall a mutation.
package coordinator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
)

const (
	// subscriberBuffer is the per-subscriber channel capacity. Subscribers
	// that fall further behind than this lose intermediate snapshots.
	subscriberBuffer = 16

	defaultCleanupInterval = 10 * time.Second
)

// StateSnapshot is an immutable copy of the cluster state at one version.
type StateSnapshot struct {
	Version            uint64
	LastUpdate         time.Time
	Nodes              []cluster.NodeID
	PartitionLocations map[cluster.PartitionID][]cluster.NodeID
}

// Coordinator owns the node registry and partition location map.
type Coordinator struct {
	mu         sync.RWMutex
	nodes      map[cluster.NodeID]*cluster.Node
	locations  map[cluster.PartitionID]map[cluster.NodeID]bool
	version    uint64
	lastUpdate time.Time

	subMu       sync.Mutex
	subscribers map[int]chan StateSnapshot
	nextSubID   int

	logger          *logrus.Logger
	cleanupInterval time.Duration
	stopChan        chan struct{}
	doneChan        chan struct{}
	started         bool
}

// New creates an empty coordinator.
func New(logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		nodes:           make(map[cluster.NodeID]*cluster.Node),
		locations:       make(map[cluster.PartitionID]map[cluster.NodeID]bool),
		subscribers:     make(map[int]chan StateSnapshot),
		logger:          logger,
		cleanupInterval: defaultCleanupInterval,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// AddNode registers a node. Returns false if the ID is already present.
func (c *Coordinator) AddNode(node *cluster.Node) bool {
	c.mu.Lock()
	if _, ok := c.nodes[node.ID()]; ok {
		c.mu.Unlock()
		return false
	}
	c.nodes[node.ID()] = node
	c.bump()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return true
}

// RemoveNode deregisters a node and prunes it from every partition location
// set, deleting entries that become empty. Returns false if unknown.
func (c *Coordinator) RemoveNode(id cluster.NodeID) bool {
	c.mu.Lock()
	if _, ok := c.nodes[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.nodes, id)
	for p, holders := range c.locations {
		if holders[id] {
			delete(holders, id)
			if len(holders) == 0 {
				delete(c.locations, p)
			}
		}
	}
	c.bump()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return true
}

// GetNode returns the registered node for id.
func (c *Coordinator) GetNode(id cluster.NodeID) (*cluster.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.nodes[id]
	return node, ok
}

// Nodes returns every registered node.
func (c *Coordinator) Nodes() []*cluster.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*cluster.Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		out = append(out, node)
	}
	return out
}

// UpdatePartitionLocation records that a partition is held by the given
// nodes, replacing the previous holder set.
func (c *Coordinator) UpdatePartitionLocation(p cluster.PartitionID, holders []cluster.NodeID) {
	c.mu.Lock()
	set := make(map[cluster.NodeID]bool, len(holders))
	for _, id := range holders {
		set[id] = true
	}
	if len(set) == 0 {
		delete(c.locations, p)
	} else {
		c.locations[p] = set
	}
	c.bump()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
}

// AddPartitionHolder adds one node to a partition's holder set.
func (c *Coordinator) AddPartitionHolder(p cluster.PartitionID, id cluster.NodeID) {
	c.mu.Lock()
	if c.locations[p] == nil {
		c.locations[p] = make(map[cluster.NodeID]bool)
	}
	c.locations[p][id] = true
	c.bump()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
}

// RemovePartitionHolder removes one node from a partition's holder set.
func (c *Coordinator) RemovePartitionHolder(p cluster.PartitionID, id cluster.NodeID) {
	c.mu.Lock()
	if holders, ok := c.locations[p]; ok && holders[id] {
		delete(holders, id)
		if len(holders) == 0 {
			delete(c.locations, p)
		}
		c.bump()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
}

// GetPartitionNodes returns the nodes currently holding a partition.
func (c *Coordinator) GetPartitionNodes(p cluster.PartitionID) []cluster.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	holders := c.locations[p]
	out := make([]cluster.NodeID, 0, len(holders))
	for id := range holders {
		out = append(out, id)
	}
	return out
}

// Partitions returns every partition with at least one holder.
func (c *Coordinator) Partitions() []cluster.PartitionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]cluster.PartitionID, 0, len(c.locations))
	for p := range c.locations {
		out = append(out, p)
	}
	return out
}

// PartitionsOn returns every partition held by the given node.
func (c *Coordinator) PartitionsOn(id cluster.NodeID) []cluster.PartitionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []cluster.PartitionID
	for p, holders := range c.locations {
		if holders[id] {
			out = append(out, p)
		}
	}
	return out
}

// Version returns the current state version.
func (c *Coordinator) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Snapshot returns a copy of the full cluster state.
func (c *Coordinator) Snapshot() StateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// bump advances the state version. Caller holds the lock.
func (c *Coordinator) bump() {
	c.version++
	c.lastUpdate = time.Now()
}

// snapshotLocked builds a snapshot. Caller holds the lock.
func (c *Coordinator) snapshotLocked() StateSnapshot {
	snap := StateSnapshot{
		Version:            c.version,
		LastUpdate:         c.lastUpdate,
		Nodes:              make([]cluster.NodeID, 0, len(c.nodes)),
		PartitionLocations: make(map[cluster.PartitionID][]cluster.NodeID, len(c.locations)),
	}
	for id := range c.nodes {
		snap.Nodes = append(snap.Nodes, id)
	}
	for p, holders := range c.locations {
		ids := make([]cluster.NodeID, 0, len(holders))
		for id := range holders {
			ids = append(ids, id)
		}
		snap.PartitionLocations[p] = ids
	}
	return snap
}

// Subscribe returns a channel receiving state snapshots after each mutation,
// plus an unsubscribe function. Delivery is best-effort: snapshots are
// dropped when the subscriber's buffer is full, so consumers treat each
// received snapshot as the complete current state, not a delta.
func (c *Coordinator) Subscribe() (<-chan StateSnapshot, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan StateSnapshot, subscriberBuffer)
	c.subscribers[id] = ch

	unsubscribe := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// publish fans a snapshot out to subscribers without blocking.
func (c *Coordinator) publish(snap StateSnapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			c.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"version":    snap.Version,
			}).Warn("subscriber buffer full, dropping state update")
		}
	}
}

// Start launches the background cleanup loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

// Stop terminates the cleanup loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopChan)
	<-c.doneChan
}

func (c *Coordinator) run() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup prunes location entries that reference nodes no longer registered.
// Such entries appear when a node is removed through an out-of-band path;
// repairing them is logged, never silent.
func (c *Coordinator) cleanup() {
	c.mu.Lock()
	repaired := 0
	for p, holders := range c.locations {
		for id := range holders {
			if _, ok := c.nodes[id]; !ok {
				delete(holders, id)
				repaired++
				c.logger.WithFields(logrus.Fields{
					"partition": p,
					"node":      id,
				}).Warn("pruned location entry for unknown node")
			}
		}
		if len(holders) == 0 {
			delete(c.locations, p)
		}
	}
	var snap StateSnapshot
	if repaired > 0 {
		c.bump()
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	if repaired > 0 {
		c.publish(snap)
	}
}
