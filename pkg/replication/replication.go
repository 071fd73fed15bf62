// Package replication tracks where partition replicas live, how fresh they
// are, and moves partition data between nodes.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/coordinator"
)

// Sentinel errors for replication operations.
var (
	ErrUnknownPartition = errors.New("partition has no replication state")
	ErrNotHolder        = errors.New("source node does not hold the partition")
	ErrTargetRejected   = errors.New("target node cannot accept the partition")
)

// outdatedAfter is how stale a replica's last sync may be before the health
// check reports it outdated.
const outdatedAfter = time.Hour

// minSyncedReplicas is the synced-replica count required for a partition to
// count as healthy.
const minSyncedReplicas = 2

// SyncStatus describes one replica's relationship to the partition's data.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncSyncing SyncStatus = "syncing"
	SyncFailed  SyncStatus = "failed"
)

// State is the replication record for one partition.
type State struct {
	Partition cluster.PartitionID              `json:"partition"`
	Primary   cluster.NodeID                   `json:"primary"`
	Replicas  []cluster.NodeID                 `json:"replicas"`
	Sync      map[cluster.NodeID]SyncStatus    `json:"sync"`
	LastSync  map[cluster.NodeID]time.Time     `json:"last_sync"`
	Version   uint64                           `json:"version"`
}

// Health is the verdict of CheckReplicationHealth for one partition.
type Health struct {
	Partition cluster.PartitionID `json:"partition"`
	Healthy   bool                `json:"healthy"`
	Synced    int                 `json:"synced"`
	Outdated  []cluster.NodeID    `json:"outdated,omitempty"`
	Failed    []cluster.NodeID    `json:"failed,omitempty"`
}

// Mover transfers one partition's data from source to target. The transport
// mover ships snapshots between processes; tests substitute an in-memory one.
type Mover interface {
	Move(ctx context.Context, p cluster.PartitionID, source, target cluster.NodeID) error
}

// MoverFunc adapts a function to the Mover interface.
type MoverFunc func(ctx context.Context, p cluster.PartitionID, source, target cluster.NodeID) error

func (f MoverFunc) Move(ctx context.Context, p cluster.PartitionID, source, target cluster.NodeID) error {
	return f(ctx, p, source, target)
}

// Manager owns the replication state for every partition this cluster knows
// about. Data movement is delegated to the Mover; location bookkeeping is
// mirrored into the coordinator.
type Manager struct {
	mu     sync.RWMutex
	states map[cluster.PartitionID]*State

	coord  *coordinator.Coordinator
	mover  Mover
	logger *logrus.Logger
}

// NewManager creates a replication manager.
func NewManager(coord *coordinator.Coordinator, mover Mover, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		states: make(map[cluster.PartitionID]*State),
		coord:  coord,
		mover:  mover,
		logger: logger,
	}
}

// SetupReplication initializes state for a partition on the given nodes. The
// first node is the primary and starts synced; the rest start syncing.
func (m *Manager) SetupReplication(p cluster.PartitionID, nodes []cluster.NodeID) error {
	if len(nodes) == 0 {
		return fmt.Errorf("partition %s: replica set must not be empty", p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := &State{
		Partition: p,
		Primary:   nodes[0],
		Replicas:  append([]cluster.NodeID(nil), nodes...),
		Sync:      make(map[cluster.NodeID]SyncStatus, len(nodes)),
		LastSync:  make(map[cluster.NodeID]time.Time, len(nodes)),
		Version:   1,
	}
	now := time.Now()
	for i, id := range nodes {
		if i == 0 {
			state.Sync[id] = SyncSynced
			state.LastSync[id] = now
		} else {
			state.Sync[id] = SyncSyncing
		}
	}
	m.states[p] = state
	return nil
}

// MarkSynced records that a replica caught up with the partition's data.
func (m *Manager) MarkSynced(p cluster.PartitionID, id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[p]
	if !ok {
		return ErrUnknownPartition
	}
	state.Sync[id] = SyncSynced
	state.LastSync[id] = time.Now()
	return nil
}

// MarkFailed records that a replica lost sync. The replica stays in the set;
// the next sync cycle retries it.
func (m *Manager) MarkFailed(p cluster.PartitionID, id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[p]
	if !ok {
		return ErrUnknownPartition
	}
	state.Sync[id] = SyncFailed
	return nil
}

// TransferPartition moves a partition's data from source to target: the
// source must hold the partition and the target must have capacity for it.
// On success the replica set swaps source for target, the version bumps, and
// the primary is re-pointed at the target when the source was primary.
func (m *Manager) TransferPartition(ctx context.Context, p cluster.PartitionID, source, target cluster.NodeID) error {
	m.mu.RLock()
	state, ok := m.states[p]
	var holdsSource bool
	if ok {
		for _, id := range state.Replicas {
			if id == source {
				holdsSource = true
				break
			}
		}
	}
	m.mu.RUnlock()

	if !ok {
		return ErrUnknownPartition
	}
	if !holdsSource {
		return fmt.Errorf("%w: %s does not hold %s", ErrNotHolder, source, p)
	}

	targetNode, found := m.coord.GetNode(target)
	if !found {
		return fmt.Errorf("target node %s is not registered", target)
	}
	if !targetNode.CanAcceptPartition(0) {
		return fmt.Errorf("%w: %s", ErrTargetRejected, target)
	}

	if err := m.mover.Move(ctx, p, source, target); err != nil {
		return fmt.Errorf("failed to move partition %s from %s to %s: %w", p, source, target, err)
	}

	m.mu.Lock()
	replicas := make([]cluster.NodeID, 0, len(state.Replicas))
	for _, id := range state.Replicas {
		if id != source {
			replicas = append(replicas, id)
		}
	}
	replicas = append(replicas, target)
	state.Replicas = replicas

	delete(state.Sync, source)
	delete(state.LastSync, source)
	state.Sync[target] = SyncSynced
	state.LastSync[target] = time.Now()

	if state.Primary == source {
		state.Primary = target
	}
	state.Version++
	m.mu.Unlock()

	m.coord.RemovePartitionHolder(p, source)
	m.coord.AddPartitionHolder(p, target)

	if node, found := m.coord.GetNode(source); found {
		node.RemovePartition(p)
	}
	targetNode.AddPartition(p)

	m.logger.WithFields(logrus.Fields{
		"partition": p,
		"source":    source,
		"target":    target,
	}).Info("partition transferred")
	return nil
}

// ReplicateTo copies a partition's data onto an additional replica. Unlike
// TransferPartition the source keeps its copy; the target joins the replica
// set synced.
func (m *Manager) ReplicateTo(ctx context.Context, p cluster.PartitionID, source, target cluster.NodeID) error {
	m.mu.RLock()
	state, ok := m.states[p]
	var holdsSource, holdsTarget bool
	if ok {
		for _, id := range state.Replicas {
			if id == source {
				holdsSource = true
			}
			if id == target {
				holdsTarget = true
			}
		}
	}
	m.mu.RUnlock()

	if !ok {
		return ErrUnknownPartition
	}
	if !holdsSource {
		return fmt.Errorf("%w: %s does not hold %s", ErrNotHolder, source, p)
	}
	if holdsTarget {
		// Already a replica; treat the repeat as a no-op so retries are safe.
		return nil
	}

	targetNode, found := m.coord.GetNode(target)
	if !found {
		return fmt.Errorf("target node %s is not registered", target)
	}
	if !targetNode.CanAcceptPartition(0) {
		return fmt.Errorf("%w: %s", ErrTargetRejected, target)
	}

	if err := m.mover.Move(ctx, p, source, target); err != nil {
		return fmt.Errorf("failed to replicate partition %s from %s to %s: %w", p, source, target, err)
	}

	m.mu.Lock()
	state.Replicas = append(state.Replicas, target)
	state.Sync[target] = SyncSynced
	state.LastSync[target] = time.Now()
	state.Version++
	m.mu.Unlock()

	m.coord.AddPartitionHolder(p, target)
	targetNode.AddPartition(p)

	m.logger.WithFields(logrus.Fields{
		"partition": p,
		"source":    source,
		"target":    target,
	}).Info("replica added")
	return nil
}

// CheckReplicationHealth reports whether a partition has enough fresh
// replicas: healthy needs at least two synced, and replicas whose last sync
// is older than an hour are reported outdated.
func (m *Manager) CheckReplicationHealth(p cluster.PartitionID) (Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[p]
	if !ok {
		return Health{}, ErrUnknownPartition
	}

	out := Health{Partition: p}
	now := time.Now()
	for _, id := range state.Replicas {
		switch state.Sync[id] {
		case SyncSynced:
			out.Synced++
			if now.Sub(state.LastSync[id]) > outdatedAfter {
				out.Outdated = append(out.Outdated, id)
			}
		case SyncFailed:
			out.Failed = append(out.Failed, id)
		}
	}
	out.Healthy = out.Synced >= minSyncedReplicas
	return out, nil
}

// GetState returns a copy of one partition's replication record.
func (m *Manager) GetState(p cluster.PartitionID) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[p]
	if !ok {
		return State{}, false
	}
	return copyState(state), true
}

// States returns a copy of every partition's replication record.
func (m *Manager) States() map[cluster.PartitionID]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[cluster.PartitionID]State, len(m.states))
	for p, state := range m.states {
		out[p] = copyState(state)
	}
	return out
}

// DropPartition removes the replication record for a partition.
func (m *Manager) DropPartition(p cluster.PartitionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, p)
}

// RemoveReplica drops one node from a partition's replica set, re-pointing
// the primary at the first surviving synced replica if needed.
func (m *Manager) RemoveReplica(p cluster.PartitionID, id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[p]
	if !ok {
		return ErrUnknownPartition
	}

	replicas := make([]cluster.NodeID, 0, len(state.Replicas))
	for _, r := range state.Replicas {
		if r != id {
			replicas = append(replicas, r)
		}
	}
	state.Replicas = replicas
	delete(state.Sync, id)
	delete(state.LastSync, id)

	if state.Primary == id {
		state.Primary = ""
		for _, r := range replicas {
			if state.Sync[r] == SyncSynced {
				state.Primary = r
				break
			}
		}
		if state.Primary == "" && len(replicas) > 0 {
			state.Primary = replicas[0]
		}
	}
	state.Version++
	return nil
}

func copyState(state *State) State {
	out := State{
		Partition: state.Partition,
		Primary:   state.Primary,
		Replicas:  append([]cluster.NodeID(nil), state.Replicas...),
		Sync:      make(map[cluster.NodeID]SyncStatus, len(state.Sync)),
		LastSync:  make(map[cluster.NodeID]time.Time, len(state.LastSync)),
		Version:   state.Version,
	}
	for id, s := range state.Sync {
		out.Sync[id] = s
	}
	for id, ts := range state.LastSync {
		out.LastSync[id] = ts
	}
	return out
}
