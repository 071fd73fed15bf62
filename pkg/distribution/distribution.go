// Package distribution orchestrates partition placement across the cluster:
// node membership, replica placement, rebalancing, and failure handling. It
// is the only external entry point; it composes the coordinator, replication
// manager, recovery manager, health monitor, and consensus engine.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/consensus"
	"github.com/datapunk/meridian/pkg/coordinator"
	"github.com/datapunk/meridian/pkg/health"
	"github.com/datapunk/meridian/pkg/metrics"
	"github.com/datapunk/meridian/pkg/recovery"
	"github.com/datapunk/meridian/pkg/replication"
	"github.com/datapunk/meridian/pkg/transport"
)

// DefaultReplicationFactor is the replica count targeted by AssignPartition
// when the seed set is smaller.
const DefaultReplicationFactor = 3

// proposeTimeout bounds one command's trip through the replicated log.
const proposeTimeout = 10 * time.Second

// ErrNoHealthyReplica marks a partition whose every replica was lost.
var ErrNoHealthyReplica = errors.New("no healthy replica remains")

// Config wires the manager's collaborators. Engine is optional: without it,
// commands apply directly to the local coordinator instead of going through
// the replicated log.
type Config struct {
	Self              cluster.NodeID
	ReplicationFactor int
	Coordinator       *coordinator.Coordinator
	Replication       *replication.Manager
	Recovery          *recovery.Manager
	Health            *health.Monitor
	Engine            *consensus.Engine
	Transport         transport.Transport
	Logger            *logrus.Logger
}

// Manager is the cluster's orchestration facade.
type Manager struct {
	self    cluster.NodeID
	factor  int
	coord   *coordinator.Coordinator
	repl    *replication.Manager
	rec     *recovery.Manager
	health  *health.Monitor
	engine  *consensus.Engine
	applier *Applier
	trans   transport.Transport
	logger  *logrus.Logger

	// opMu serializes orchestration (assign, rebalance, failure handling) so
	// two plans never interleave their moves.
	opMu sync.Mutex
}

// NewManager composes a distribution manager from its collaborators.
func NewManager(config Config) *Manager {
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = DefaultReplicationFactor
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Manager{
		self:    config.Self,
		factor:  config.ReplicationFactor,
		coord:   config.Coordinator,
		repl:    config.Replication,
		rec:     config.Recovery,
		health:  config.Health,
		engine:  config.Engine,
		applier: NewApplier(config.Coordinator, config.Logger),
		trans:   config.Transport,
		logger:  config.Logger,
	}
}

// propose routes a command through the replicated log when an engine is
// configured, or applies it directly otherwise. With an engine, only the
// leader accepts mutations; followers get NotLeaderError with a hint.
func (m *Manager) propose(cmd command) error {
	if m.engine == nil {
		m.applier.apply(cmd)
		return nil
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
	defer cancel()
	_, err = m.engine.Append(ctx, data)
	return err
}

// RegisterNode adds a node to the cluster. Returns false when the ID is
// already registered. The join is announced to peers best-effort.
func (m *Manager) RegisterNode(id cluster.NodeID, capacity cluster.Capacity) bool {
	if _, exists := m.coord.GetNode(id); exists {
		return false
	}

	if err := m.propose(command{Op: opAddNode, Node: id, Capacity: &capacity}); err != nil {
		m.logger.WithError(err).WithField("node", id).Error("failed to register node")
		return false
	}

	if m.health != nil {
		m.health.Track(id)
	}
	m.announce(transport.TypeNodeJoin, id)
	m.updateGauges()
	return true
}

// DeregisterNode removes a node after draining its partitions onto
// survivors. Returns false when the ID is unknown. Partitions that cannot be
// drained stay on their remaining replicas; the drain failure is logged.
func (m *Manager) DeregisterNode(id cluster.NodeID) bool {
	if _, exists := m.coord.GetNode(id); !exists {
		return false
	}

	m.opMu.Lock()
	for _, p := range m.coord.PartitionsOn(id) {
		if err := m.drainPartition(p, id); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"partition": p,
				"node":      id,
			}).Warn("partition not drained before deregistration")
		}
	}
	m.opMu.Unlock()

	if err := m.propose(command{Op: opRemoveNode, Node: id}); err != nil {
		m.logger.WithError(err).WithField("node", id).Error("failed to deregister node")
		return false
	}

	if m.health != nil {
		m.health.Forget(id)
	}
	m.announce(transport.TypeNodeLeave, id)
	m.updateGauges()
	return true
}

// drainPartition moves one partition off a departing node, or drops the
// departing replica when others already hold the data.
func (m *Manager) drainPartition(p cluster.PartitionID, departing cluster.NodeID) error {
	holders := m.coord.GetPartitionNodes(p)
	if len(holders) > 1 {
		// Other replicas hold the data; shrink the set instead of moving.
		if err := m.repl.RemoveReplica(p, departing); err != nil && !errors.Is(err, replication.ErrUnknownPartition) {
			return err
		}
		m.coord.RemovePartitionHolder(p, departing)
		return nil
	}

	exclude := map[cluster.NodeID]bool{departing: true}
	targets := m.selectTargets(1, exclude, nil)
	if len(targets) == 0 {
		return fmt.Errorf("no survivor can take partition %s", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
	defer cancel()
	return m.repl.TransferPartition(ctx, p, departing, targets[0])
}

// AssignPartition places a partition on the seed nodes padded up to the
// replication factor; factor 0 means the manager's default. Padding prefers
// lightly loaded nodes with the most free storage, and spreads replicas
// across racks and datacenters; an extra node beyond the factor is allowed
// only when it buys rack diversity. Returns false when no viable replica set
// exists.
func (m *Manager) AssignPartition(p cluster.PartitionID, seeds []cluster.NodeID, factor int) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if factor <= 0 {
		factor = m.factor
	}

	replicas := make([]cluster.NodeID, 0, factor)
	seen := make(map[cluster.NodeID]bool)
	for _, id := range seeds {
		if node, ok := m.coord.GetNode(id); ok && node.IsHealthy() && !seen[id] {
			replicas = append(replicas, id)
			seen[id] = true
		}
	}

	if len(replicas) < factor {
		padded := m.selectTargets(factor-len(replicas), seen, replicas)
		replicas = append(replicas, padded...)
	}
	if len(replicas) == 0 {
		m.logger.WithField("partition", p).Error("no healthy nodes available for assignment")
		return false
	}

	if err := m.propose(command{Op: opSetLocation, Partition: p, Holders: replicas}); err != nil {
		m.logger.WithError(err).WithField("partition", p).Error("failed to record assignment")
		return false
	}
	if err := m.repl.SetupReplication(p, replicas); err != nil {
		m.logger.WithError(err).WithField("partition", p).Error("failed to set up replication")
		return false
	}

	for _, id := range replicas {
		if node, ok := m.coord.GetNode(id); ok {
			node.AddPartition(p)
		}
	}

	metrics.PartitionsTotal.Set(float64(len(m.coord.Partitions())))
	m.logger.WithFields(logrus.Fields{
		"partition": p,
		"replicas":  replicas,
	}).Info("partition assigned")
	return true
}

// selectTargets picks count placement targets, plus at most one extra for
// rack diversity. Candidates are healthy nodes with capacity, ranked by
// ascending load then descending free storage; a candidate in a rack or
// datacenter not yet represented is preferred over a better-ranked one that
// is.
func (m *Manager) selectTargets(count int, exclude map[cluster.NodeID]bool, existing []cluster.NodeID) []cluster.NodeID {
	racks := make(map[string]bool)
	datacenters := make(map[string]bool)
	for _, id := range existing {
		if node, ok := m.coord.GetNode(id); ok {
			racks[node.Capacity().RackID] = true
			datacenters[node.Capacity().DatacenterID] = true
		}
	}

	type candidate struct {
		id      cluster.NodeID
		load    float64
		storage uint64
		rack    string
		dc      string
	}
	var candidates []candidate
	for _, node := range m.coord.Nodes() {
		id := node.ID()
		if exclude[id] || !node.IsHealthy() || !node.CanAcceptPartition(0) {
			continue
		}
		candidates = append(candidates, candidate{
			id:      id,
			load:    node.Load(),
			storage: node.Capacity().Storage,
			rack:    node.Capacity().RackID,
			dc:      node.Capacity().DatacenterID,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		if candidates[i].storage != candidates[j].storage {
			return candidates[i].storage > candidates[j].storage
		}
		return candidates[i].id < candidates[j].id
	})

	var picked []cluster.NodeID
	taken := make(map[cluster.NodeID]bool)

	// Two passes: first prefer candidates bringing a new rack or datacenter,
	// then fill remaining slots by rank.
	for _, c := range candidates {
		if len(picked) >= count {
			break
		}
		if racks[c.rack] && datacenters[c.dc] {
			continue
		}
		picked = append(picked, c.id)
		taken[c.id] = true
		racks[c.rack] = true
		datacenters[c.dc] = true
	}
	for _, c := range candidates {
		if len(picked) >= count {
			break
		}
		if taken[c.id] {
			continue
		}
		picked = append(picked, c.id)
		taken[c.id] = true
		racks[c.rack] = true
		datacenters[c.dc] = true
	}

	// One extra replica is worth it when a whole rack is still unrepresented.
	if len(picked) == count {
		for _, c := range candidates {
			if !taken[c.id] && !racks[c.rack] {
				picked = append(picked, c.id)
				break
			}
		}
	}
	return picked
}

// RebalanceCluster evens partition counts across active nodes. The ideal
// count is total/active with the remainder spread over the first nodes in ID
// order. Moves run greedily from overloaded to underloaded nodes; the plan
// aborts on the first failed move with no rollback, since each completed
// move is independently valid and a later attempt can resume from the new
// state.
func (m *Manager) RebalanceCluster() bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var active []*cluster.Node
	for _, node := range m.coord.Nodes() {
		if node.IsHealthy() {
			active = append(active, node)
		}
	}
	if len(active) == 0 {
		return false
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID() < active[j].ID() })

	counts := make(map[cluster.NodeID]int, len(active))
	total := 0
	for _, node := range active {
		n := len(m.coord.PartitionsOn(node.ID()))
		counts[node.ID()] = n
		total += n
	}

	ideal := total / len(active)
	remainder := total % len(active)
	want := make(map[cluster.NodeID]int, len(active))
	for i, node := range active {
		want[node.ID()] = ideal
		if i < remainder {
			want[node.ID()]++
		}
	}

	for _, source := range active {
		sid := source.ID()
		for counts[sid] > want[sid] {
			target := m.pickUnderloaded(active, counts, want, sid)
			if target == "" {
				return true // nothing is underloaded; counts are as even as they get
			}
			p := m.pickMovable(sid, target)
			if p == "" {
				// Every partition on the source already has a replica on the
				// target; this source cannot shed further.
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
			err := m.repl.TransferPartition(ctx, p, sid, target)
			cancel()
			if err != nil {
				metrics.RecordRebalanceMove(false)
				m.logger.WithError(err).WithFields(logrus.Fields{
					"partition": p,
					"source":    sid,
					"target":    target,
				}).Error("rebalance move failed, aborting plan")
				return false
			}
			metrics.RecordRebalanceMove(true)
			counts[sid]--
			counts[target]++
		}
	}
	return true
}

// pickUnderloaded returns the active node furthest below its target count.
func (m *Manager) pickUnderloaded(active []*cluster.Node, counts, want map[cluster.NodeID]int, exclude cluster.NodeID) cluster.NodeID {
	var best cluster.NodeID
	deficit := 0
	for _, node := range active {
		id := node.ID()
		if id == exclude {
			continue
		}
		if d := want[id] - counts[id]; d > deficit {
			deficit = d
			best = id
		}
	}
	return best
}

// pickMovable returns a partition on source that target does not already
// hold. Moving such a partition is idempotent: repeating a completed move
// fails the holder check instead of duplicating data.
func (m *Manager) pickMovable(source, target cluster.NodeID) cluster.PartitionID {
	for _, p := range m.coord.PartitionsOn(source) {
		onTarget := false
		for _, holder := range m.coord.GetPartitionNodes(p) {
			if holder == target {
				onTarget = true
				break
			}
		}
		if !onTarget {
			return p
		}
	}
	return ""
}

// HandleNodeFailure marks a node failed and re-protects every partition it
// held by restoring from a healthy replica onto a fresh, diverse target.
// Partitions with no healthy replica left are reported in the returned
// error, never silently dropped.
func (m *Manager) HandleNodeFailure(id cluster.NodeID) error {
	node, ok := m.coord.GetNode(id)
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	node.SetStatus(cluster.StatusFailed)
	m.updateGauges()

	var errs []error
	for _, p := range m.coord.PartitionsOn(id) {
		if err := m.reprotect(p, id); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", p, err))
		}
	}

	m.logger.WithFields(logrus.Fields{
		"node":     id,
		"failures": len(errs),
	}).Warn("node failure handled")
	return errors.Join(errs...)
}

// reprotect replaces the failed replica of one partition.
func (m *Manager) reprotect(p cluster.PartitionID, failed cluster.NodeID) error {
	var healthy []cluster.NodeID
	holders := m.coord.GetPartitionNodes(p)
	for _, holder := range holders {
		if holder == failed {
			continue
		}
		if node, ok := m.coord.GetNode(holder); ok && node.IsHealthy() {
			healthy = append(healthy, holder)
		}
	}

	// Drop the failed replica from the books regardless of what follows.
	if err := m.repl.RemoveReplica(p, failed); err != nil && !errors.Is(err, replication.ErrUnknownPartition) {
		return err
	}
	m.coord.RemovePartitionHolder(p, failed)
	if node, ok := m.coord.GetNode(failed); ok {
		node.RemovePartition(p)
	}

	if len(healthy) == 0 {
		// Last resort: revive the partition from a local backup.
		if m.rec != nil {
			ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
			defer cancel()
			if version, err := m.rec.RestorePartition(ctx, p, 0); err == nil {
				if err := m.propose(command{Op: opSetLocation, Partition: p, Holders: []cluster.NodeID{m.self}}); err == nil {
					_ = m.repl.SetupReplication(p, []cluster.NodeID{m.self})
					if node, ok := m.coord.GetNode(m.self); ok {
						node.AddPartition(p)
					}
					m.logger.WithFields(logrus.Fields{
						"partition": p,
						"version":   version,
					}).Info("partition revived from local backup")
					return nil
				}
			}
		}
		return ErrNoHealthyReplica
	}

	exclude := make(map[cluster.NodeID]bool, len(holders)+1)
	exclude[failed] = true
	for _, h := range holders {
		exclude[h] = true
	}
	targets := m.selectTargets(1, exclude, healthy)
	if len(targets) == 0 {
		// No spare node: surviving replicas still carry the data.
		m.logger.WithField("partition", p).Warn("no spare node to restore replica onto")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
	defer cancel()
	source := healthy[0]
	if err := m.repl.ReplicateTo(ctx, p, source, targets[0]); err != nil {
		metrics.TransferFailures.Inc()
		if m.health != nil {
			m.health.RecordFailure(source, "replica restore transfer failed")
		}
		return err
	}
	return nil
}

// GetPartitionLocations returns the nodes holding a partition.
func (m *Manager) GetPartitionLocations(p cluster.PartitionID) []cluster.NodeID {
	return m.coord.GetPartitionNodes(p)
}

// GetClusterHealth returns the monitor's aggregate cluster verdict.
func (m *Manager) GetClusterHealth() health.ClusterHealth {
	return m.health.GetClusterHealth()
}

// GetReplicationStatus returns the replication record of every partition.
func (m *Manager) GetReplicationStatus() map[cluster.PartitionID]replication.State {
	return m.repl.States()
}

// announce broadcasts a membership event to every other registered node.
// Best effort: peers also learn membership through the replicated log.
func (m *Manager) announce(t transport.MessageType, subject cluster.NodeID) {
	if m.trans == nil {
		return
	}
	var targets []cluster.NodeID
	for _, node := range m.coord.Nodes() {
		if id := node.ID(); id != m.self && id != subject {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := struct {
		Node cluster.NodeID `json:"node"`
	}{Node: subject}
	for id, err := range m.trans.Broadcast(ctx, t, payload, targets) {
		if err != nil {
			m.logger.WithError(err).WithField("node", id).Debug("membership announcement not delivered")
		}
	}
}

// updateGauges refreshes the node-status metrics.
func (m *Manager) updateGauges() {
	var active, degraded, unhealthy, failed int
	for _, node := range m.coord.Nodes() {
		switch node.Status() {
		case cluster.StatusActive:
			active++
		case cluster.StatusDegraded:
			degraded++
		case cluster.StatusUnhealthy:
			unhealthy++
		case cluster.StatusFailed:
			failed++
		}
	}
	metrics.RecordNodeCounts(active, degraded, unhealthy, failed)
	metrics.PartitionsTotal.Set(float64(len(m.coord.Partitions())))
}
