package distribution

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/consensus"
	"github.com/datapunk/meridian/pkg/coordinator"
	"github.com/datapunk/meridian/pkg/health"
	"github.com/datapunk/meridian/pkg/replication"
	"github.com/datapunk/meridian/pkg/transport"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Minimal in-memory consensus stores for the command-log test.
type memLogStore struct {
	mu      sync.RWMutex
	entries map[uint64]consensus.LogEntry
	last    uint64
}

func newMemLogStore() *memLogStore {
	return &memLogStore{entries: make(map[uint64]consensus.LogEntry)}
}

func (s *memLogStore) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == 0 {
		return 0, nil
	}
	return 1, nil
}

func (s *memLogStore) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, nil
}

func (s *memLogStore) GetLog(index uint64) (*consensus.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[index]
	if !ok {
		return nil, fmt.Errorf("no entry at %d", index)
	}
	return &entry, nil
}

func (s *memLogStore) StoreLogs(entries []consensus.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.entries[entry.Index] = entry
		if entry.Index > s.last {
			s.last = entry.Index
		}
	}
	return nil
}

func (s *memLogStore) DeleteRange(min, max uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := min; i <= max; i++ {
		delete(s.entries, i)
	}
	if s.last >= min {
		s.last = min - 1
	}
	return nil
}

type memStableStore struct {
	mu sync.RWMutex
	kv map[string][]byte
}

func newMemStableStore() *memStableStore {
	return &memStableStore{kv: make(map[string][]byte)}
}

func (s *memStableStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kv[string(key)], nil
}

func (s *memStableStore) Set(key, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[string(key)] = val
	return nil
}

func (s *memStableStore) GetUint64(key []byte) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.kv[string(key)]
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *memStableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

// newTestManager builds a manager with an in-memory mover and no consensus
// engine, so commands apply directly.
func newTestManager(t *testing.T, factor int) *Manager {
	t.Helper()

	coord := coordinator.New(quietLogger())
	mover := replication.MoverFunc(func(context.Context, cluster.PartitionID, cluster.NodeID, cluster.NodeID) error {
		return nil
	})
	repl := replication.NewManager(coord, mover, quietLogger())
	mon := health.NewMonitor(health.Config{Logger: quietLogger()})

	return NewManager(Config{
		Self:              "n1",
		ReplicationFactor: factor,
		Coordinator:       coord,
		Replication:       repl,
		Health:            mon,
		Logger:            quietLogger(),
	})
}

func registerRacked(m *Manager, id cluster.NodeID, rack, dc string) {
	m.RegisterNode(id, cluster.Capacity{
		Storage:       1 << 30,
		MaxPartitions: 100,
		RackID:        rack,
		DatacenterID:  dc,
	})
}

func TestRegisterNodeRejectsDuplicate(t *testing.T) {
	m := newTestManager(t, 3)

	assert.True(t, m.RegisterNode("n1", cluster.Capacity{Storage: 1, MaxPartitions: 1}))
	assert.False(t, m.RegisterNode("n1", cluster.Capacity{Storage: 1, MaxPartitions: 1}))
}

func TestAssignPartitionPadsToFactor(t *testing.T) {
	m := newTestManager(t, 3)
	for _, id := range []cluster.NodeID{"n1", "n2", "n3", "n4"} {
		registerRacked(m, id, "r1", "dc1")
	}

	require.True(t, m.AssignPartition("p-1", []cluster.NodeID{"n2"}, 0))

	locations := m.GetPartitionLocations("p-1")
	assert.Len(t, locations, 3)
	assert.Contains(t, locations, cluster.NodeID("n2"), "seed node kept")

	status := m.GetReplicationStatus()
	state, ok := status["p-1"]
	require.True(t, ok)
	assert.Equal(t, cluster.NodeID("n2"), state.Primary, "first seed becomes primary")
}

func TestAssignPartitionPerCallFactorOverridesDefault(t *testing.T) {
	m := newTestManager(t, 3)
	for _, id := range []cluster.NodeID{"n1", "n2", "n3", "n4", "n5"} {
		registerRacked(m, id, "r1", "dc1")
	}

	require.True(t, m.AssignPartition("p-wide", nil, 5))
	assert.Len(t, m.GetPartitionLocations("p-wide"), 5)

	require.True(t, m.AssignPartition("p-narrow", nil, 1))
	assert.Len(t, m.GetPartitionLocations("p-narrow"), 1)

	// Zero falls back to the manager's default.
	require.True(t, m.AssignPartition("p-default", nil, 0))
	assert.Len(t, m.GetPartitionLocations("p-default"), 3)
}

func TestAssignPartitionSpreadsAcrossRacks(t *testing.T) {
	m := newTestManager(t, 3)
	registerRacked(m, "a1", "r1", "dc1")
	registerRacked(m, "a2", "r1", "dc1")
	registerRacked(m, "b1", "r2", "dc1")
	registerRacked(m, "b2", "r2", "dc1")
	registerRacked(m, "c1", "r3", "dc2")
	registerRacked(m, "c2", "r3", "dc2")

	require.True(t, m.AssignPartition("p-1", nil, 0))

	racks := make(map[string]bool)
	for _, id := range m.GetPartitionLocations("p-1") {
		node, ok := m.coord.GetNode(id)
		require.True(t, ok)
		racks[node.Capacity().RackID] = true
	}
	assert.Len(t, racks, 3, "three replicas land in three distinct racks")
}

func TestAssignPartitionPrefersLightlyLoadedNodes(t *testing.T) {
	m := newTestManager(t, 1)
	registerRacked(m, "busy", "r1", "dc1")
	registerRacked(m, "idle", "r1", "dc1")

	busy, _ := m.coord.GetNode("busy")
	busy.UpdateMetrics(cluster.Metrics{CPU: 70, Memory: 70, Disk: 70})
	idle, _ := m.coord.GetNode("idle")
	idle.UpdateMetrics(cluster.Metrics{CPU: 5, Memory: 5, Disk: 5})

	require.True(t, m.AssignPartition("p-1", nil, 0))
	locations := m.GetPartitionLocations("p-1")
	require.Len(t, locations, 1)
	assert.Equal(t, cluster.NodeID("idle"), locations[0])
}

func TestAssignPartitionFailsWithNoNodes(t *testing.T) {
	m := newTestManager(t, 3)
	assert.False(t, m.AssignPartition("p-1", nil, 0))
}

func TestDeregisterNodeDrainsPartitions(t *testing.T) {
	m := newTestManager(t, 1)
	registerRacked(m, "n1", "r1", "dc1")
	registerRacked(m, "n2", "r1", "dc1")

	require.True(t, m.AssignPartition("p-1", []cluster.NodeID{"n1"}, 0))
	require.True(t, m.DeregisterNode("n1"))

	locations := m.GetPartitionLocations("p-1")
	require.Len(t, locations, 1)
	assert.Equal(t, cluster.NodeID("n2"), locations[0], "partition drained onto survivor")
	assert.False(t, m.DeregisterNode("n1"), "second deregistration reports unknown node")
}

func TestRebalanceClusterEvensCounts(t *testing.T) {
	m := newTestManager(t, 1)
	registerRacked(m, "n1", "r1", "dc1")

	for i := 0; i < 10; i++ {
		p := cluster.PartitionID(fmt.Sprintf("p-%d", i))
		require.True(t, m.AssignPartition(p, []cluster.NodeID{"n1"}, 0))
	}

	registerRacked(m, "n2", "r1", "dc1")
	registerRacked(m, "n3", "r1", "dc1")

	require.True(t, m.RebalanceCluster())

	counts := map[cluster.NodeID]int{}
	for _, id := range []cluster.NodeID{"n1", "n2", "n3"} {
		counts[id] = len(m.coord.PartitionsOn(id))
	}
	// 10 partitions over 3 nodes: everyone ends within [3, 4].
	total := 0
	for id, n := range counts {
		total += n
		assert.GreaterOrEqual(t, n, 3, "node %s underloaded: %v", id, counts)
		assert.LessOrEqual(t, n, 4, "node %s overloaded: %v", id, counts)
	}
	assert.Equal(t, 10, total)
}

func TestRebalanceAbortsOnFailedMove(t *testing.T) {
	coord := coordinator.New(quietLogger())
	moves := 0
	mover := replication.MoverFunc(func(context.Context, cluster.PartitionID, cluster.NodeID, cluster.NodeID) error {
		moves++
		if moves > 2 {
			return fmt.Errorf("mover broke")
		}
		return nil
	})
	repl := replication.NewManager(coord, mover, quietLogger())
	m := NewManager(Config{
		Self:              "n1",
		ReplicationFactor: 1,
		Coordinator:       coord,
		Replication:       repl,
		Health:            health.NewMonitor(health.Config{Logger: quietLogger()}),
		Logger:            quietLogger(),
	})

	registerRacked(m, "n1", "r1", "dc1")
	for i := 0; i < 9; i++ {
		require.True(t, m.AssignPartition(cluster.PartitionID(fmt.Sprintf("p-%d", i)), []cluster.NodeID{"n1"}, 0))
	}
	registerRacked(m, "n2", "r1", "dc1")
	registerRacked(m, "n3", "r1", "dc1")

	assert.False(t, m.RebalanceCluster(), "plan aborts on first failed move")
	// The two completed moves are not rolled back.
	movedOff := 9 - len(m.coord.PartitionsOn("n1"))
	assert.Equal(t, 2, movedOff)
}

func TestHandleNodeFailureRestoresOntoSpare(t *testing.T) {
	m := newTestManager(t, 3)
	registerRacked(m, "n1", "r1", "dc1")
	registerRacked(m, "n2", "r2", "dc1")
	registerRacked(m, "n3", "r3", "dc1")

	require.True(t, m.AssignPartition("p-1", []cluster.NodeID{"n1", "n2", "n3"}, 0))

	registerRacked(m, "n4", "r4", "dc2")

	require.NoError(t, m.HandleNodeFailure("n1"))

	locations := m.GetPartitionLocations("p-1")
	assert.NotContains(t, locations, cluster.NodeID("n1"), "failed node removed from holders")
	assert.Contains(t, locations, cluster.NodeID("n4"), "replica restored onto the spare")
	assert.Len(t, locations, 3)

	node, _ := m.coord.GetNode("n1")
	assert.Equal(t, cluster.StatusFailed, node.Status())
}

func TestHandleNodeFailureSurfacesUnrecoverablePartitions(t *testing.T) {
	m := newTestManager(t, 1)
	registerRacked(m, "n1", "r1", "dc1")
	require.True(t, m.AssignPartition("p-1", []cluster.NodeID{"n1"}, 0))

	err := m.HandleNodeFailure("n1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHealthyReplica)
}

func TestCommandsFlowThroughConsensusLog(t *testing.T) {
	coord := coordinator.New(quietLogger())
	mover := replication.MoverFunc(func(context.Context, cluster.PartitionID, cluster.NodeID, cluster.NodeID) error {
		return nil
	})
	repl := replication.NewManager(coord, mover, quietLogger())

	trans := transport.NewNetwork().Join("n1", quietLogger())
	applier := NewApplier(coord, quietLogger())
	engine, err := consensus.NewEngine(consensus.Config{
		ID:                "n1",
		Members:           []cluster.NodeID{"n1"},
		ElectionTimeout:   30 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		Logger:            quietLogger(),
	}, newMemLogStore(), newMemStableStore(), applier, trans)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	t.Cleanup(func() { engine.Stop() })

	// Single member cluster: wait for self-election.
	deadline := time.Now().Add(3 * time.Second)
	for !engine.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, engine.IsLeader())

	m := NewManager(Config{
		Self:              "n1",
		ReplicationFactor: 1,
		Coordinator:       coord,
		Replication:       repl,
		Health:            health.NewMonitor(health.Config{Logger: quietLogger()}),
		Engine:            engine,
		Logger:            quietLogger(),
	})

	require.True(t, m.RegisterNode("n1", cluster.Capacity{Storage: 1 << 30, MaxPartitions: 10}))
	require.True(t, m.AssignPartition("p-1", []cluster.NodeID{"n1"}, 0))

	// The mutations must be visible through the coordinator, having round
	// tripped through the replicated log.
	assert.NotNil(t, func() *cluster.Node { n, _ := coord.GetNode("n1"); return n }())
	assert.Equal(t, []cluster.NodeID{"n1"}, coord.GetPartitionNodes("p-1"))
	assert.GreaterOrEqual(t, engine.CommitIndex(), uint64(2), "commands occupy log entries")
}
