package distribution

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/consensus"
	"github.com/datapunk/meridian/pkg/coordinator"
)

// Command operations applied through the replicated log. Cluster-wide intent
// lives here; node-local state (replica sync timestamps, backups) does not.
const (
	opAddNode     = "add_node"
	opRemoveNode  = "remove_node"
	opSetLocation = "set_location"
)

// command is one replicated cluster-state mutation. Exactly one op's fields
// are meaningful.
type command struct {
	Op        string              `json:"op"`
	Node      cluster.NodeID      `json:"node,omitempty"`
	Capacity  *cluster.Capacity   `json:"capacity,omitempty"`
	Partition cluster.PartitionID `json:"partition,omitempty"`
	Holders   []cluster.NodeID    `json:"holders,omitempty"`
}

// Applier feeds committed commands into the coordinator. It implements
// consensus.StateMachine, so every cluster member converges on the same node
// registry and partition locations. Apply must stay deterministic: it only
// touches coordinator state derived from the command itself.
type Applier struct {
	coord  *coordinator.Coordinator
	logger *logrus.Logger
}

// NewApplier creates the state-machine adapter for a coordinator.
func NewApplier(coord *coordinator.Coordinator, logger *logrus.Logger) *Applier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Applier{coord: coord, logger: logger}
}

// Apply executes one committed command. Unknown or malformed commands are
// logged and skipped; the log position is consumed either way.
func (a *Applier) Apply(entry consensus.LogEntry) {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		a.logger.WithError(err).WithField("index", entry.Index).Error("skipping malformed command")
		return
	}
	a.apply(cmd)
}

func (a *Applier) apply(cmd command) {
	switch cmd.Op {
	case opAddNode:
		var capacity cluster.Capacity
		if cmd.Capacity != nil {
			capacity = *cmd.Capacity
		}
		a.coord.AddNode(cluster.NewNode(cmd.Node, capacity))
	case opRemoveNode:
		a.coord.RemoveNode(cmd.Node)
	case opSetLocation:
		a.coord.UpdatePartitionLocation(cmd.Partition, cmd.Holders)
	default:
		a.logger.WithField("op", cmd.Op).Warn("skipping unknown command")
	}
}

var _ consensus.StateMachine = (*Applier)(nil)
