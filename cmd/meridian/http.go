// Package main provides the admin HTTP API for meridian.
package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/consensus"
	"github.com/datapunk/meridian/pkg/coordinator"
	"github.com/datapunk/meridian/pkg/distribution"
	"github.com/datapunk/meridian/pkg/recovery"
	"github.com/datapunk/meridian/pkg/transport"
)

// leaderHintHeader carries the last known leader on 503 responses so clients
// can retry against the right node.
const leaderHintHeader = "X-Cluster-Leader"

type adminDeps struct {
	nodeID cluster.NodeID
	engine *consensus.Engine
	coord  *coordinator.Coordinator
	dist   *distribution.Manager
	rec    *recovery.Manager
}

// mountAdminAPI registers the admin endpoints on the transport's mux,
// alongside the wire message and metrics handlers.
func mountAdminAPI(trans *transport.HTTPTransport, deps adminDeps) {
	trans.Handle("/cluster/nodes/", &nodeHandler{deps})
	trans.Handle("/cluster/partitions/", &partitionHandler{deps})
	trans.Handle("/cluster/rebalance", &rebalanceHandler{deps})
	trans.Handle("/cluster/backups/", &backupHandler{deps})
	trans.Handle("/cluster/status", &statusHandler{deps})
}

// requireLeader rejects mutations on non-leaders with a 503 and a leader
// hint, mirroring how the replicated log itself refuses them.
func requireLeader(deps adminDeps, w http.ResponseWriter) bool {
	if deps.engine.IsLeader() {
		return true
	}
	if leader := deps.engine.Leader(); leader != "" {
		w.Header().Set(leaderHintHeader, string(leader))
	}
	http.Error(w, "not the leader", http.StatusServiceUnavailable)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// tailOf extracts the path segment after the given prefix.
func tailOf(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

// nodeHandler manages cluster membership.
//
//	PUT    /cluster/nodes/{id}  body: capacity JSON
//	DELETE /cluster/nodes/{id}
type nodeHandler struct {
	deps adminDeps
}

func (h *nodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := cluster.NodeID(tailOf(r.URL.Path, "/cluster/nodes/"))
	if id == "" {
		http.Error(w, "node id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if !requireLeader(h.deps, w) {
			return
		}
		var capacity cluster.Capacity
		if err := json.NewDecoder(r.Body).Decode(&capacity); err != nil {
			http.Error(w, "invalid capacity: "+err.Error(), http.StatusBadRequest)
			return
		}
		if !h.deps.dist.RegisterNode(id, capacity) {
			http.Error(w, "node already registered", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if !requireLeader(h.deps, w) {
			return
		}
		if !h.deps.dist.DeregisterNode(id) {
			http.Error(w, "unknown node", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// partitionHandler manages partition placement.
//
//	PUT /cluster/partitions/{id}  optional body:
//	    {"seeds": ["n1", ...], "replication_factor": 3}
//	GET /cluster/partitions/{id}
type partitionHandler struct {
	deps adminDeps
}

type assignRequest struct {
	Seeds             []cluster.NodeID `json:"seeds"`
	ReplicationFactor int              `json:"replication_factor"`
}

func (h *partitionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := cluster.PartitionID(tailOf(r.URL.Path, "/cluster/partitions/"))
	if p == "" {
		http.Error(w, "partition id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if !requireLeader(h.deps, w) {
			return
		}
		var req assignRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		if !h.deps.dist.AssignPartition(p, req.Seeds, req.ReplicationFactor) {
			http.Error(w, "no viable replica set", http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{
			"partition": p,
			"nodes":     h.deps.dist.GetPartitionLocations(p),
		})
	case http.MethodGet:
		nodes := h.deps.dist.GetPartitionLocations(p)
		if len(nodes) == 0 {
			http.Error(w, "partition not found", http.StatusNotFound)
			return
		}
		resp := map[string]any{
			"partition": p,
			"nodes":     nodes,
		}
		if state, ok := h.deps.dist.GetReplicationStatus()[p]; ok {
			resp["replication"] = state
		}
		writeJSON(w, resp)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// rebalanceHandler triggers a cluster rebalance.
//
//	POST /cluster/rebalance
type rebalanceHandler struct {
	deps adminDeps
}

func (h *rebalanceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireLeader(h.deps, w) {
		return
	}
	writeJSON(w, map[string]any{"completed": h.deps.dist.RebalanceCluster()})
}

// backupHandler drives manual backup and restore of locally held partitions.
//
//	POST /cluster/backups/{partition}            create a backup now
//	POST /cluster/backups/{partition}/restore    restore, ?version=N for a
//	                                             specific version
type backupHandler struct {
	deps adminDeps
}

func (h *backupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tail := tailOf(r.URL.Path, "/cluster/backups/")
	p, restore := cluster.PartitionID(tail), false
	if rest, ok := strings.CutSuffix(tail, "/restore"); ok {
		p, restore = cluster.PartitionID(rest), true
	}
	if p == "" {
		http.Error(w, "partition id is required", http.StatusBadRequest)
		return
	}

	if restore {
		var version uint64
		if v := r.URL.Query().Get("version"); v != "" {
			parsed, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid version", http.StatusBadRequest)
				return
			}
			version = parsed
		}
		restored, err := h.deps.rec.RestorePartition(r.Context(), p, version)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"partition": p, "version": restored})
		return
	}

	state, err := h.deps.rec.CreateBackup(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, state)
}

// statusHandler reports this node's consensus role and the cluster view.
//
//	GET /cluster/status
type statusHandler struct {
	deps adminDeps
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.deps.coord.Snapshot()
	writeJSON(w, map[string]any{
		"node":         h.deps.nodeID,
		"role":         h.deps.engine.Role().String(),
		"term":         h.deps.engine.CurrentTerm(),
		"leader":       h.deps.engine.Leader(),
		"commit_index": h.deps.engine.CommitIndex(),
		"cluster":      h.deps.dist.GetClusterHealth(),
		"version":      snap.Version,
		"nodes":        snap.Nodes,
		"partitions":   snap.PartitionLocations,
	})
}
