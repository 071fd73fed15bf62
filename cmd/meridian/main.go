// Package main runs one meridian node: it wires the transport, the
// replicated command log, and the partition managers together and serves the
// admin API until signalled to stop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/config"
	"github.com/datapunk/meridian/pkg/consensus"
	"github.com/datapunk/meridian/pkg/coordinator"
	"github.com/datapunk/meridian/pkg/distribution"
	"github.com/datapunk/meridian/pkg/health"
	"github.com/datapunk/meridian/pkg/recovery"
	"github.com/datapunk/meridian/pkg/replication"
	"github.com/datapunk/meridian/pkg/storage"
	"github.com/datapunk/meridian/pkg/transport"
)

const (
	// consensusDBFilename is the BoltDB file holding the command log and
	// stable state.
	consensusDBFilename = "consensus.db"
	// partitionsDirname holds the Badger partition store.
	partitionsDirname = "partitions"
	// reportTimeout bounds one health report broadcast.
	reportTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("failed to parse flags")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.WithError(err).WithField("dir", cfg.DataDir).Fatal("failed to create data directory")
	}

	nodeID := cluster.NodeID(cfg.NodeID)

	boltStore, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, consensusDBFilename))
	if err != nil {
		logger.WithError(err).Fatal("failed to open consensus store")
	}

	partStore, err := storage.NewPartitionStore(filepath.Join(cfg.DataDir, partitionsDirname), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open partition store")
	}

	trans, err := transport.NewHTTPTransport(nodeID, cfg.ListenAddr, logger)
	if err != nil {
		logger.WithError(err).WithField("addr", cfg.ListenAddr).Fatal("failed to start transport")
	}
	peerIDs := make([]cluster.NodeID, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		trans.AddPeer(cluster.NodeID(p.ID), p.Addr)
		peerIDs = append(peerIDs, cluster.NodeID(p.ID))
	}
	logger.WithFields(logrus.Fields{
		"node":   nodeID,
		"listen": trans.LocalAddr(),
		"peers":  len(peerIDs),
	}).Info("transport listening")

	coord := coordinator.New(logger)

	applier := distribution.NewApplier(coord, logger)
	members := append([]cluster.NodeID{nodeID}, peerIDs...)
	engine, err := consensus.NewEngine(consensus.Config{
		ID:                nodeID,
		Members:           members,
		ElectionTimeout:   cfg.ElectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	}, boltStore, boltStore, applier, trans)
	if err != nil {
		logger.WithError(err).Fatal("failed to create consensus engine")
	}

	monitor := health.NewMonitor(health.Config{
		CheckInterval: cfg.HealthInterval,
		Logger:        logger,
	})

	mover := replication.NewTransportMover(nodeID, trans, partStore, logger)
	repl := replication.NewManager(coord, mover, logger)

	rec, err := recovery.NewManager(nodeID, partStore, trans,
		func() []cluster.PartitionID { return coord.PartitionsOn(nodeID) },
		func(p cluster.PartitionID) []cluster.NodeID {
			var replicas []cluster.NodeID
			for _, id := range coord.GetPartitionNodes(p) {
				if id != nodeID {
					replicas = append(replicas, id)
				}
			}
			return replicas
		},
		recovery.Config{
			Dir:            cfg.BackupDir,
			BackupInterval: cfg.BackupInterval,
			Retention:      cfg.BackupRetention,
			Logger:         logger,
		})
	if err != nil {
		logger.WithError(err).Fatal("failed to create recovery manager")
	}

	dist := distribution.NewManager(distribution.Config{
		Self:              nodeID,
		ReplicationFactor: cfg.ReplicationFactor,
		Coordinator:       coord,
		Replication:       repl,
		Recovery:          rec,
		Health:            monitor,
		Engine:            engine,
		Transport:         trans,
		Logger:            logger,
	})

	// Failed nodes are re-protected as soon as the monitor flags them.
	monitor.SetOnUnhealthy(func(id cluster.NodeID) {
		go func() {
			if err := dist.HandleNodeFailure(id); err != nil {
				logger.WithError(err).WithField("node", id).Error("failure handling incomplete")
			}
		}()
	})

	// Local resource samples feed the monitor directly and reach peers as
	// health reports, so every node converges on the same health view.
	sampler := health.NewSampler(cfg.DataDir, cfg.HealthInterval, logger, func(m cluster.Metrics) {
		monitor.UpdateNodeMetrics(nodeID, m)
		if node, ok := coord.GetNode(nodeID); ok {
			node.UpdateMetrics(m)
		}
		if len(peerIDs) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		trans.Broadcast(ctx, transport.TypeHealthReport, m, peerIDs)
	})

	trans.RegisterHandler(transport.TypeHealthReport, func(msg transport.Message) {
		var m cluster.Metrics
		if err := transport.DecodePayload(msg, &m); err != nil {
			logger.WithError(err).Warn("dropping malformed health report")
			return
		}
		monitor.UpdateNodeMetrics(msg.Source, m)
		if node, ok := coord.GetNode(msg.Source); ok {
			node.UpdateMetrics(m)
			node.Heartbeat()
		}
	})

	// Followers cannot write the replicated log, so a node joins by asking
	// the leader to register it. Announcement payloads carry no capacity and
	// fall through the nil check.
	trans.RegisterHandler(transport.TypeNodeJoin, func(msg transport.Message) {
		var req joinRequest
		if err := transport.DecodePayload(msg, &req); err != nil || req.Capacity == nil {
			return
		}
		if !engine.IsLeader() {
			return
		}
		dist.RegisterNode(req.Node, *req.Capacity)
	})
	go runJoinLoop(logger, nodeID, cfg.Capacity, engine, coord, dist, trans)

	trans.Handle("/metrics", promhttp.Handler())
	mountAdminAPI(trans, adminDeps{
		nodeID: nodeID,
		engine: engine,
		coord:  coord,
		dist:   dist,
		rec:    rec,
	})

	coord.Start()
	monitor.Start()
	if err := engine.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start consensus engine")
	}
	rec.Start()
	sampler.Start()
	logger.WithField("node", nodeID).Info("node started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig).Info("shutting down")

	os.Exit(gracefulShutdown(logger, sampler, rec, monitor, engine, coord, trans, partStore, boltStore))
}

// joinRequest asks the leader to register a node with its configured
// capacity. The same message type also carries membership announcements,
// which have no capacity.
type joinRequest struct {
	Node     cluster.NodeID    `json:"node"`
	Capacity *cluster.Capacity `json:"capacity,omitempty"`
}

// joinRetryInterval paces self-registration attempts while the cluster has
// no leader yet.
const joinRetryInterval = 2 * time.Second

// runJoinLoop registers this node in the cluster: directly once it is the
// leader, otherwise by sending a join request to the current leader. Returns
// once the node appears in the coordinator, which also happens when the
// registration command arrives through the replicated log.
func runJoinLoop(
	logger *logrus.Logger,
	nodeID cluster.NodeID,
	capacity cluster.Capacity,
	engine *consensus.Engine,
	coord *coordinator.Coordinator,
	dist *distribution.Manager,
	trans transport.Transport,
) {
	ticker := time.NewTicker(joinRetryInterval)
	defer ticker.Stop()

	for range ticker.C {
		if _, ok := coord.GetNode(nodeID); ok {
			logger.WithField("node", nodeID).Info("node registered in cluster")
			return
		}
		if engine.IsLeader() {
			dist.RegisterNode(nodeID, capacity)
			continue
		}

		leader := engine.Leader()
		if leader == "" || leader == nodeID {
			continue
		}
		msg, err := transport.NewMessage(transport.TypeNodeJoin, nodeID, leader,
			joinRequest{Node: nodeID, Capacity: &capacity})
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		if err := trans.Send(ctx, msg); err != nil {
			logger.WithError(err).WithField("leader", leader).Debug("join request not delivered")
		}
		cancel()
	}
}

// gracefulShutdown stops components in dependency order: producers before the
// stores they write to, transport last among the network users so in-flight
// acks can still land. Returns a process exit code.
func gracefulShutdown(
	logger *logrus.Logger,
	sampler *health.Sampler,
	rec *recovery.Manager,
	monitor *health.Monitor,
	engine *consensus.Engine,
	coord *coordinator.Coordinator,
	trans *transport.HTTPTransport,
	partStore *storage.PartitionStore,
	boltStore *storage.BoltStore,
) int {
	code := 0

	sampler.Stop()
	rec.Stop()
	monitor.Stop()

	if err := engine.Stop(); err != nil {
		logger.WithError(err).Error("error stopping consensus engine")
		code = 1
	}
	coord.Stop()

	if err := trans.Close(); err != nil {
		logger.WithError(err).Error("error closing transport")
		code = 1
	}
	if err := partStore.Close(); err != nil {
		logger.WithError(err).Error("error closing partition store")
		code = 1
	}
	if err := boltStore.Close(); err != nil {
		logger.WithError(err).Error("error closing consensus store")
		code = 1
	}

	if code == 0 {
		logger.Info("shutdown complete")
	}
	return code
}
