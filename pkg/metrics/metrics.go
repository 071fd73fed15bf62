// Package metrics exposes Prometheus instrumentation for the cluster.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "meridian"
)

var (
	// NodesByStatus tracks registered nodes per health status.
	NodesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Number of registered nodes by status",
		},
		[]string{"status"}, // active/degraded/unhealthy/failed
	)

	// PartitionsTotal tracks partitions with at least one holder.
	PartitionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Number of partitions tracked by the coordinator",
		},
	)

	// ElectionsTotal counts consensus elections started by this node.
	ElectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Total number of consensus elections started",
		},
	)

	// ConsensusTerm mirrors the node's current consensus term.
	ConsensusTerm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_term",
			Help:      "Current consensus term",
		},
	)

	// CommitIndex mirrors the node's consensus commit index.
	CommitIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_commit_index",
			Help:      "Highest committed consensus log index",
		},
	)

	// RebalanceMoves counts partition moves by outcome.
	RebalanceMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_moves_total",
			Help:      "Total number of rebalance partition moves",
		},
		[]string{"status"}, // success/failure
	)

	// TransferFailures counts failed partition transfers outside rebalancing.
	TransferFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_failures_total",
			Help:      "Total number of failed partition transfers",
		},
	)

	// BackupsCreated counts successfully written backups.
	BackupsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_created_total",
			Help:      "Total number of partition backups created",
		},
	)

	// BackupsPruned counts backups deleted by retention.
	BackupsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_pruned_total",
			Help:      "Total number of partition backups pruned",
		},
	)

	// HandlerPanics counts recovered message handler panics.
	HandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered message handler panics",
		},
	)
)

// RecordNodeCounts replaces the per-status node gauges.
func RecordNodeCounts(active, degraded, unhealthy, failed int) {
	NodesByStatus.WithLabelValues("active").Set(float64(active))
	NodesByStatus.WithLabelValues("degraded").Set(float64(degraded))
	NodesByStatus.WithLabelValues("unhealthy").Set(float64(unhealthy))
	NodesByStatus.WithLabelValues("failed").Set(float64(failed))
}

// RecordRebalanceMove counts one move of a rebalance plan.
func RecordRebalanceMove(success bool) {
	if success {
		RebalanceMoves.WithLabelValues("success").Inc()
	} else {
		RebalanceMoves.WithLabelValues("failure").Inc()
	}
}
