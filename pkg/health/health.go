// Package health tracks per-node and cluster-wide health from reported
// metrics, heartbeats, and failure streaks.
package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
)

// Default thresholds. A node breaching one resource threshold is degraded,
// two or more is unhealthy.
const (
	DefaultWarningThreshold  = 80.0
	DefaultCriticalThreshold = 90.0

	// consecutive failures before a node is forced unhealthy regardless of
	// its reported metrics
	maxConsecutiveFailures = 3

	defaultCheckInterval = 10 * time.Second
	alertRetention       = 24 * time.Hour
)

// ClusterStatus summarizes the whole cluster.
type ClusterStatus string

const (
	ClusterHealthy   ClusterStatus = "healthy"
	ClusterDegraded  ClusterStatus = "degraded"
	ClusterUnhealthy ClusterStatus = "unhealthy"
)

// Alert records one threshold breach or failure observation.
type Alert struct {
	Node     cluster.NodeID `json:"node"`
	Message  string         `json:"message"`
	Severity string         `json:"severity"`
	Raised   time.Time      `json:"raised"`
}

// NodeHealth is the monitor's view of one node.
type NodeHealth struct {
	Node                cluster.NodeID     `json:"node"`
	Status              cluster.NodeStatus `json:"status"`
	Metrics             cluster.Metrics    `json:"metrics"`
	LastHeartbeat       time.Time          `json:"last_heartbeat"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Alerts              []Alert            `json:"alerts,omitempty"`
}

// ClusterHealth is the aggregate over all tracked nodes.
type ClusterHealth struct {
	Status    ClusterStatus `json:"status"`
	Total     int           `json:"total"`
	Healthy   int           `json:"healthy"`
	Degraded  int           `json:"degraded"`
	Unhealthy int           `json:"unhealthy"`
}

// Config tunes the monitor.
type Config struct {
	WarningThreshold  float64
	CriticalThreshold float64
	HeartbeatTimeout  time.Duration
	CheckInterval     time.Duration
	Logger            *logrus.Logger
}

// Monitor tracks health state for every known node. Metrics arrive by push,
// either from the local sampler or from peer health reports; a background
// loop re-evaluates staleness and prunes old alerts.
type Monitor struct {
	mu     sync.RWMutex
	nodes  map[cluster.NodeID]*NodeHealth
	config Config
	logger *logrus.Logger

	// onUnhealthy is invoked outside the lock when a node transitions into
	// StatusUnhealthy. Used to trigger failure handling.
	onUnhealthy func(cluster.NodeID)

	stopChan chan struct{}
	doneChan chan struct{}
	started  bool
}

// NewMonitor creates a monitor with defaults filled in for zero config
// fields.
func NewMonitor(config Config) *Monitor {
	if config.WarningThreshold == 0 {
		config.WarningThreshold = DefaultWarningThreshold
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = DefaultCriticalThreshold
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = cluster.HeartbeatTimeout
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = defaultCheckInterval
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	return &Monitor{
		nodes:    make(map[cluster.NodeID]*NodeHealth),
		config:   config,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// SetOnUnhealthy registers the callback invoked when a node turns unhealthy.
// Must be called before Start.
func (m *Monitor) SetOnUnhealthy(fn func(cluster.NodeID)) {
	m.onUnhealthy = fn
}

// Track begins monitoring a node. A freshly tracked node starts healthy with
// a current heartbeat.
func (m *Monitor) Track(id cluster.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		return
	}
	m.nodes[id] = &NodeHealth{
		Node:          id,
		Status:        cluster.StatusActive,
		LastHeartbeat: time.Now(),
	}
}

// Forget stops monitoring a node.
func (m *Monitor) Forget(id cluster.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
}

// UpdateNodeMetrics records a metrics report from a node. A report counts as
// a heartbeat and clears the failure streak; the node's status is then
// re-derived from the thresholds.
func (m *Monitor) UpdateNodeMetrics(id cluster.NodeID, metrics cluster.Metrics) {
	var becameUnhealthy bool

	m.mu.Lock()
	h, ok := m.nodes[id]
	if !ok {
		h = &NodeHealth{Node: id}
		m.nodes[id] = h
	}

	h.Metrics = metrics
	h.LastHeartbeat = time.Now()
	h.ConsecutiveFailures = 0

	prev := h.Status
	m.evaluate(h)
	becameUnhealthy = prev != cluster.StatusUnhealthy && h.Status == cluster.StatusUnhealthy
	m.mu.Unlock()

	if becameUnhealthy && m.onUnhealthy != nil {
		m.onUnhealthy(id)
	}
}

// RecordFailure notes one failed interaction with a node (unreachable,
// refused transfer, bad response). Three consecutive failures force the node
// unhealthy even if its last metrics looked fine.
func (m *Monitor) RecordFailure(id cluster.NodeID, reason string) {
	var becameUnhealthy bool

	m.mu.Lock()
	h, ok := m.nodes[id]
	if !ok {
		h = &NodeHealth{Node: id, Status: cluster.StatusActive}
		m.nodes[id] = h
	}

	h.ConsecutiveFailures++
	m.addAlert(h, reason, "warning")

	if h.ConsecutiveFailures >= maxConsecutiveFailures && h.Status != cluster.StatusUnhealthy {
		h.Status = cluster.StatusUnhealthy
		m.addAlert(h, "node unhealthy after repeated failures", "critical")
		becameUnhealthy = true
	}
	m.mu.Unlock()

	if becameUnhealthy && m.onUnhealthy != nil {
		m.onUnhealthy(id)
	}
}

// GetNodeHealth returns a copy of one node's health state.
func (m *Monitor) GetNodeHealth(id cluster.NodeID) (NodeHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[id]
	if !ok {
		return NodeHealth{}, false
	}
	out := *h
	out.Alerts = append([]Alert(nil), h.Alerts...)
	return out, true
}

// GetClusterHealth aggregates node states into a cluster verdict:
// healthy when more than 80% of nodes are healthy, unhealthy when more than
// 20% are unhealthy, degraded otherwise.
func (m *Monitor) GetClusterHealth() ClusterHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := ClusterHealth{Total: len(m.nodes)}
	for _, h := range m.nodes {
		switch h.Status {
		case cluster.StatusActive:
			out.Healthy++
		case cluster.StatusDegraded:
			out.Degraded++
		default:
			out.Unhealthy++
		}
	}

	if out.Total == 0 {
		out.Status = ClusterHealthy
		return out
	}

	healthyRatio := float64(out.Healthy) / float64(out.Total)
	unhealthyRatio := float64(out.Unhealthy) / float64(out.Total)

	switch {
	case unhealthyRatio > 0.2:
		out.Status = ClusterUnhealthy
	case healthyRatio > 0.8:
		out.Status = ClusterHealthy
	default:
		out.Status = ClusterDegraded
	}
	return out
}

// Start runs the background check loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// Stop terminates the background loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopChan)
	<-m.doneChan
}

func (m *Monitor) run() {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

// checkAll re-evaluates heartbeat staleness for every node and prunes
// expired alerts.
func (m *Monitor) checkAll() {
	var turnedUnhealthy []cluster.NodeID

	m.mu.Lock()
	now := time.Now()
	for id, h := range m.nodes {
		if h.Status != cluster.StatusFailed &&
			h.Status != cluster.StatusUnhealthy &&
			now.Sub(h.LastHeartbeat) > m.config.HeartbeatTimeout {
			h.Status = cluster.StatusUnhealthy
			m.addAlert(h, "heartbeat timeout", "critical")
			m.logger.WithField("node", id).Warn("node missed heartbeat window")
			turnedUnhealthy = append(turnedUnhealthy, id)
		}

		kept := h.Alerts[:0]
		for _, a := range h.Alerts {
			if now.Sub(a.Raised) <= alertRetention {
				kept = append(kept, a)
			}
		}
		h.Alerts = kept
	}
	m.mu.Unlock()

	if m.onUnhealthy != nil {
		for _, id := range turnedUnhealthy {
			m.onUnhealthy(id)
		}
	}
}

// evaluate derives a node's status from its metrics. Caller holds the lock.
func (m *Monitor) evaluate(h *NodeHealth) {
	breaches := 0
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"cpu", h.Metrics.CPU},
		{"memory", h.Metrics.Memory},
		{"disk", h.Metrics.Disk},
	} {
		if v.value > m.config.CriticalThreshold {
			breaches++
			m.addAlert(h, v.name+" above critical threshold", "critical")
		} else if v.value > m.config.WarningThreshold {
			breaches++
			m.addAlert(h, v.name+" above warning threshold", "warning")
		}
	}

	switch {
	case breaches >= 2:
		h.Status = cluster.StatusUnhealthy
	case breaches == 1:
		h.Status = cluster.StatusDegraded
	default:
		h.Status = cluster.StatusActive
	}
}

// addAlert appends an alert. Caller holds the lock.
func (m *Monitor) addAlert(h *NodeHealth, message, severity string) {
	h.Alerts = append(h.Alerts, Alert{
		Node:     h.Node,
		Message:  message,
		Severity: severity,
		Raised:   time.Now(),
	})
}
