// Package consensus implements a Raft-style consensus protocol over the
// meridian message transport: leader election, replicated log, and commit
// index advancement.
//
// # Thread Safety Guarantees
//
// The Engine is safe for concurrent use by multiple goroutines. State
// transitions happen inside a single main-loop goroutine that drains timers
// and inbound protocol messages through one select statement; every
// state-check-then-mutate sequence runs under the engine mutex, so it is
// atomic with respect to other transitions. StateMachine.Apply is the one
// exception: it runs with the mutex released, so a state machine may take
// its own locks without ordering against the engine's.
//
// File organization:
//   - consensus.go: Engine struct, construction, main loop, Append, getters
//   - election.go: election timeouts, vote handling, leader transitions
//   - replication.go: log replication and commit advancement
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/metrics"
	"github.com/datapunk/meridian/pkg/transport"
)

// Sentinel errors for engine operations. Callers use errors.Is even when
// errors are wrapped.
var (
	ErrNotLeader = errors.New("node is not the leader")
	ErrStopped   = errors.New("consensus engine is stopped")
	ErrTimeout   = errors.New("operation timed out")
)

// Keys for persisting state that must survive restarts. Term and votedFor are
// persisted before responding to any peer so a restarted node cannot vote
// twice in the same term. The commit index is persisted so a restart replays
// only the committed prefix of the log: entries beyond it exist on disk but
// were never quorum-acknowledged, and a current leader may still truncate
// them.
var (
	keyCurrentTerm = []byte("currentTerm")
	keyVotedFor    = []byte("votedFor")
	keyCommitIndex = []byte("commitIndex")
)

// Role is the node's current part in the protocol.
// Transitions: Follower → Candidate (election timeout) → Leader (majority).
// Any role → Follower on discovering a higher term.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns a human-readable representation of the Role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config holds the configuration for one cluster member's engine.
type Config struct {
	// ID is this member's identity; must be stable across restarts.
	ID cluster.NodeID

	// Members is the full member set, including self. Quorum is a strict
	// majority of this set.
	Members []cluster.NodeID

	// ElectionTimeout is the base timeout before starting an election.
	// Randomized to [ElectionTimeout, 2*ElectionTimeout] each cycle to
	// prevent synchronized elections.
	ElectionTimeout time.Duration

	// HeartbeatInterval controls how often the leader sends (possibly empty)
	// AppendRequests. Must be well under ElectionTimeout.
	HeartbeatInterval time.Duration

	// Logger is an optional structured logger.
	Logger *logrus.Logger
}

// event is one inbound protocol message, decoded off the transport.
type event struct {
	voteReq    *VoteRequest
	voteResp   *VoteResponse
	appendReq  *AppendRequest
	appendResp *AppendResponse
}

const eventBufferSize = 256

// Engine is one cluster member's consensus protocol instance.
type Engine struct {
	// Persistent state (written to stable storage before responding to peers)
	currentTerm uint64
	votedFor    cluster.NodeID

	// Volatile state on all members
	role        Role
	leaderID    cluster.NodeID
	commitIndex uint64
	lastApplied uint64

	// Committed entries waiting for the state machine. Applied outside the
	// mutex; applying marks an in-flight applier so entries reach the state
	// machine in index order.
	applyQueue []LogEntry
	applying   bool

	// Volatile state on leaders, reinitialized after each election.
	nextIndex  map[cluster.NodeID]uint64
	matchIndex map[cluster.NodeID]uint64

	// Election tracking
	votesReceived map[cluster.NodeID]bool
	electionTerm  uint64

	// Dependencies
	logStore    LogStore
	stableStore StableStore
	sm          StateMachine
	transport   transport.Transport
	config      Config
	logger      *logrus.Logger

	// Event plumbing and timers
	events          chan event
	stopChan        chan struct{}
	doneChan        chan struct{}
	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	mu      sync.RWMutex
	running bool
}

// NewEngine creates an engine, loading persisted term and vote from the stable
// store. The engine starts as a follower at the persisted term and does not
// participate until Start is called.
func NewEngine(config Config, logStore LogStore, stableStore StableStore,
	sm StateMachine, trans transport.Transport) (*Engine, error) {

	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	currentTerm, err := stableStore.GetUint64(keyCurrentTerm)
	if err != nil {
		return nil, err
	}
	votedForBytes, err := stableStore.Get(keyVotedFor)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		currentTerm: currentTerm,
		votedFor:    cluster.NodeID(votedForBytes),

		role: Follower,

		nextIndex:  make(map[cluster.NodeID]uint64),
		matchIndex: make(map[cluster.NodeID]uint64),

		votesReceived: make(map[cluster.NodeID]bool),

		logStore:    logStore,
		stableStore: stableStore,
		sm:          sm,
		transport:   trans,
		config:      config,
		logger:      config.Logger,

		events:   make(chan event, eventBufferSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	e.registerHandlers()
	return e, nil
}

// registerHandlers wires the engine into the transport's dispatch table. The
// handlers only decode and enqueue; all protocol processing happens on the
// main loop. A full event queue drops the message, which the protocol
// tolerates the same way it tolerates a lost packet.
func (e *Engine) registerHandlers() {
	e.transport.RegisterHandler(transport.TypeVoteRequest, func(msg transport.Message) {
		var req VoteRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			e.logger.WithError(err).Warn("dropping malformed vote request")
			return
		}
		e.enqueue(event{voteReq: &req})
	})
	e.transport.RegisterHandler(transport.TypeVoteResponse, func(msg transport.Message) {
		var resp VoteResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			e.logger.WithError(err).Warn("dropping malformed vote response")
			return
		}
		e.enqueue(event{voteResp: &resp})
	})
	e.transport.RegisterHandler(transport.TypeReplicateRequest, func(msg transport.Message) {
		var req AppendRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			e.logger.WithError(err).Warn("dropping malformed replicate request")
			return
		}
		e.enqueue(event{appendReq: &req})
	})
	e.transport.RegisterHandler(transport.TypeReplicateResponse, func(msg transport.Message) {
		var resp AppendResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			e.logger.WithError(err).Warn("dropping malformed replicate response")
			return
		}
		e.enqueue(event{appendResp: &resp})
	})
}

func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopChan:
	default:
		e.logger.Warn("consensus event queue full, dropping message")
	}
}

// Role returns the node's current role.
func (e *Engine) Role() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// Leader returns the current known leader (empty if unknown).
func (e *Engine) Leader() cluster.NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderID
}

// CurrentTerm returns the node's current term.
func (e *Engine) CurrentTerm() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentTerm
}

// CommitIndex returns the highest log index known to be committed.
func (e *Engine) CommitIndex() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.commitIndex
}

// LastApplied returns the highest log index applied to the state machine.
func (e *Engine) LastApplied() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastApplied
}

// IsLeader reports whether this member currently observes itself as leader.
func (e *Engine) IsLeader() bool {
	return e.Role() == Leader
}

// quorum returns the minimum number of members needed for a majority.
func (e *Engine) quorum() int {
	return len(e.config.Members)/2 + 1
}

// peers returns the member set excluding self.
func (e *Engine) peers() []cluster.NodeID {
	out := make([]cluster.NodeID, 0, len(e.config.Members))
	for _, m := range e.config.Members {
		if m != e.config.ID {
			out = append(out, m)
		}
	}
	return out
}

// Start begins the consensus loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	// Replay the committed prefix into the state machine before
	// participating. Persisted-but-uncommitted entries are not replayed:
	// they may yet be truncated by a current leader.
	if err := e.replayLog(); err != nil {
		return err
	}

	e.electionTimer = time.NewTimer(e.randomElectionTimeout())
	e.heartbeatTicker = time.NewTicker(e.config.HeartbeatInterval)
	e.running = true

	go e.run()
	return nil
}

// Stop shuts down the consensus loop. In-flight sends are not drained.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	<-e.doneChan
	return nil
}

// run is the main loop: every state transition happens here or in a handler
// it calls while holding the mutex.
func (e *Engine) run() {
	defer close(e.doneChan)

	for {
		select {
		case <-e.stopChan:
			e.electionTimer.Stop()
			e.heartbeatTicker.Stop()
			return

		case <-e.electionTimer.C:
			e.mu.Lock()
			if e.role != Leader {
				if err := e.startElection(); err != nil {
					e.logger.WithError(err).Error("failed to start election")
				}
			}
			e.electionTimer.Reset(e.randomElectionTimeout())
			e.mu.Unlock()

		case <-e.heartbeatTicker.C:
			e.mu.RLock()
			isLeader := e.role == Leader
			e.mu.RUnlock()
			if isLeader {
				e.broadcastAppend()
			}

		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

// handleEvent routes one decoded protocol message.
func (e *Engine) handleEvent(ev event) {
	switch {
	case ev.voteReq != nil:
		resp := e.handleVoteRequest(ev.voteReq)
		e.send(transport.TypeVoteResponse, ev.voteReq.Candidate, resp)
	case ev.voteResp != nil:
		e.handleVoteResponse(ev.voteResp)
	case ev.appendReq != nil:
		resp := e.handleAppendRequest(ev.appendReq)
		e.send(transport.TypeReplicateResponse, ev.appendReq.Leader, resp)
	case ev.appendResp != nil:
		e.handleAppendResponse(ev.appendResp)
	}
}

// send delivers a protocol message to a peer, logging delivery failures. The
// protocol treats a lost response like a lost packet: the other side retries
// on its next timer tick.
func (e *Engine) send(t transport.MessageType, target cluster.NodeID, payload any) {
	msg, err := transport.NewMessage(t, e.config.ID, target, payload)
	if err != nil {
		e.logger.WithError(err).Error("failed to encode protocol message")
		return
	}
	go func() {
		if err := e.transport.Send(context.Background(), msg); err != nil {
			e.logger.WithFields(logrus.Fields{
				"type":   t,
				"target": target,
			}).WithError(err).Debug("protocol send failed")
		}
	}()
}

// Append submits a command for replication (leader only). It persists the
// entry locally, replicates to followers, and returns only once a majority
// has the entry and it is committed, or the context expires. The returned
// index identifies the committed entry.
func (e *Engine) Append(ctx context.Context, data []byte) (uint64, error) {
	e.mu.Lock()

	if e.role != Leader {
		hint := e.leaderID
		e.mu.Unlock()
		return 0, &NotLeaderError{LeaderHint: hint}
	}
	if !e.running {
		e.mu.Unlock()
		return 0, ErrStopped
	}

	lastIndex, err := e.logStore.LastIndex()
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	newIndex := lastIndex + 1

	entry := LogEntry{
		Index: newIndex,
		Term:  e.currentTerm,
		Type:  EntryCommand,
		Data:  data,
	}

	// Persist before any acknowledgement can happen.
	if err := e.logStore.StoreLogs([]LogEntry{entry}); err != nil {
		e.mu.Unlock()
		return 0, err
	}

	// Single-member cluster commits immediately.
	e.advanceCommitIndex()
	e.mu.Unlock()

	// Push the entry out without waiting for the next heartbeat tick.
	e.broadcastAppend()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ErrTimeout
		case <-e.stopChan:
			return 0, ErrStopped
		case <-ticker.C:
			e.mu.RLock()
			committed := e.commitIndex >= newIndex
			isLeader := e.role == Leader
			e.mu.RUnlock()

			if committed {
				return newIndex, nil
			}
			if !isLeader {
				return 0, ErrNotLeader
			}
		}
	}
}

// applyEntries persists the commit index, then applies committed-but-
// unapplied entries to the state machine in strictly increasing index order.
// Caller holds the write lock; it is released while the state machine runs,
// so Apply never holds the engine mutex together with a collaborator's lock.
func (e *Engine) applyEntries() {
	metrics.CommitIndex.Set(float64(e.commitIndex))
	if err := e.stableStore.SetUint64(keyCommitIndex, e.commitIndex); err != nil {
		// A stale persisted commit index only causes committed entries to be
		// re-applied after the next restart.
		e.logger.WithError(err).Error("failed to persist commit index")
	}

	for e.lastApplied < e.commitIndex {
		next := e.lastApplied + 1
		entry, err := e.logStore.GetLog(next)
		if err != nil {
			e.logger.WithError(err).WithField("index", next).Error("cannot read committed entry")
			return
		}
		e.lastApplied = next
		if entry.Type == EntryCommand && e.sm != nil {
			e.applyQueue = append(e.applyQueue, *entry)
		}
	}

	if e.applying {
		// The in-flight applier drains the queued entries.
		return
	}
	e.applying = true
	for len(e.applyQueue) > 0 {
		batch := e.applyQueue
		e.applyQueue = nil
		e.mu.Unlock()
		for i := range batch {
			e.sm.Apply(batch[i])
		}
		e.mu.Lock()
	}
	e.applying = false
}

// replayLog re-applies the committed prefix of the persisted log on startup.
// Entries past the persisted commit index stay unapplied until a leader
// re-commits them through normal replication.
func (e *Engine) replayLog() error {
	lastIndex, err := e.logStore.LastIndex()
	if err != nil {
		return err
	}
	commitIndex, err := e.stableStore.GetUint64(keyCommitIndex)
	if err != nil {
		return err
	}
	if commitIndex > lastIndex {
		commitIndex = lastIndex
	}
	if commitIndex == 0 {
		return nil
	}
	e.commitIndex = commitIndex
	e.applyEntries()
	return nil
}

// randomElectionTimeout returns a duration in [ElectionTimeout,
// 2*ElectionTimeout]. The jitter prevents split votes when multiple followers
// time out together after a leader failure.
func (e *Engine) randomElectionTimeout() time.Duration {
	base := e.config.ElectionTimeout
	return base + time.Duration(rand.Int63n(int64(base)))
}

// NotLeaderError is returned when a leader-only operation is attempted on a
// non-leader. LeaderHint carries the last known leader, if any.
type NotLeaderError struct {
	LeaderHint cluster.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint != "" {
		return "node is not the leader; leader is " + string(e.LeaderHint)
	}
	return "node is not the leader"
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
