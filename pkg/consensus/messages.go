package consensus

import "github.com/datapunk/meridian/pkg/cluster"

// EntryType distinguishes replicated commands from protocol-internal entries.
type EntryType int

const (
	// EntryCommand carries an opaque command for the state machine.
	EntryCommand EntryType = iota
	// EntryNoop is appended by a new leader to commit entries from earlier
	// terms; it is applied but has no effect.
	EntryNoop
)

// LogEntry is one element of the replicated log. Index is 1-based; index 0
// means "before the first entry".
type LogEntry struct {
	Index uint64    `json:"index"`
	Term  uint64    `json:"term"`
	Type  EntryType `json:"type"`
	Data  []byte    `json:"data,omitempty"`
}

// VoteRequest is broadcast by a candidate at the start of an election.
type VoteRequest struct {
	Term         uint64         `json:"term"`
	Candidate    cluster.NodeID `json:"candidate"`
	LastLogIndex uint64         `json:"last_log_index"`
	LastLogTerm  uint64         `json:"last_log_term"`
}

// VoteResponse answers a VoteRequest. A rejection still carries the voter's
// term so a stale candidate can step down.
type VoteResponse struct {
	Term    uint64         `json:"term"`
	Voter   cluster.NodeID `json:"voter"`
	Granted bool           `json:"granted"`
}

// AppendRequest replicates log entries from the leader to a follower. An
// empty Entries slice is a heartbeat.
type AppendRequest struct {
	Term         uint64         `json:"term"`
	Leader       cluster.NodeID `json:"leader"`
	PrevLogIndex uint64         `json:"prev_log_index"`
	PrevLogTerm  uint64         `json:"prev_log_term"`
	Entries      []LogEntry     `json:"entries,omitempty"`
	LeaderCommit uint64         `json:"leader_commit"`
}

// AppendResponse answers an AppendRequest. On success MatchIndex is the
// highest log index the follower now shares with the leader, so responses
// need no correlation with the triggering request.
type AppendResponse struct {
	Term         uint64         `json:"term"`
	Follower     cluster.NodeID `json:"follower"`
	Success      bool           `json:"success"`
	MatchIndex   uint64         `json:"match_index"`
	LastLogIndex uint64         `json:"last_log_index"`
}

// LogStore provides persistent storage for the replicated log.
// Implementations must be crash-safe: entries written via StoreLogs must
// survive process restarts. Losing acknowledged entries could cause committed
// data to be lost.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	GetLog(index uint64) (*LogEntry, error)
	StoreLogs(entries []LogEntry) error
	DeleteRange(min, max uint64) error
}

// StableStore provides persistent storage for the engine's critical state
// (term, votedFor). This state MUST be persisted before responding to any
// peer; without that guarantee a node could vote twice in the same term after
// a crash.
type StableStore interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, val []byte) error
	GetUint64(key []byte) (uint64, error)
	SetUint64(key []byte, val uint64) error
}

// StateMachine is the application state that the engine replicates. Committed
// entries are applied in strictly increasing index order. Implementations
// must be deterministic: the same entry sequence must produce identical state
// on every member.
type StateMachine interface {
	Apply(entry LogEntry)
}
