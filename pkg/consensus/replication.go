// Package consensus implements a Raft-style consensus protocol.
//
// replication.go contains log replication: building and handling
// AppendRequests, processing follower responses, and advancing the commit
// index from replication progress.
package consensus

import (
	"sort"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/transport"
)

// broadcastAppend sends an AppendRequest to every peer. Called on each
// heartbeat tick and immediately after a local append.
func (e *Engine) broadcastAppend() {
	for _, peer := range e.peers() {
		e.sendAppend(peer)
	}
}

// sendAppend builds one peer's AppendRequest from its nextIndex: the previous
// entry's index/term for the consistency check, every entry from nextIndex
// onward, and the leader's commit index.
func (e *Engine) sendAppend(peer cluster.NodeID) {
	e.mu.RLock()

	if e.role != Leader {
		e.mu.RUnlock()
		return
	}

	nextIdx, ok := e.nextIndex[peer]
	if !ok {
		e.mu.RUnlock()
		return
	}

	var prevLogIndex, prevLogTerm uint64
	if nextIdx > 1 {
		prevLogIndex = nextIdx - 1
		entry, err := e.logStore.GetLog(prevLogIndex)
		if err != nil {
			e.mu.RUnlock()
			e.logger.WithError(err).WithField("index", prevLogIndex).Error("cannot read log for replication")
			return
		}
		prevLogTerm = entry.Term
	}

	var entries []LogEntry
	lastIndex, err := e.logStore.LastIndex()
	if err == nil && lastIndex >= nextIdx {
		for i := nextIdx; i <= lastIndex; i++ {
			entry, err := e.logStore.GetLog(i)
			if err != nil {
				break
			}
			entries = append(entries, *entry)
		}
	}

	req := AppendRequest{
		Term:         e.currentTerm,
		Leader:       e.config.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: e.commitIndex,
	}
	e.mu.RUnlock()

	e.send(transport.TypeReplicateRequest, peer, req)
}

// handleAppendRequest applies the replication rules on a follower:
//   - reject requests from stale terms
//   - reject if our log lacks the entry at prevLogIndex with prevLogTerm
//   - truncate any conflicting suffix, append the new entries
//   - advance commitIndex to min(leaderCommit, last new entry)
//
// Entries are persisted before the success response is sent. A valid request
// resets the election timer; the response's MatchIndex tells the leader how
// far this follower's log now agrees with its own.
func (e *Engine) handleAppendRequest(req *AppendRequest) AppendResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp := AppendResponse{
		Term:     e.currentTerm,
		Follower: e.config.ID,
	}

	if req.Term > e.currentTerm {
		if err := e.stepDownToFollower(req.Term); err != nil {
			return resp
		}
		resp.Term = e.currentTerm
	}

	if req.Term < e.currentTerm {
		return resp
	}

	e.leaderID = req.Leader
	if e.role == Candidate {
		e.role = Follower
	}
	e.resetElectionTimer()

	// Consistency check at prevLogIndex/prevLogTerm.
	if req.PrevLogIndex > 0 {
		entry, err := e.logStore.GetLog(req.PrevLogIndex)
		if err != nil || entry.Term != req.PrevLogTerm {
			lastIndex, _ := e.logStore.LastIndex()
			resp.LastLogIndex = lastIndex
			return resp
		}
	}

	if len(req.Entries) > 0 {
		// Find the first entry that conflicts with our log, delete it and
		// everything after it, then append from there on.
		appendFrom := 0
		for i, entry := range req.Entries {
			existing, err := e.logStore.GetLog(entry.Index)
			if err != nil {
				appendFrom = i
				break
			}
			if existing.Term != entry.Term {
				lastIndex, _ := e.logStore.LastIndex()
				if err := e.logStore.DeleteRange(entry.Index, lastIndex); err != nil {
					return resp
				}
				appendFrom = i
				break
			}
			appendFrom = i + 1
		}

		if appendFrom < len(req.Entries) {
			if err := e.logStore.StoreLogs(req.Entries[appendFrom:]); err != nil {
				return resp
			}
		}
	}

	// Advance commitIndex; it never moves backwards even if the leader's
	// commit information arrives out of order.
	if req.LeaderCommit > e.commitIndex {
		lastNew := req.PrevLogIndex
		if len(req.Entries) > 0 {
			lastNew = req.Entries[len(req.Entries)-1].Index
		}
		if req.LeaderCommit < lastNew {
			e.commitIndex = req.LeaderCommit
		} else if lastNew > e.commitIndex {
			e.commitIndex = lastNew
		}
		e.applyEntries()
	}

	resp.MatchIndex = req.PrevLogIndex + uint64(len(req.Entries))
	lastIndex, _ := e.logStore.LastIndex()
	resp.LastLogIndex = lastIndex
	resp.Success = true
	return resp
}

// handleAppendResponse updates replication progress for one peer. On success
// matchIndex/nextIndex advance and the commit index is re-evaluated. On a
// consistency failure nextIndex backs off one entry and the peer is retried
// immediately.
func (e *Engine) handleAppendResponse(resp *AppendResponse) {
	e.mu.Lock()

	if e.role != Leader {
		e.mu.Unlock()
		return
	}

	if resp.Term > e.currentTerm {
		if err := e.stepDownToFollower(resp.Term); err != nil {
			e.logger.WithError(err).Error("failed to step down on higher append response term")
		}
		e.mu.Unlock()
		return
	}
	if resp.Term != e.currentTerm {
		e.mu.Unlock()
		return
	}

	peer := resp.Follower
	if resp.Success {
		if resp.MatchIndex > e.matchIndex[peer] {
			e.matchIndex[peer] = resp.MatchIndex
		}
		e.nextIndex[peer] = e.matchIndex[peer] + 1
		e.advanceCommitIndex()
		e.mu.Unlock()
		return
	}

	if e.nextIndex[peer] > 1 {
		e.nextIndex[peer]--
	}
	e.mu.Unlock()

	// Retry the peer with the earlier prefix straight away.
	e.sendAppend(peer)
}

// advanceCommitIndex moves the leader's commit index to the highest index N
// replicated on a strict majority where log[N].term equals the current term.
// The current-term restriction is the safety property from the protocol:
// entries from earlier terms are only committed indirectly, by committing a
// current-term entry after them. Caller holds the mutex.
func (e *Engine) advanceCommitIndex() {
	if e.role != Leader {
		return
	}

	lastIndex, err := e.logStore.LastIndex()
	if err != nil {
		return
	}

	matches := make([]uint64, 0, len(e.config.Members))
	for _, member := range e.config.Members {
		if member == e.config.ID {
			matches = append(matches, lastIndex)
		} else {
			matches = append(matches, e.matchIndex[member])
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	// The quorum-th highest matchIndex is replicated on a majority.
	candidate := matches[e.quorum()-1]
	if candidate <= e.commitIndex {
		return
	}

	entry, err := e.logStore.GetLog(candidate)
	if err != nil || entry.Term != e.currentTerm {
		return
	}

	e.commitIndex = candidate
	e.applyEntries()
}

// resetElectionTimer re-arms the election timer with fresh jitter. Caller
// holds the mutex.
func (e *Engine) resetElectionTimer() {
	if e.electionTimer != nil {
		e.electionTimer.Reset(e.randomElectionTimeout())
	}
}

// lastLogInfo returns the index and term of the last log entry, or zeros for
// an empty log. Caller holds the mutex.
func (e *Engine) lastLogInfo() (uint64, uint64, error) {
	lastIndex, err := e.logStore.LastIndex()
	if err != nil {
		return 0, 0, err
	}
	if lastIndex == 0 {
		return 0, 0, nil
	}
	entry, err := e.logStore.GetLog(lastIndex)
	if err != nil {
		return 0, 0, err
	}
	return entry.Index, entry.Term, nil
}
