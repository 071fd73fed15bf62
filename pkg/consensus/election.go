// Package consensus implements a Raft-style consensus protocol.
//
// election.go contains leader election: starting elections, the vote-granting
// rules, and the transitions into and out of leadership.
package consensus

import (
	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/metrics"
	"github.com/datapunk/meridian/pkg/transport"
)

// startElection transitions to candidate, increments the term, votes for
// self, and broadcasts vote requests. Caller holds the mutex.
//
// Persistence ordering: the incremented term and the self-vote are written to
// the stable store before any vote request leaves this node. If persistence
// fails the election is abandoned.
func (e *Engine) startElection() error {
	e.role = Candidate
	e.currentTerm++

	if err := e.stableStore.SetUint64(keyCurrentTerm, e.currentTerm); err != nil {
		return err
	}

	e.votedFor = e.config.ID
	if err := e.stableStore.Set(keyVotedFor, []byte(e.votedFor)); err != nil {
		return err
	}

	e.votesReceived = map[cluster.NodeID]bool{e.config.ID: true}
	e.electionTerm = e.currentTerm
	metrics.ElectionsTotal.Inc()
	metrics.ConsensusTerm.Set(float64(e.currentTerm))

	lastLogIndex, lastLogTerm, err := e.lastLogInfo()
	if err != nil {
		return err
	}

	e.logger.WithField("term", e.currentTerm).Info("election timeout, starting election")

	req := VoteRequest{
		Term:         e.currentTerm,
		Candidate:    e.config.ID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	for _, peer := range e.peers() {
		e.send(transport.TypeVoteRequest, peer, req)
	}

	// A single-member cluster wins immediately on its own vote.
	if len(e.votesReceived) >= e.quorum() {
		e.becomeLeader()
	}
	return nil
}

// handleVoteRequest applies the vote-granting rules:
//   - deny if the request term is behind ours
//   - deny if we already voted for a different candidate this term
//   - deny if the candidate's log is less up-to-date than ours
//
// A higher request term forces a step-down first. The granted vote is
// persisted before the response is built; on persistence failure the vote is
// denied and no state changes.
func (e *Engine) handleVoteRequest(req *VoteRequest) VoteResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp := VoteResponse{
		Term:  e.currentTerm,
		Voter: e.config.ID,
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

	if e.votedFor != "" && e.votedFor != req.Candidate {
		return resp
	}

	lastLogIndex, lastLogTerm, err := e.lastLogInfo()
	if err != nil {
		return resp
	}
	if !logUpToDate(req.LastLogTerm, req.LastLogIndex, lastLogTerm, lastLogIndex) {
		return resp
	}

	e.votedFor = req.Candidate
	if err := e.stableStore.Set(keyVotedFor, []byte(e.votedFor)); err != nil {
		e.votedFor = ""
		return resp
	}

	resp.Granted = true
	return resp
}

// handleVoteResponse counts votes and transitions to leader on a majority.
func (e *Engine) handleVoteResponse(resp *VoteResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != Candidate {
		return
	}

	if resp.Term > e.currentTerm {
		if err := e.stepDownToFollower(resp.Term); err != nil {
			e.logger.WithError(err).Error("failed to step down on higher vote response term")
		}
		return
	}

	// Ignore responses from old elections.
	if resp.Term != e.electionTerm {
		return
	}

	if !resp.Granted {
		return
	}

	e.votesReceived[resp.Voter] = true
	if len(e.votesReceived) >= e.quorum() {
		e.becomeLeader()
	}
}

// becomeLeader initializes leader replication state: nextIndex one past our
// last entry, matchIndex zero for every peer. Caller holds the mutex.
func (e *Engine) becomeLeader() {
	e.role = Leader
	e.leaderID = e.config.ID

	lastLogIndex, _, err := e.lastLogInfo()
	if err != nil {
		lastLogIndex = 0
	}

	e.nextIndex = make(map[cluster.NodeID]uint64)
	e.matchIndex = make(map[cluster.NodeID]uint64)
	for _, peer := range e.peers() {
		e.nextIndex[peer] = lastLogIndex + 1
		e.matchIndex[peer] = 0
	}

	// Append a no-op entry for the new term. Commit advancement only counts
	// current-term entries, so this is what lets a new leader commit entries
	// inherited from earlier terms.
	noop := LogEntry{
		Index: lastLogIndex + 1,
		Term:  e.currentTerm,
		Type:  EntryNoop,
	}
	if err := e.logStore.StoreLogs([]LogEntry{noop}); err != nil {
		e.logger.WithError(err).Error("failed to append leader no-op entry")
	} else {
		e.advanceCommitIndex()
	}

	e.logger.WithField("term", e.currentTerm).Info("won election, becoming leader")
}

// stepDownToFollower transitions to follower at the given term.
//
// Persistence ordering: the new term is persisted before the in-memory term
// changes, then votedFor is cleared and persisted. On persistence failure the
// node keeps its previous state. Caller holds the mutex.
func (e *Engine) stepDownToFollower(newTerm uint64) error {
	if err := e.stableStore.SetUint64(keyCurrentTerm, newTerm); err != nil {
		return err
	}
	e.currentTerm = newTerm
	metrics.ConsensusTerm.Set(float64(newTerm))

	e.votedFor = ""
	if err := e.stableStore.Set(keyVotedFor, []byte{}); err != nil {
		return err
	}

	e.role = Follower
	return nil
}

// logUpToDate implements the election restriction: the candidate's log must
// be at least as up-to-date as the voter's, or a stale candidate could win
// and overwrite committed entries. Higher last term wins; equal terms compare
// by length.
func logUpToDate(candidateLastTerm, candidateLastIndex, ourLastTerm, ourLastIndex uint64) bool {
	if candidateLastTerm != ourLastTerm {
		return candidateLastTerm > ourLastTerm
	}
	return candidateLastIndex >= ourLastIndex
}
