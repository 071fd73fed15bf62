package transport

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/datapunk/meridian/pkg/cluster"
)

// MessageType identifies the kind of payload carried by a Message. The set is
// closed: Valid() gives dispatch a compile-time-checkable surface instead of
// free-form strings, while RegisterHandler keeps the routing table extensible.
type MessageType string

const (
	// Membership.
	TypeNodeJoin    MessageType = "node_join"
	TypeNodeLeave   MessageType = "node_leave"
	TypeStateUpdate MessageType = "state_update"

	// Partition management.
	TypePartitionAssign   MessageType = "partition_assign"
	TypePartitionTransfer MessageType = "partition_transfer"
	TypePartitionSync     MessageType = "partition_sync"

	// Health.
	TypeHealthCheck  MessageType = "health_check"
	TypeHealthReport MessageType = "health_report"
	TypeAlert        MessageType = "alert"

	// Consensus.
	TypeVoteRequest       MessageType = "vote_request"
	TypeVoteResponse      MessageType = "vote_response"
	TypeReplicateRequest  MessageType = "replicate_request"
	TypeReplicateResponse MessageType = "replicate_response"

	// Recovery.
	TypeRecoveryRequest  MessageType = "recovery_request"
	TypeRecoveryResponse MessageType = "recovery_response"

	// Replication data plane.
	TypeReplicate    MessageType = "replicate"
	TypeReplicateAck MessageType = "replicate_ack"
)

var validTypes = map[MessageType]struct{}{
	TypeNodeJoin: {}, TypeNodeLeave: {}, TypeStateUpdate: {},
	TypePartitionAssign: {}, TypePartitionTransfer: {}, TypePartitionSync: {},
	TypeHealthCheck: {}, TypeHealthReport: {}, TypeAlert: {},
	TypeVoteRequest: {}, TypeVoteResponse: {},
	TypeReplicateRequest: {}, TypeReplicateResponse: {},
	TypeRecoveryRequest: {}, TypeRecoveryResponse: {},
	TypeReplicate: {}, TypeReplicateAck: {},
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// Message is the transport-agnostic wire envelope exchanged between nodes.
// Payload contents are type-specific and opaque to the transport.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Source    cluster.NodeID  `json:"source"`
	Target    cluster.NodeID  `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds an envelope with a fresh random ID and the current time.
// The payload is JSON-encoded; an encoding failure is a programming error and
// is returned to the caller rather than sent half-formed.
func NewMessage(t MessageType, source, target cluster.NodeID, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        newMessageID(),
		Type:      t,
		Source:    source,
		Target:    target,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// DecodePayload unmarshals a message's payload into v.
func DecodePayload(msg Message, v any) error {
	return json.Unmarshal(msg.Payload, v)
}

// newMessageID returns a random 16-byte hex identifier.
func newMessageID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
