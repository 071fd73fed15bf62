// Package transport provides the networking infrastructure for meridian's
// cluster communication. It defines the wire envelope, the Transport interface
// and two implementations: an HTTP transport for production and an in-memory
// transport for tests.
//
// Delivery semantics are at-least-once with no built-in retry: a failed Send
// returns an error and retry policy belongs to the caller. Handlers therefore
// must be idempotent.
//
// Thread Safety: implementations of Transport must be safe for concurrent use
// by multiple goroutines.
package transport

import (
	"context"
	"errors"

	"github.com/datapunk/meridian/pkg/cluster"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrUnknownPeer is returned when the target node has no known address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrInvalidMessage is returned for envelopes with an unknown type or no target.
	ErrInvalidMessage = errors.New("invalid message")
)

// Handler processes an inbound message. Handlers run outside the transport's
// receive path; a panicking or slow handler never stalls delivery to others.
type Handler func(msg Message)

// Transport moves envelopes between cluster members.
type Transport interface {
	// Send delivers a message point-to-point. A nil return means the target
	// accepted the envelope for dispatch, not that any handler ran.
	Send(ctx context.Context, msg Message) error

	// Broadcast sends the same payload to every target, returning the
	// per-target delivery outcome. Targets are attempted independently; one
	// failure does not stop the rest.
	Broadcast(ctx context.Context, t MessageType, payload any, targets []cluster.NodeID) map[cluster.NodeID]error

	// RegisterHandler adds a handler for a message type. All handlers
	// registered for a type see every inbound message of that type.
	RegisterHandler(t MessageType, h Handler)

	// LocalAddr returns the address on which this transport listens.
	LocalAddr() string

	// Close shuts down the transport and releases all resources.
	Close() error
}
