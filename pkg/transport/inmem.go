package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
)

// Network is an in-process message fabric connecting InMemTransport instances.
// Links between members can be cut and restored, which is how tests simulate
// network partitions.
type Network struct {
	mu      sync.RWMutex
	members map[cluster.NodeID]*InMemTransport
	blocked map[[2]cluster.NodeID]bool
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		members: make(map[cluster.NodeID]*InMemTransport),
		blocked: make(map[[2]cluster.NodeID]bool),
	}
}

// Join creates a transport for the given node and attaches it to the network.
func (n *Network) Join(id cluster.NodeID, logger *logrus.Logger) *InMemTransport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &InMemTransport{
		id:       id,
		network:  n,
		logger:   logger,
		handlers: make(map[MessageType][]Handler),
		shutdown: make(chan struct{}),
	}
	n.mu.Lock()
	n.members[id] = t
	n.mu.Unlock()
	return t
}

// Disconnect cuts the link between a and b in both directions.
func (n *Network) Disconnect(a, b cluster.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]cluster.NodeID{a, b}] = true
	n.blocked[[2]cluster.NodeID{b, a}] = true
}

// Reconnect restores the link between a and b.
func (n *Network) Reconnect(a, b cluster.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, [2]cluster.NodeID{a, b})
	delete(n.blocked, [2]cluster.NodeID{b, a})
}

// Isolate cuts every link to and from the given node.
func (n *Network) Isolate(id cluster.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.members {
		if other == id {
			continue
		}
		n.blocked[[2]cluster.NodeID{id, other}] = true
		n.blocked[[2]cluster.NodeID{other, id}] = true
	}
}

// Heal restores every link to and from the given node.
func (n *Network) Heal(id cluster.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.members {
		delete(n.blocked, [2]cluster.NodeID{id, other})
		delete(n.blocked, [2]cluster.NodeID{other, id})
	}
}

// deliver routes a message to the target member unless the link is cut.
func (n *Network) deliver(msg Message) error {
	n.mu.RLock()
	target, ok := n.members[msg.Target]
	cut := n.blocked[[2]cluster.NodeID{msg.Source, msg.Target}]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, msg.Target)
	}
	if cut {
		return fmt.Errorf("link %s -> %s is down", msg.Source, msg.Target)
	}
	return target.receive(msg)
}

// InMemTransport implements Transport over a shared in-process Network.
// Used by tests and single-process simulations.
type InMemTransport struct {
	id      cluster.NodeID
	network *Network
	logger  *logrus.Logger

	mu       sync.RWMutex
	handlers map[MessageType][]Handler

	shutdown   chan struct{}
	shutdownMu sync.Mutex
}

// LocalAddr returns a synthetic address for the member.
func (t *InMemTransport) LocalAddr() string {
	return "mem://" + string(t.id)
}

// RegisterHandler adds a handler for a message type.
func (t *InMemTransport) RegisterHandler(mt MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mt] = append(t.handlers[mt], h)
}

// Send delivers a message through the network fabric.
func (t *InMemTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.shutdown:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !msg.Type.Valid() || msg.Target == "" {
		return ErrInvalidMessage
	}
	return t.network.deliver(msg)
}

// Broadcast sends the payload to every target independently.
func (t *InMemTransport) Broadcast(ctx context.Context, mt MessageType, payload any, targets []cluster.NodeID) map[cluster.NodeID]error {
	results := make(map[cluster.NodeID]error, len(targets))
	for _, target := range targets {
		msg, err := NewMessage(mt, t.id, target, payload)
		if err == nil {
			err = t.Send(ctx, msg)
		}
		results[target] = err
	}
	return results
}

// receive dispatches an inbound message to registered handlers, recovering
// handler panics.
func (t *InMemTransport) receive(msg Message) error {
	select {
	case <-t.shutdown:
		return ErrTransportClosed
	default:
	}

	t.mu.RLock()
	handlers := make([]Handler, len(t.handlers[msg.Type]))
	copy(handlers, t.handlers[msg.Type])
	t.mu.RUnlock()

	go func() {
		for _, h := range handlers {
			func(h Handler) {
				defer func() {
					if r := recover(); r != nil {
						t.logger.WithField("type", msg.Type).Errorf("message handler panicked: %v", r)
					}
				}()
				h(msg)
			}(h)
		}
	}()
	return nil
}

// Close detaches the transport from the network.
func (t *InMemTransport) Close() error {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()

	select {
	case <-t.shutdown:
		return nil
	default:
	}
	close(t.shutdown)

	t.network.mu.Lock()
	delete(t.network.members, t.id)
	t.network.mu.Unlock()
	return nil
}

// Compile-time check that InMemTransport implements Transport.
var _ Transport = (*InMemTransport)(nil)
