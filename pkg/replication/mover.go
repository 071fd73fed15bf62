package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/storage"
	"github.com/datapunk/meridian/pkg/transport"
)

// defaultTransferTimeout bounds one partition move when the caller's context
// carries no deadline.
const defaultTransferTimeout = 2 * time.Minute

// transferRequest asks the node holding a partition to push it to a target.
type transferRequest struct {
	TransferID string              `json:"transfer_id"`
	Partition  cluster.PartitionID `json:"partition"`
	Target     cluster.NodeID      `json:"target"`
}

// syncPayload carries one partition snapshot to its new holder.
type syncPayload struct {
	TransferID string              `json:"transfer_id"`
	Partition  cluster.PartitionID `json:"partition"`
	Snapshot   []byte              `json:"snapshot"`
}

// ackPayload closes out one transfer, successful or not.
type ackPayload struct {
	TransferID string `json:"transfer_id"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// TransportMover moves partition snapshots between nodes over the message
// transport. Each node runs one; the initiating side issues a transfer
// request to the partition's holder, the holder pushes a snapshot to the
// target, and an ack flows back to the initiator keyed by transfer ID.
type TransportMover struct {
	id     cluster.NodeID
	trans  transport.Transport
	store  *storage.PartitionStore
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[string]chan error
}

// NewTransportMover wires a mover into the transport's dispatch table.
func NewTransportMover(id cluster.NodeID, trans transport.Transport, store *storage.PartitionStore, logger *logrus.Logger) *TransportMover {
	if logger == nil {
		logger = logrus.New()
	}
	m := &TransportMover{
		id:      id,
		trans:   trans,
		store:   store,
		logger:  logger,
		pending: make(map[string]chan error),
	}

	trans.RegisterHandler(transport.TypePartitionTransfer, m.handleTransferRequest)
	trans.RegisterHandler(transport.TypePartitionSync, m.handleSync)
	trans.RegisterHandler(transport.TypeReplicateAck, m.handleAck)
	return m
}

// Move ships one partition from source to target and waits for the ack. When
// this node is the source the snapshot is pushed directly; otherwise the
// source is asked to push it.
func (m *TransportMover) Move(ctx context.Context, p cluster.PartitionID, source, target cluster.NodeID) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTransferTimeout)
		defer cancel()
	}

	transferID, err := newTransferID()
	if err != nil {
		return err
	}

	wait := make(chan error, 1)
	m.mu.Lock()
	m.pending[transferID] = wait
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, transferID)
		m.mu.Unlock()
	}()

	if source == m.id {
		if err := m.push(ctx, transferID, p, target, m.id); err != nil {
			return err
		}
	} else {
		req := transferRequest{TransferID: transferID, Partition: p, Target: target}
		msg, err := transport.NewMessage(transport.TypePartitionTransfer, m.id, source, req)
		if err != nil {
			return err
		}
		if err := m.trans.Send(ctx, msg); err != nil {
			return fmt.Errorf("failed to request transfer from %s: %w", source, err)
		}
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return fmt.Errorf("transfer of %s timed out: %w", p, ctx.Err())
	}
}

// push exports the partition locally and ships it to target. ackTo names the
// node waiting on the transfer's ack.
func (m *TransportMover) push(ctx context.Context, transferID string, p cluster.PartitionID, target, ackTo cluster.NodeID) error {
	snap, err := m.store.Export(p)
	if err != nil {
		return err
	}
	raw, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	payload := syncPayload{TransferID: transferID, Partition: p, Snapshot: raw}
	// The envelope's source is the initiator, not necessarily this node, so
	// the target acks the node actually waiting on the transfer.
	msg, err := transport.NewMessage(transport.TypePartitionSync, ackTo, target, payload)
	if err != nil {
		return err
	}
	if err := m.trans.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to ship partition %s to %s: %w", p, target, err)
	}
	return nil
}

// handleTransferRequest serves a push request for a partition this node
// holds. Failures are acked back to the initiator instead of being dropped.
func (m *TransportMover) handleTransferRequest(msg transport.Message) {
	var req transferRequest
	if err := transport.DecodePayload(msg, &req); err != nil {
		m.logger.WithError(err).Warn("dropping malformed transfer request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTransferTimeout)
	defer cancel()

	if err := m.push(ctx, req.TransferID, req.Partition, req.Target, msg.Source); err != nil {
		m.logger.WithError(err).WithField("partition", req.Partition).Error("transfer push failed")
		m.ack(ctx, msg.Source, req.TransferID, err)
	}
}

// handleSync imports an inbound snapshot and acks the initiator.
func (m *TransportMover) handleSync(msg transport.Message) {
	var payload syncPayload
	if err := transport.DecodePayload(msg, &payload); err != nil {
		m.logger.WithError(err).Warn("dropping malformed partition sync")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTransferTimeout)
	defer cancel()

	var importErr error
	snap, err := storage.DecodeSnapshot(payload.Snapshot)
	if err != nil {
		importErr = err
	} else {
		importErr = m.store.Import(snap)
	}

	if importErr != nil {
		m.logger.WithError(importErr).WithField("partition", payload.Partition).Error("snapshot import failed")
	}
	m.ack(ctx, msg.Source, payload.TransferID, importErr)
}

// handleAck resolves the pending wait for one transfer.
func (m *TransportMover) handleAck(msg transport.Message) {
	var payload ackPayload
	if err := transport.DecodePayload(msg, &payload); err != nil {
		m.logger.WithError(err).Warn("dropping malformed transfer ack")
		return
	}

	m.mu.Lock()
	wait, ok := m.pending[payload.TransferID]
	m.mu.Unlock()
	if !ok {
		// Ack for a transfer that already timed out locally.
		return
	}

	var err error
	if !payload.OK {
		err = errors.New(payload.Error)
	}
	select {
	case wait <- err:
	default:
	}
}

// ack reports a transfer's outcome to the node waiting on it.
func (m *TransportMover) ack(ctx context.Context, to cluster.NodeID, transferID string, result error) {
	payload := ackPayload{TransferID: transferID, OK: result == nil}
	if result != nil {
		payload.Error = result.Error()
	}

	msg, err := transport.NewMessage(transport.TypeReplicateAck, m.id, to, payload)
	if err != nil {
		m.logger.WithError(err).Error("failed to encode transfer ack")
		return
	}
	if err := m.trans.Send(ctx, msg); err != nil {
		m.logger.WithError(err).WithField("target", to).Debug("transfer ack send failed")
	}
}

func newTransferID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate transfer id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ Mover = (*TransportMover)(nil)
