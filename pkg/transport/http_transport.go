package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/metrics"
)

const defaultClientTimeout = 5 * time.Second

// healthResponse is the liveness payload returned by GET /health. It reports
// process liveness only, never cluster health.
type healthResponse struct {
	Status    string         `json:"status"`
	NodeID    cluster.NodeID `json:"node_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// HTTPTransport implements Transport over plain HTTP. Envelopes are POSTed to
// the peer's /message endpoint; a 202 means accepted-for-dispatch. It is safe
// for concurrent use by multiple goroutines.
type HTTPTransport struct {
	nodeID    cluster.NodeID
	localAddr string
	logger    *logrus.Logger

	client *http.Client
	mux    *http.ServeMux
	server *http.Server

	mu       sync.RWMutex
	peers    map[cluster.NodeID]string
	handlers map[MessageType][]Handler

	// Shutdown coordination
	shutdown   chan struct{}
	shutdownMu sync.Mutex
}

// NewHTTPTransport creates an HTTPTransport listening on listenAddr and starts
// serving immediately.
func NewHTTPTransport(nodeID cluster.NodeID, listenAddr string, logger *logrus.Logger) (*HTTPTransport, error) {
	if logger == nil {
		logger = logrus.New()
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t := &HTTPTransport{
		nodeID:    nodeID,
		localAddr: listener.Addr().String(),
		logger:    logger,
		client:    &http.Client{Timeout: defaultClientTimeout},
		mux:       http.NewServeMux(),
		peers:     make(map[cluster.NodeID]string),
		handlers:  make(map[MessageType][]Handler),
		shutdown:  make(chan struct{}),
	}

	t.mux.HandleFunc("/message", t.handleMessage)
	t.mux.HandleFunc("/health", t.handleHealth)

	t.server = &http.Server{Handler: t.mux}
	go func() {
		_ = t.server.Serve(listener)
	}()

	return t, nil
}

// LocalAddr returns the address on which this transport listens.
func (t *HTTPTransport) LocalAddr() string {
	return t.localAddr
}

// Handle mounts an extra HTTP handler on the transport's mux, e.g. a metrics
// endpoint. Must be called before the pattern receives traffic.
func (t *HTTPTransport) Handle(pattern string, h http.Handler) {
	t.mux.Handle(pattern, h)
}

// AddPeer records the address for a peer node. Subsequent Sends to that node
// use the new address.
func (t *HTTPTransport) AddPeer(id cluster.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// RemovePeer forgets a peer's address.
func (t *HTTPTransport) RemovePeer(id cluster.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// RegisterHandler adds a handler for a message type.
func (t *HTTPTransport) RegisterHandler(mt MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mt] = append(t.handlers[mt], h)
}

// Send delivers an envelope to its target's /message endpoint. The error is
// the delivery outcome only; no retry is attempted here.
func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.shutdown:
		return ErrTransportClosed
	default:
	}

	if !msg.Type.Valid() || msg.Target == "" {
		return ErrInvalidMessage
	}

	t.mu.RLock()
	addr, ok := t.peers[msg.Target]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, msg.Target)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/message", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send %s to %s: http %d", msg.Type, msg.Target, resp.StatusCode)
	}
	return nil
}

// Broadcast sends the payload to every target, attempting each independently.
func (t *HTTPTransport) Broadcast(ctx context.Context, mt MessageType, payload any, targets []cluster.NodeID) map[cluster.NodeID]error {
	results := make(map[cluster.NodeID]error, len(targets))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		go func(target cluster.NodeID) {
			defer wg.Done()
			msg, err := NewMessage(mt, t.nodeID, target, payload)
			if err == nil {
				err = t.Send(ctx, msg)
			}
			resultsMu.Lock()
			results[target] = err
			resultsMu.Unlock()
		}(target)
	}

	wg.Wait()
	return results
}

// handleMessage accepts an envelope and dispatches it asynchronously. The 202
// response means accepted-for-dispatch; handler outcomes are not reflected in
// the HTTP status.
func (t *HTTPTransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if !msg.Type.Valid() {
		http.Error(w, "unknown message type", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	go t.dispatch(msg)
}

// handleHealth returns process liveness.
func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		NodeID:    t.nodeID,
		Timestamp: time.Now(),
	})
}

// dispatch invokes every handler registered for the message type. Handler
// panics are recovered and logged so one bad handler cannot take down the
// receive path.
func (t *HTTPTransport) dispatch(msg Message) {
	t.mu.RLock()
	handlers := make([]Handler, len(t.handlers[msg.Type]))
	copy(handlers, t.handlers[msg.Type])
	t.mu.RUnlock()

	for _, h := range handlers {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					metrics.HandlerPanics.Inc()
					t.logger.WithFields(logrus.Fields{
						"type":   msg.Type,
						"source": msg.Source,
					}).Errorf("message handler panicked: %v", r)
				}
			}()
			h(msg)
		}(h)
	}
}

// Close shuts down the HTTP server and stops accepting envelopes. Safe to call
// multiple times.
func (t *HTTPTransport) Close() error {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()

	select {
	case <-t.shutdown:
		return nil
	default:
	}
	close(t.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Compile-time check that HTTPTransport implements Transport.
var _ Transport = (*HTTPTransport)(nil)
