package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// waitFor polls the condition until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHTTPTransportSendDispatchesToHandler(t *testing.T) {
	a, err := NewHTTPTransport("a", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport a: %v", err)
	}
	defer a.Close()

	b, err := NewHTTPTransport("b", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport b: %v", err)
	}
	defer b.Close()

	a.AddPeer("b", b.LocalAddr())

	var mu sync.Mutex
	var got []Message
	b.RegisterHandler(TypeHealthReport, func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	msg, err := NewMessage(TypeHealthReport, "a", "b", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "handler never received the message")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Source != "a" || got[0].Type != TypeHealthReport {
		t.Fatalf("unexpected message: %+v", got[0])
	}
}

func TestHTTPTransportSendUnknownPeer(t *testing.T) {
	a, err := NewHTTPTransport("a", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	defer a.Close()

	msg, _ := NewMessage(TypeAlert, "a", "ghost", nil)
	if err := a.Send(context.Background(), msg); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestHTTPTransportRejectsUnknownType(t *testing.T) {
	a, err := NewHTTPTransport("a", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	defer a.Close()

	body, _ := json.Marshal(Message{ID: "x", Type: "gossip_ping", Source: "z", Target: "a"})
	resp, err := http.Post(fmt.Sprintf("http://%s/message", a.LocalAddr()), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", resp.StatusCode)
	}
}

func TestHTTPTransportHealthEndpoint(t *testing.T) {
	a, err := NewHTTPTransport("node-7", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	defer a.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", a.LocalAddr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if hr.Status != "ok" || hr.NodeID != "node-7" {
		t.Fatalf("unexpected health response: %+v", hr)
	}
}

func TestHTTPTransportHandlerPanicDoesNotPropagate(t *testing.T) {
	a, err := NewHTTPTransport("a", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport a: %v", err)
	}
	defer a.Close()
	b, err := NewHTTPTransport("b", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport b: %v", err)
	}
	defer b.Close()
	a.AddPeer("b", b.LocalAddr())

	var mu sync.Mutex
	delivered := 0
	b.RegisterHandler(TypeAlert, func(Message) { panic("boom") })
	b.RegisterHandler(TypeAlert, func(Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	msg, _ := NewMessage(TypeAlert, "a", "b", nil)
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, "second handler never ran after first panicked")
}

func TestHTTPTransportSendAfterClose(t *testing.T) {
	a, err := NewHTTPTransport("a", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	a.Close()

	msg, _ := NewMessage(TypeAlert, "a", "b", nil)
	if err := a.Send(context.Background(), msg); err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestInMemTransportBroadcast(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a", quietLogger())
	b := net.Join("b", quietLogger())
	c := net.Join("c", quietLogger())
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var mu sync.Mutex
	seen := make(map[cluster.NodeID]int)
	record := func(id cluster.NodeID) Handler {
		return func(Message) {
			mu.Lock()
			seen[id]++
			mu.Unlock()
		}
	}
	b.RegisterHandler(TypeStateUpdate, record("b"))
	c.RegisterHandler(TypeStateUpdate, record("c"))

	results := a.Broadcast(context.Background(), TypeStateUpdate, nil, []cluster.NodeID{"b", "c"})
	for id, err := range results {
		if err != nil {
			t.Fatalf("broadcast to %s failed: %v", id, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["b"] == 1 && seen["c"] == 1
	}, "broadcast never reached all members")
}

func TestInMemTransportPartition(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a", quietLogger())
	b := net.Join("b", quietLogger())
	defer a.Close()
	defer b.Close()

	net.Disconnect("a", "b")
	msg, _ := NewMessage(TypeHealthCheck, "a", "b", nil)
	if err := a.Send(context.Background(), msg); err == nil {
		t.Fatal("expected send across cut link to fail")
	}

	net.Reconnect("a", "b")
	msg, _ = NewMessage(TypeHealthCheck, "a", "b", nil)
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send after reconnect failed: %v", err)
	}
}

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		TypeNodeJoin, TypeVoteRequest, TypeReplicateResponse, TypeRecoveryRequest, TypeReplicateAck,
	} {
		if !mt.Valid() {
			t.Errorf("%s should be valid", mt)
		}
	}
	if MessageType("carrier_pigeon").Valid() {
		t.Error("unknown type should be invalid")
	}
}
