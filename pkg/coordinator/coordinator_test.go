package coordinator

import (
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

func testNode(id cluster.NodeID) *cluster.Node {
	return cluster.NewNode(id, cluster.Capacity{Storage: 1 << 30, MaxPartitions: 100})
}

func TestAddNodeRejectsDuplicate(t *testing.T) {
	c := New(quietLogger())

	if !c.AddNode(testNode("n1")) {
		t.Fatal("first AddNode returned false")
	}
	if c.AddNode(testNode("n1")) {
		t.Fatal("duplicate AddNode returned true")
	}
	if len(c.Nodes()) != 1 {
		t.Fatalf("node count = %d, want 1", len(c.Nodes()))
	}
}

func TestRemoveNodePrunesLocations(t *testing.T) {
	c := New(quietLogger())
	c.AddNode(testNode("n1"))
	c.AddNode(testNode("n2"))
	c.UpdatePartitionLocation("p-1", []cluster.NodeID{"n1", "n2"})
	c.UpdatePartitionLocation("p-2", []cluster.NodeID{"n1"})

	if !c.RemoveNode("n1") {
		t.Fatal("RemoveNode returned false")
	}

	holders := c.GetPartitionNodes("p-1")
	if len(holders) != 1 || holders[0] != "n2" {
		t.Fatalf("p-1 holders = %v, want [n2]", holders)
	}
	// p-2 lost its only holder and must disappear entirely.
	if got := c.GetPartitionNodes("p-2"); len(got) != 0 {
		t.Fatalf("p-2 holders = %v, want none", got)
	}
	if got := c.Partitions(); len(got) != 1 {
		t.Fatalf("partitions = %v, want only p-1", got)
	}
}

func TestVersionIsMonotonic(t *testing.T) {
	c := New(quietLogger())

	v0 := c.Version()
	c.AddNode(testNode("n1"))
	v1 := c.Version()
	c.UpdatePartitionLocation("p-1", []cluster.NodeID{"n1"})
	v2 := c.Version()
	c.RemoveNode("n1")
	v3 := c.Version()

	if !(v0 < v1 && v1 < v2 && v2 < v3) {
		t.Fatalf("versions not strictly increasing: %d %d %d %d", v0, v1, v2, v3)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	c := New(quietLogger())
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	c.AddNode(testNode("n1"))

	select {
	case snap := <-ch:
		if len(snap.Nodes) != 1 || snap.Nodes[0] != "n1" {
			t.Fatalf("snapshot nodes = %v, want [n1]", snap.Nodes)
		}
		if snap.Version != 1 {
			t.Fatalf("snapshot version = %d, want 1", snap.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestSlowSubscriberDoesNotBlockMutations(t *testing.T) {
	c := New(quietLogger())
	_, unsubscribe := c.Subscribe()
	defer unsubscribe()

	// Never read from the channel; mutations must still complete promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			c.AddNode(testNode(cluster.NodeID(rune('a' + i%26))))
			c.RemoveNode(cluster.NodeID(rune('a' + i%26)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mutations blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := New(quietLogger())
	ch, unsubscribe := c.Subscribe()

	unsubscribe()
	// Double unsubscribe is a no-op.
	unsubscribe()

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}

	// Mutations after unsubscribe must not panic on the closed channel.
	c.AddNode(testNode("n1"))
}

func TestCleanupPrunesUnknownNodes(t *testing.T) {
	c := New(quietLogger())
	c.AddNode(testNode("n1"))

	// Inject a location entry referencing a node that was never registered.
	c.mu.Lock()
	c.locations["p-1"] = map[cluster.NodeID]bool{"n1": true, "ghost": true}
	c.locations["p-2"] = map[cluster.NodeID]bool{"ghost": true}
	c.mu.Unlock()

	c.cleanup()

	holders := c.GetPartitionNodes("p-1")
	if len(holders) != 1 || holders[0] != "n1" {
		t.Fatalf("p-1 holders = %v, want [n1]", holders)
	}
	if got := c.GetPartitionNodes("p-2"); len(got) != 0 {
		t.Fatalf("p-2 holders = %v, want none", got)
	}
}

func TestPartitionsOn(t *testing.T) {
	c := New(quietLogger())
	c.AddNode(testNode("n1"))
	c.AddNode(testNode("n2"))
	c.UpdatePartitionLocation("p-1", []cluster.NodeID{"n1", "n2"})
	c.UpdatePartitionLocation("p-2", []cluster.NodeID{"n2"})

	on1 := c.PartitionsOn("n1")
	if len(on1) != 1 || on1[0] != "p-1" {
		t.Fatalf("PartitionsOn(n1) = %v, want [p-1]", on1)
	}
	if got := c.PartitionsOn("n2"); len(got) != 2 {
		t.Fatalf("PartitionsOn(n2) = %v, want 2 partitions", got)
	}
}
