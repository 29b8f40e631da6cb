package node

import (
	"sync"
	"testing"
	"time"

	"github.com/nodewire/nodewire/hub"
	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/messages"
	"github.com/nodewire/nodewire/preflight"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/transport"
	"github.com/nodewire/nodewire/transport/tcp"
	"github.com/nodewire/nodewire/wire"
)

func startTestHub(t *testing.T) wire.Endpoint {
	t.Helper()
	srv, err := tcp.Listen(wire.Endpoint{Address: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h := hub.New(srv, tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{})
	stop := make(chan struct{})
	go h.Run(stop)
	t.Cleanup(func() { close(stop) })
	return wire.Endpoint{Address: "127.0.0.1", Port: srv.Addr().Port}
}

func loopbackServerFactory() transport.ServerFactory {
	return func(ep wire.Endpoint) (transport.Server, error) {
		return tcp.Listen(wire.Endpoint{Address: "127.0.0.1", Port: 0})
	}
}

func spinUntil(t *testing.T, cond func() bool, spin func()) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		spin()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true before deadline")
}

func TestNodeRegistersOnConstruction(t *testing.T) {
	hubEp := startTestHub(t)
	n := New("test-node", hubEp, loopbackServerFactory(), tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(n.Shutdown)
	if !n.OK() {
		t.Fatal("expected a freshly constructed node to be OK")
	}
	if n.Info().Name != "test-node" {
		t.Fatalf("expected name 'test-node', got %q", n.Info().Name)
	}
}

func TestNodeWithPassingPreflightConstructs(t *testing.T) {
	hubEp := startTestHub(t)
	checker := preflight.New(log.NewNoopLogger()).Add(preflight.TCPCheck("hub", hubEp))
	n := New("preflighted-node", hubEp, loopbackServerFactory(), tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{}, WithPreflight(checker))
	t.Cleanup(n.Shutdown)
	if !n.OK() {
		t.Fatal("expected a node constructed with a passing preflight checker to be OK")
	}
}

func TestNodeWithPreflightFailureStillConstructs(t *testing.T) {
	hubEp := startTestHub(t)
	unreachable := wire.Endpoint{Address: "127.0.0.1", Port: 1}
	checker := preflight.New(log.NewNoopLogger()).Add(preflight.TCPCheck("unreachable", unreachable))
	n := New("degraded-node", hubEp, loopbackServerFactory(), tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{}, WithPreflight(checker))
	t.Cleanup(n.Shutdown)
	if !n.OK() {
		t.Fatal("a failing preflight check must not prevent best-effort construction")
	}
	if n.Info().Name != "degraded-node" {
		t.Fatalf("expected name 'degraded-node', got %q", n.Info().Name)
	}
}

func TestNodeSpinOnceDropsFailedComponent(t *testing.T) {
	hubEp := startTestHub(t)
	nodeA := New("node-a", hubEp, loopbackServerFactory(), tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(nodeA.Shutdown)

	topic := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}
	firstPub := nodeA.CreatePublisher(topic, wire.Endpoint{Address: "127.0.0.1", Port: 0})
	if !firstPub.OK() {
		t.Fatal("first publisher on a fresh topic must register")
	}

	mismatched := wire.TopicInfo{ID: 2, Name: "/test_topic", MessageHash: messages.TimeMessageHash()}
	rejectedPub := nodeA.CreatePublisher(mismatched, wire.Endpoint{Address: "127.0.0.1", Port: 0})
	if rejectedPub.OK() {
		t.Fatal("publisher with mismatched message_hash must report ok()==false")
	}

	nodeA.SpinOnce()

	nodeA.mu.Lock()
	count := len(nodeA.components)
	nodeA.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected the rejected publisher to be dropped after one SpinOnce, got %d components remaining", count)
	}
}

func TestCrossNodePublishSubscribe(t *testing.T) {
	hubEp := startTestHub(t)
	nodeA := New("node-a", hubEp, loopbackServerFactory(), tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(nodeA.Shutdown)
	nodeB := New("node-b", hubEp, loopbackServerFactory(), tcp.NewClientFactory(), log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(nodeB.Shutdown)

	topic := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}
	publisher := nodeA.CreatePublisher(topic, wire.Endpoint{Address: "127.0.0.1", Port: 0})
	if !publisher.OK() {
		t.Fatal("expected publisher to register")
	}

	var mu sync.Mutex
	var received []messages.Header
	subscriber := nodeB.CreateSubscriber(topic, wire.Endpoint{Address: "127.0.0.1", Port: 0}, func(payload []byte) {
		var cur uint32
		h, err := messages.DeserializeHeader(payload, uint32(len(payload)), &cur)
		if err == nil {
			mu.Lock()
			received = append(received, h)
			mu.Unlock()
		}
	})
	if !subscriber.OK() {
		t.Fatal("expected subscriber to register")
	}

	spinUntil(t, func() bool { return subscriber.PublisherCount() == 1 }, func() {
		nodeA.SpinOnce()
		nodeB.SpinOnce()
	})

	want := messages.Header{Seq: 7, FrameID: "cross-node", Stamp: messages.Stamp{Sec: 1, Nsec: 2}}
	publisher.Publish(want)

	spinUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, func() {
		nodeA.SpinOnce()
		nodeB.SpinOnce()
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0] != want {
		t.Fatalf("got %+v, want %+v", received[0], want)
	}
}
