package sub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nodewire/nodewire/hub"
	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/messages"
	"github.com/nodewire/nodewire/pub"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/transport/tcp"
	"github.com/nodewire/nodewire/wire"
)

// countingMetrics is a telemetry.Metrics double that tallies emitted
// counters by name, so a test can assert a given counter fired without
// asserting on the value the spec leaves undefined.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (c *countingMetrics) Counter(_ context.Context, name string, _ float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

func (c *countingMetrics) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

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

func newListeningEndpoint(t *testing.T) (*tcp.Server, wire.Endpoint) {
	t.Helper()
	srv, err := tcp.Listen(wire.Endpoint{Address: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return srv, wire.Endpoint{Address: "127.0.0.1", Port: srv.Addr().Port}
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

func TestSimpleRoundTrip(t *testing.T) {
	hubEp := startTestHub(t)

	pubSrv, pubEp := newListeningEndpoint(t)
	topic := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}
	publisher := pub.New(1, topic, pubEp, pubSrv, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(publisher.Shutdown)
	if !publisher.OK() {
		t.Fatal("expected publisher to register")
	}

	subSrv, subEp := newListeningEndpoint(t)
	var mu sync.Mutex
	var received []messages.Header
	callback := func(payload []byte) {
		var cur uint32
		h, err := messages.DeserializeHeader(payload, uint32(len(payload)), &cur)
		if err != nil {
			t.Errorf("DeserializeHeader: %v", err)
			return
		}
		mu.Lock()
		received = append(received, h)
		mu.Unlock()
	}
	subscriber := New(1, topic, subEp, subSrv, tcp.NewClientFactory(), hubEp, callback, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(subscriber.Shutdown)
	if !subscriber.OK() {
		t.Fatal("expected subscriber to register")
	}

	spinUntil(t, func() bool { return subscriber.PublisherCount() == 1 }, func() {
		subscriber.SpinOnce()
		publisher.SpinOnce()
	})
	if publisher.SubscriberCount() != 1 {
		t.Fatalf("expected publisher subscriber_count == 1, got %d", publisher.SubscriberCount())
	}

	want := messages.Header{Seq: 1234, FrameID: "hello, world!", Stamp: messages.Stamp{Sec: 456, Nsec: 789}}
	publisher.Publish(want)

	spinUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, func() {
		subscriber.SpinOnce()
		publisher.SpinOnce()
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly 1 callback invocation, got %d", len(received))
	}
	if received[0] != want {
		t.Fatalf("got %+v, want %+v", received[0], want)
	}
}

func TestCountingMetricsTracksNotifyAndMessageReceipt(t *testing.T) {
	hubEp := startTestHub(t)

	pubSrv, pubEp := newListeningEndpoint(t)
	topic := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}
	publisher := pub.New(1, topic, pubEp, pubSrv, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(publisher.Shutdown)
	if !publisher.OK() {
		t.Fatal("expected publisher to register")
	}

	subSrv, subEp := newListeningEndpoint(t)
	metrics := newCountingMetrics()
	subscriber := New(1, topic, subEp, subSrv, tcp.NewClientFactory(), hubEp, func([]byte) {}, log.NewNoopLogger(), metrics)
	t.Cleanup(subscriber.Shutdown)
	if !subscriber.OK() {
		t.Fatal("expected subscriber to register")
	}

	spinUntil(t, func() bool { return metrics.count("sub.notify_received") >= 1 }, func() {
		subscriber.SpinOnce()
		publisher.SpinOnce()
	})

	publisher.Publish(messages.Header{Seq: 1, FrameID: "counted", Stamp: messages.Stamp{Sec: 1, Nsec: 1}})

	spinUntil(t, func() bool { return metrics.count("sub.messages_received") == 1 }, func() {
		subscriber.SpinOnce()
		publisher.SpinOnce()
	})
}

func TestHashMismatchScenario(t *testing.T) {
	hubEp := startTestHub(t)

	subSrv1, subEp1 := newListeningEndpoint(t)
	topicHeader := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}
	sub1 := New(1, topicHeader, subEp1, subSrv1, tcp.NewClientFactory(), hubEp, nil, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(sub1.Shutdown)
	if !sub1.OK() {
		t.Fatal("first subscriber on a fresh topic must register successfully")
	}

	subSrv2, subEp2 := newListeningEndpoint(t)
	topicTime := wire.TopicInfo{ID: 2, Name: "/test_topic", MessageHash: messages.TimeMessageHash()}
	sub2 := New(2, topicTime, subEp2, subSrv2, tcp.NewClientFactory(), hubEp, nil, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(sub2.Shutdown)
	if sub2.OK() {
		t.Fatal("subscriber with a mismatched message_hash must report ok()==false")
	}

	pubSrv, pubEp := newListeningEndpoint(t)
	publisher := pub.New(3, topicTime, pubEp, pubSrv, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(publisher.Shutdown)
	if publisher.OK() {
		t.Fatal("publisher with a mismatched message_hash must report ok()==false")
	}
}

func TestMultiplePublishersOneSubscriber(t *testing.T) {
	hubEp := startTestHub(t)
	topic := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}

	pubSrv1, pubEp1 := newListeningEndpoint(t)
	pub1 := pub.New(1, topic, pubEp1, pubSrv1, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(pub1.Shutdown)
	if !pub1.OK() {
		t.Fatal("expected pub1 to register")
	}

	subSrv, subEp := newListeningEndpoint(t)
	var mu sync.Mutex
	var received []messages.Header
	subscriber := New(1, topic, subEp, subSrv, tcp.NewClientFactory(), hubEp, func(payload []byte) {
		var cur uint32
		h, err := messages.DeserializeHeader(payload, uint32(len(payload)), &cur)
		if err == nil {
			mu.Lock()
			received = append(received, h)
			mu.Unlock()
		}
	}, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(subscriber.Shutdown)
	if !subscriber.OK() {
		t.Fatal("expected subscriber to register")
	}

	spinUntil(t, func() bool { return subscriber.PublisherCount() == 1 }, func() {
		subscriber.SpinOnce()
		pub1.SpinOnce()
	})
	if pub1.SubscriberCount() != 1 {
		t.Fatalf("expected pub1 subscriber_count == 1, got %d", pub1.SubscriberCount())
	}

	pubSrv2, pubEp2 := newListeningEndpoint(t)
	pub2 := pub.New(2, topic, pubEp2, pubSrv2, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(pub2.Shutdown)
	if !pub2.OK() {
		t.Fatal("expected pub2 to register")
	}

	spinUntil(t, func() bool { return subscriber.PublisherCount() == 2 }, func() {
		subscriber.SpinOnce()
		pub1.SpinOnce()
		pub2.SpinOnce()
	})
	if pub1.SubscriberCount() != 1 || pub2.SubscriberCount() != 1 {
		t.Fatalf("expected both publishers to report subscriber_count == 1, got pub1=%d pub2=%d", pub1.SubscriberCount(), pub2.SubscriberCount())
	}

	pub1.Publish(messages.Header{Seq: 1, FrameID: "from pub1"})
	pub2.Publish(messages.Header{Seq: 2, FrameID: "from pub2"})

	spinUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, func() {
		subscriber.SpinOnce()
		pub1.SpinOnce()
		pub2.SpinOnce()
	})
}

func TestOnePublisherMultipleSubscribers(t *testing.T) {
	hubEp := startTestHub(t)
	topic := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}

	pubSrv, pubEp := newListeningEndpoint(t)
	publisher := pub.New(1, topic, pubEp, pubSrv, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(publisher.Shutdown)
	if !publisher.OK() {
		t.Fatal("expected publisher to register")
	}

	newSubscriber := func(id uint64) (*Subscriber, *[]messages.Header, *sync.Mutex) {
		srv, ep := newListeningEndpoint(t)
		var mu sync.Mutex
		var received []messages.Header
		s := New(id, topic, ep, srv, tcp.NewClientFactory(), hubEp, func(payload []byte) {
			var cur uint32
			h, err := messages.DeserializeHeader(payload, uint32(len(payload)), &cur)
			if err == nil {
				mu.Lock()
				received = append(received, h)
				mu.Unlock()
			}
		}, log.NewNoopLogger(), telemetry.NoopMetrics{})
		t.Cleanup(s.Shutdown)
		if !s.OK() {
			t.Fatalf("expected subscriber %d to register", id)
		}
		return s, &received, &mu
	}

	sub1, received1, mu1 := newSubscriber(1)
	sub2, received2, mu2 := newSubscriber(2)
	sub3, received3, mu3 := newSubscriber(3)

	spinUntil(t, func() bool {
		return sub1.PublisherCount() == 1 && sub2.PublisherCount() == 1 && sub3.PublisherCount() == 1
	}, func() {
		sub1.SpinOnce()
		sub2.SpinOnce()
		sub3.SpinOnce()
		publisher.SpinOnce()
	})
	if publisher.SubscriberCount() != 3 {
		t.Fatalf("expected publisher subscriber_count == 3, got %d", publisher.SubscriberCount())
	}

	want := messages.Header{Seq: 99, FrameID: "fan-out", Stamp: messages.Stamp{Sec: 1, Nsec: 2}}
	publisher.Publish(want)

	spinUntil(t, func() bool {
		mu1.Lock()
		n1 := len(*received1)
		mu1.Unlock()
		mu2.Lock()
		n2 := len(*received2)
		mu2.Unlock()
		mu3.Lock()
		n3 := len(*received3)
		mu3.Unlock()
		return n1 == 1 && n2 == 1 && n3 == 1
	}, func() {
		sub1.SpinOnce()
		sub2.SpinOnce()
		sub3.SpinOnce()
		publisher.SpinOnce()
	})

	for i, received := range []*[]messages.Header{received1, received2, received3} {
		if (*received)[0] != want {
			t.Fatalf("subscriber %d got %+v, want %+v", i+1, (*received)[0], want)
		}
	}
}

func TestIndependentTopics(t *testing.T) {
	hubEp := startTestHub(t)
	topicA := wire.TopicInfo{ID: 1, Name: "/test_topic", MessageHash: messages.HeaderMessageHash()}
	topicB := wire.TopicInfo{ID: 2, Name: "/other_topic", MessageHash: messages.TimeMessageHash()}

	pubASrv, pubAEp := newListeningEndpoint(t)
	pubA := pub.New(1, topicA, pubAEp, pubASrv, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(pubA.Shutdown)

	pubBSrv, pubBEp := newListeningEndpoint(t)
	pubB := pub.New(2, topicB, pubBEp, pubBSrv, tcp.NewClientFactory(), hubEp, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(pubB.Shutdown)

	var muA, muB sync.Mutex
	var countA, countB int

	subASrv, subAEp := newListeningEndpoint(t)
	subA := New(1, topicA, subAEp, subASrv, tcp.NewClientFactory(), hubEp, func(payload []byte) {
		muA.Lock()
		countA++
		muA.Unlock()
	}, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(subA.Shutdown)

	subBSrv, subBEp := newListeningEndpoint(t)
	subB := New(2, topicB, subBEp, subBSrv, tcp.NewClientFactory(), hubEp, func(payload []byte) {
		muB.Lock()
		countB++
		muB.Unlock()
	}, log.NewNoopLogger(), telemetry.NoopMetrics{})
	t.Cleanup(subB.Shutdown)

	spinUntil(t, func() bool {
		return subA.PublisherCount() == 1 && subB.PublisherCount() == 1
	}, func() {
		subA.SpinOnce()
		subB.SpinOnce()
		pubA.SpinOnce()
		pubB.SpinOnce()
	})

	pubA.Publish(messages.Header{Seq: 1, FrameID: "a"})
	pubB.Publish(messages.Time{Sec: 1, Nsec: 2})

	spinUntil(t, func() bool {
		muA.Lock()
		a := countA
		muA.Unlock()
		return a == 1
	}, func() {
		subA.SpinOnce()
		subB.SpinOnce()
		pubA.SpinOnce()
		pubB.SpinOnce()
	})

	muB.Lock()
	b := countB
	muB.Unlock()
	if b != 0 {
		t.Fatalf("subscriber on /other_topic must not receive /test_topic messages, got %d callbacks", b)
	}
}
