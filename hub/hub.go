// Package hub implements the rendezvous service: a single-threaded
// directory of registered nodes, publishers, and subscribers that never
// carries application data itself. Publishers and subscribers discover
// each other here, then exchange messages directly.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/transport"
	"github.com/nodewire/nodewire/wire"
)

// ioDeadline bounds every length-delimited read or write the hub performs
// on an accepted connection or an outbound notify connection. It keeps
// SpinOnce's blocking points bounded, per §5's suspension policy.
const ioDeadline = 2 * time.Second

// Hub is the in-memory rendezvous directory. It is safe for concurrent use
// only insofar as SpinOnce is expected to be called from a single
// goroutine; notification delivery itself runs concurrently with the next
// SpinOnce's directory mutation since it never holds the directory mutex.
type Hub struct {
	mu          sync.Mutex
	nodes       map[uint64]wire.NodeInfo
	publishers  map[uint64]wire.PubInfo
	subscribers map[uint64]wire.SubInfo
	topicHashes map[string]uint64

	server        transport.Server
	clientFactory transport.ClientFactory

	log     log.Logger
	metrics telemetry.Metrics

	shutdown atomic.Bool
}

// New constructs a Hub listening through server, dialing outbound notify
// connections through clientFactory.
func New(server transport.Server, clientFactory transport.ClientFactory, logger log.Logger, metrics telemetry.Metrics) *Hub {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Hub{
		nodes:         make(map[uint64]wire.NodeInfo),
		publishers:    make(map[uint64]wire.PubInfo),
		subscribers:   make(map[uint64]wire.SubInfo),
		topicHashes:   make(map[string]uint64),
		server:        server,
		clientFactory: clientFactory,
		log:           logger,
		metrics:       metrics,
	}
}

// OK reports whether the hub has not been shut down.
func (h *Hub) OK() bool { return !h.shutdown.Load() }

// Shutdown is idempotent; once called, SpinOnce becomes a no-op and the
// listening socket is released.
func (h *Hub) Shutdown() {
	if h.shutdown.Swap(true) {
		return
	}
	if h.server != nil {
		h.server.Close()
	}
}

// Run calls SpinOnce in a loop until stop is closed or the hub shuts down
// itself, sleeping briefly between idle ticks so an unused hub does not
// spin the CPU.
func (h *Hub) Run(stop <-chan struct{}) {
	for h.OK() {
		select {
		case <-stop:
			h.Shutdown()
			return
		default:
		}
		h.SpinOnce()
		time.Sleep(time.Millisecond)
	}
}

// SpinOnce performs one non-blocking accept and, if a request arrived,
// parses and dispatches it. See §4.3 of the design: directory mutation is
// the only section guarded by the mutex; notification I/O happens after
// it releases.
func (h *Hub) SpinOnce() {
	if h.shutdown.Load() {
		return
	}
	if !h.server.WaitForAccept(0) {
		return
	}
	conn, err := h.server.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	headerBuf, err := readExactly(conn, wire.OperationSize, ioDeadline)
	if err != nil {
		writeStatus(conn, wire.StatusMalformed)
		return
	}
	var cur uint32
	op, err := wire.DeserializeOperation(headerBuf, uint32(len(headerBuf)), &cur)
	if err != nil {
		writeStatus(conn, wire.StatusMalformed)
		return
	}

	var payload []byte
	if op.Len > 0 {
		payload, err = readExactly(conn, op.Len, ioDeadline)
		if err != nil {
			writeStatus(conn, wire.StatusMalformed)
			return
		}
	}

	h.dispatch(conn, op, payload)
}

func (h *Hub) dispatch(conn transport.Connection, op wire.Operation, payload []byte) {
	ctx := context.Background()
	var cur uint32

	switch op.Opcode {
	case wire.OpNodeRegister:
		node, err := wire.DeserializeNodeInfo(payload, op.Len, &cur)
		if err != nil {
			writeStatus(conn, wire.StatusMalformed)
			return
		}
		h.mu.Lock()
		h.nodes[node.ID] = node
		h.mu.Unlock()
		h.metrics.Counter(ctx, "hub.node_registered", 1, map[string]string{"name": node.Name})
		writeStatus(conn, wire.StatusOK)

	case wire.OpNodeDeregister:
		node, err := wire.DeserializeNodeInfo(payload, op.Len, &cur)
		if err != nil {
			return
		}
		h.mu.Lock()
		delete(h.nodes, node.ID)
		h.mu.Unlock()

	case wire.OpPubRegister:
		pub, err := wire.DeserializePubInfo(payload, op.Len, &cur)
		if err != nil {
			writeStatus(conn, wire.StatusMalformed)
			return
		}
		h.mu.Lock()
		ok := h.validateTopicInfoLocked(pub.Topic)
		if ok {
			h.publishers[pub.ID] = pub
		}
		h.mu.Unlock()
		if !ok {
			h.metrics.Counter(ctx, "hub.pub_rejected", 1, map[string]string{"topic": pub.Topic.Name})
			writeStatus(conn, wire.StatusHashMismatch)
			return
		}
		h.metrics.Counter(ctx, "hub.pub_registered", 1, map[string]string{"topic": pub.Topic.Name})
		writeStatus(conn, wire.StatusOK)
		h.notifyNewPublisher(pub)

	case wire.OpPubDeregister:
		pub, err := wire.DeserializePubInfo(payload, op.Len, &cur)
		if err != nil {
			return
		}
		h.mu.Lock()
		delete(h.publishers, pub.ID)
		h.mu.Unlock()

	case wire.OpSubRegister:
		sub, err := wire.DeserializeSubInfo(payload, op.Len, &cur)
		if err != nil {
			writeStatus(conn, wire.StatusMalformed)
			return
		}
		h.mu.Lock()
		ok := h.validateTopicInfoLocked(sub.Topic)
		var snapshot []wire.PubInfo
		if ok {
			h.subscribers[sub.ID] = sub
			for _, p := range h.publishers {
				if p.Topic.Name == sub.Topic.Name {
					snapshot = append(snapshot, p)
				}
			}
		}
		h.mu.Unlock()
		if !ok {
			h.metrics.Counter(ctx, "hub.sub_rejected", 1, map[string]string{"topic": sub.Topic.Name})
			writeStatus(conn, wire.StatusHashMismatch)
			return
		}
		h.metrics.Counter(ctx, "hub.sub_registered", 1, map[string]string{"topic": sub.Topic.Name})
		writeStatus(conn, wire.StatusOK)
		h.notifyNewSubscriber(sub, snapshot)

	case wire.OpSubDeregister:
		sub, err := wire.DeserializeSubInfo(payload, op.Len, &cur)
		if err != nil {
			return
		}
		h.mu.Lock()
		delete(h.subscribers, sub.ID)
		h.mu.Unlock()

	default:
		writeStatus(conn, wire.StatusUnknownOpcode)
	}
}

// validateTopicInfoLocked implements §4.3's topic compatibility check. The
// caller must hold h.mu.
func (h *Hub) validateTopicInfoLocked(t wire.TopicInfo) bool {
	hash, exists := h.topicHashes[t.Name]
	if !exists {
		h.topicHashes[t.Name] = t.MessageHash
		return true
	}
	return hash == t.MessageHash
}

// notifyNewPublisher pushes the newly registered publisher to every
// subscriber already on its topic.
func (h *Hub) notifyNewPublisher(pub wire.PubInfo) {
	h.mu.Lock()
	var targets []wire.SubInfo
	for _, s := range h.subscribers {
		if s.Topic.Name == pub.Topic.Name {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		go h.deliverNotify(s.Endpoint, wire.SubNotify{Publishers: []wire.PubInfo{pub}})
	}
}

// notifyNewSubscriber pushes the full current publisher set on the topic
// to the newly registered subscriber.
func (h *Hub) notifyNewSubscriber(sub wire.SubInfo, publishers []wire.PubInfo) {
	if len(publishers) == 0 {
		return
	}
	go h.deliverNotify(sub.Endpoint, wire.SubNotify{Publishers: publishers})
}

// deliverNotify opens a fresh outbound connection to ep, writes the framed
// SubNotify, and closes. Failures are logged and dropped: the subscriber is
// assumed transient.
func (h *Hub) deliverNotify(ep wire.Endpoint, notify wire.SubNotify) {
	client := h.clientFactory()
	if !client.Connect(ep) {
		h.log.Debugf("sub_notify: cannot connect to %s:%d", ep.Address, ep.Port)
		h.metrics.Counter(context.Background(), "hub.notify_dropped", 1, map[string]string{"endpoint": ep.Address})
		return
	}
	defer client.Close()

	payload := make([]byte, notify.Size())
	var pc uint32
	notify.Serialize(payload, &pc)

	op := wire.Operation{Opcode: wire.OpSubNotify, Len: uint32(len(payload))}
	header := make([]byte, op.Size())
	var hc uint32
	op.Serialize(header, &hc)

	if err := writeFull(client, header, ioDeadline); err != nil {
		h.log.Debugf("sub_notify: header write to %s:%d failed: %v", ep.Address, ep.Port, err)
		h.metrics.Counter(context.Background(), "hub.notify_dropped", 1, map[string]string{"endpoint": ep.Address})
		return
	}
	if err := writeFull(client, payload, ioDeadline); err != nil {
		h.log.Debugf("sub_notify: payload write to %s:%d failed: %v", ep.Address, ep.Port, err)
		h.metrics.Counter(context.Background(), "hub.notify_dropped", 1, map[string]string{"endpoint": ep.Address})
		return
	}
	h.metrics.Counter(context.Background(), "hub.notify_sent", 1, map[string]string{"endpoint": ep.Address})
}

// Snapshot is a point-in-time copy of the directory, used by the
// introspection HTTP surface and by tests.
type Snapshot struct {
	Nodes       []wire.NodeInfo
	Publishers  []wire.PubInfo
	Subscribers []wire.SubInfo
	TopicHashes map[string]uint64
}

// Snapshot returns a copy of the current directory state.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Snapshot{TopicHashes: make(map[string]uint64, len(h.topicHashes))}
	for _, n := range h.nodes {
		s.Nodes = append(s.Nodes, n)
	}
	for _, p := range h.publishers {
		s.Publishers = append(s.Publishers, p)
	}
	for _, sub := range h.subscribers {
		s.Subscribers = append(s.Subscribers, sub)
	}
	for name, hash := range h.topicHashes {
		s.TopicHashes[name] = hash
	}
	return s
}

type reader interface {
	Read([]byte) (int, error)
}

type writer interface {
	Write([]byte) (int, error)
}

// readExactly loops over partial reads until n bytes have been received,
// the connection drops, or deadline elapses — "read exactly N bytes" per
// §4.5, bounded so it never blocks SpinOnce indefinitely.
func readExactly(r reader, n uint32, deadline time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	var got uint32
	start := time.Now()
	for got < n {
		if time.Since(start) > deadline {
			return nil, errShortRead
		}
		read, err := r.Read(buf[got:])
		if err != nil {
			return nil, err
		}
		if read == 0 {
			continue
		}
		got += uint32(read)
	}
	return buf, nil
}

// writeFull loops over partial writes until all of buf has been sent, an
// error occurs, or deadline elapses.
func writeFull(w writer, buf []byte, deadline time.Duration) error {
	var sent int
	start := time.Now()
	for sent < len(buf) {
		if time.Since(start) > deadline {
			return errShortWrite
		}
		n, err := w.Write(buf[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

func writeStatus(w writer, code uint8) {
	s := wire.Status{Error: code}
	buf := make([]byte, s.Size())
	var cur uint32
	s.Serialize(buf, &cur)
	writeFull(w, buf, ioDeadline)
}
