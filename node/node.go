// Package node implements the cooperative component scheduler: a thin
// collection that owns publishers, subscribers, and timers, registers
// itself with the hub on construction, and drives every owned component's
// single-step operation in insertion order.
package node

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/preflight"
	"github.com/nodewire/nodewire/pub"
	"github.com/nodewire/nodewire/sub"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/timer"
	"github.com/nodewire/nodewire/transport"
	"github.com/nodewire/nodewire/wire"
)

// registrationDeadline bounds the best-effort NODE_REGISTER/NODE_DEREGISTER
// exchange with the hub.
const registrationDeadline = 2 * time.Second

// preflightDeadline bounds a WithPreflight checker's RunAll call, run once
// before the first registration attempt.
const preflightDeadline = 5 * time.Second

// options collects the values New's functional Options resolve into.
type options struct {
	preflight *preflight.Checker
}

// Option configures optional Node construction behavior.
type Option func(*options)

// WithPreflight has New run checker.RunAll before issuing its first
// NODE_REGISTER. A failing preflight is logged the same way a failed
// registration is: construction still succeeds, since a Node with
// unreachable dependencies remains usable for local-only work.
func WithPreflight(checker *preflight.Checker) Option {
	return func(o *options) {
		o.preflight = checker
	}
}

// Component is the capability every spinnable thing a Node owns must
// satisfy: Publisher, Subscriber, and Timer all implement it.
type Component interface {
	OK() bool
	SpinOnce()
	Shutdown()
}

// NewID returns a fresh 64-bit identifier from a process-local uniform
// random source. Collisions are treated as impossible, per §3's design
// note (2⁻³² probability after 2³² ids).
func NewID() uint64 { return rand.Uint64() }

// Node owns a NodeInfo, an ordered list of components, the hub endpoint,
// and the transport factories every component it creates is built from.
type Node struct {
	info          wire.NodeInfo
	hubEndpoint   wire.Endpoint
	serverFactory transport.ServerFactory
	clientFactory transport.ClientFactory

	log     log.Logger
	metrics telemetry.Metrics

	mu         sync.Mutex
	components []Component

	shutdown atomic.Bool
}

// New generates a random node id, sets name, and issues NODE_REGISTER
// best-effort: a failed registration is logged but does not fail
// construction — the node remains usable for local-only tasks.
func New(
	name string,
	hubEndpoint wire.Endpoint,
	serverFactory transport.ServerFactory,
	clientFactory transport.ClientFactory,
	logger log.Logger,
	metrics telemetry.Metrics,
	opts ...Option,
) *Node {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	instanceLogger := logger.With("instance", uuid.NewString(), "node", name)
	n := &Node{
		info:          wire.NodeInfo{ID: NewID(), Name: name},
		hubEndpoint:   hubEndpoint,
		serverFactory: serverFactory,
		clientFactory: clientFactory,
		log:           instanceLogger,
		metrics:       metrics,
	}
	if o.preflight != nil {
		ctx, cancel := context.WithTimeout(context.Background(), preflightDeadline)
		if err := o.preflight.RunAll(ctx); err != nil {
			n.log.Errorf("preflight: %v", err)
		}
		cancel()
	}
	n.registerBestEffort()
	return n
}

// Info returns the node's identity.
func (n *Node) Info() wire.NodeInfo { return n.info }

func (n *Node) registerBestEffort() {
	client := n.clientFactory()
	if !client.Connect(n.hubEndpoint) {
		n.log.Errorf("node_register: cannot connect to hub at %s:%d", n.hubEndpoint.Address, n.hubEndpoint.Port)
		return
	}
	defer client.Close()

	payload := make([]byte, n.info.Size())
	var cur uint32
	n.info.Serialize(payload, &cur)

	op := wire.Operation{Opcode: wire.OpNodeRegister, Len: uint32(len(payload))}
	header := make([]byte, op.Size())
	var hc uint32
	op.Serialize(header, &hc)

	if err := writeFull(client, header, registrationDeadline); err != nil {
		n.log.Errorf("node_register: header write failed: %v", err)
		return
	}
	if err := writeFull(client, payload, registrationDeadline); err != nil {
		n.log.Errorf("node_register: payload write failed: %v", err)
		return
	}
	statusBuf, err := readExactly(client, wire.StatusSize, registrationDeadline)
	if err != nil {
		n.log.Errorf("node_register: status read failed: %v", err)
		return
	}
	var sc uint32
	status, err := wire.DeserializeStatus(statusBuf, uint32(len(statusBuf)), &sc)
	if err != nil {
		n.log.Errorf("node_register: status decode failed: %v", err)
		return
	}
	if status.Error != wire.StatusOK {
		n.log.Errorf("node_register: rejected by hub")
		return
	}
	n.metrics.Counter(context.Background(), "node.registered", 1, map[string]string{"name": n.info.Name})
}

// CreatePublisher binds a listening socket at endpoint and registers a
// Publisher for topic, adding it to the component list. If the socket
// cannot be bound, a handle whose OK() is always false is returned instead.
func (n *Node) CreatePublisher(topic wire.TopicInfo, endpoint wire.Endpoint) *pub.Publisher {
	server, err := n.serverFactory(endpoint)
	if err != nil {
		n.log.Errorf("create_publisher: cannot bind %s:%d: %v", endpoint.Address, endpoint.Port, err)
		p := pub.NewFailed(NewID(), topic, endpoint)
		n.addComponent(p)
		return p
	}
	p := pub.New(NewID(), topic, endpoint, server, n.clientFactory, n.hubEndpoint, n.log, n.metrics)
	n.addComponent(p)
	return p
}

// CreateSubscriber binds a listening socket at endpoint and registers a
// Subscriber for topic, adding it to the component list. If the socket
// cannot be bound, a handle whose OK() is always false is returned instead.
func (n *Node) CreateSubscriber(topic wire.TopicInfo, endpoint wire.Endpoint, callback sub.Callback) *sub.Subscriber {
	server, err := n.serverFactory(endpoint)
	if err != nil {
		n.log.Errorf("create_subscriber: cannot bind %s:%d: %v", endpoint.Address, endpoint.Port, err)
		s := sub.NewFailed(NewID(), topic, endpoint)
		n.addComponent(s)
		return s
	}
	s := sub.New(NewID(), topic, endpoint, server, n.clientFactory, n.hubEndpoint, callback, n.log, n.metrics)
	n.addComponent(s)
	return s
}

// CreateTimer constructs a Timer invoking fn every interval and adds it to
// the component list.
func (n *Node) CreateTimer(interval time.Duration, fn timer.Callback) *timer.Timer {
	t := timer.New(interval, fn)
	n.addComponent(t)
	return t
}

func (n *Node) addComponent(c Component) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.components = append(n.components, c)
}

// SpinOnce iterates components in insertion order. A component whose OK()
// is false is dropped from the list; otherwise its SpinOnce is invoked.
func (n *Node) SpinOnce() {
	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.components[:0]
	for _, c := range n.components {
		if !c.OK() {
			continue
		}
		c.SpinOnce()
		kept = append(kept, c)
	}
	n.components = kept
}

// Spin calls SpinOnce repeatedly until stop is closed or the node shuts
// down.
func (n *Node) Spin(stop <-chan struct{}) {
	for !n.shutdown.Load() {
		select {
		case <-stop:
			return
		default:
		}
		n.SpinOnce()
	}
}

// OK reports whether the node has not been shut down.
func (n *Node) OK() bool { return !n.shutdown.Load() }

// Shutdown sends NODE_DEREGISTER best-effort and shuts down every owned
// component.
func (n *Node) Shutdown() {
	if n.shutdown.Swap(true) {
		return
	}

	client := n.clientFactory()
	if client.Connect(n.hubEndpoint) {
		payload := make([]byte, n.info.Size())
		var cur uint32
		n.info.Serialize(payload, &cur)
		op := wire.Operation{Opcode: wire.OpNodeDeregister, Len: uint32(len(payload))}
		header := make([]byte, op.Size())
		var hc uint32
		op.Serialize(header, &hc)
		writeFull(client, header, registrationDeadline)
		writeFull(client, payload, registrationDeadline)
		client.Close()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.components {
		c.Shutdown()
	}
	n.components = nil
}

type reader interface {
	Read([]byte) (int, error)
}

type writer interface {
	Write([]byte) (int, error)
}

func readExactly(r reader, size uint32, deadline time.Duration) ([]byte, error) {
	buf := make([]byte, size)
	var got uint32
	start := time.Now()
	for got < size {
		if time.Since(start) > deadline {
			return nil, errShortIO
		}
		n, err := r.Read(buf[got:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		got += uint32(n)
	}
	return buf, nil
}

func writeFull(w writer, buf []byte, deadline time.Duration) error {
	var sent int
	start := time.Now()
	for sent < len(buf) {
		if time.Since(start) > deadline {
			return errShortIO
		}
		n, err := w.Write(buf[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}
