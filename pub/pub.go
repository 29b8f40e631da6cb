// Package pub implements the Publisher component: a per-topic endpoint
// that registers with the hub, accepts direct connections from
// subscribers, and streams framed application messages to them.
package pub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/transport"
	"github.com/nodewire/nodewire/wire"
)

// ioDeadline bounds the registration exchange with the hub.
const ioDeadline = 2 * time.Second

// ErrRegistrationRejected is the error New logs, before reporting
// OK()==false, when the hub rejects the publisher's PUB_REGISTER request
// (most commonly a message_hash mismatch).
var ErrRegistrationRejected = errors.New("pub: registration rejected by hub")

// Encodable is the size/serialize pair every published message must
// satisfy, matching wire.Encodable.
type Encodable = wire.Encodable

// Publisher owns a listening socket and the set of subscriber connections
// that have dialed into it. It never initiates outbound data connections —
// subscribers come to it.
type Publisher struct {
	info wire.PubInfo

	server        transport.Server
	clientFactory transport.ClientFactory
	hubEndpoint   wire.Endpoint

	log     log.Logger
	metrics telemetry.Metrics

	mu    sync.Mutex
	conns map[transport.Connection]struct{}

	ok bool
}

// New constructs a Publisher bound to server, registers with the hub at
// hubEndpoint, and reports ok()==false if registration is rejected or the
// exchange is incomplete.
func New(
	id uint64,
	topic wire.TopicInfo,
	endpoint wire.Endpoint,
	server transport.Server,
	clientFactory transport.ClientFactory,
	hubEndpoint wire.Endpoint,
	logger log.Logger,
	metrics telemetry.Metrics,
) *Publisher {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	p := &Publisher{
		info:          wire.PubInfo{ID: id, Topic: topic, Endpoint: endpoint},
		server:        server,
		clientFactory: clientFactory,
		hubEndpoint:   hubEndpoint,
		log:           logger,
		metrics:       metrics,
		conns:         make(map[transport.Connection]struct{}),
	}

	if err := p.register(); err != nil {
		p.log.Errorf("publisher registration failed for topic %q: %v", topic.Name, err)
		p.ok = false
		return p
	}
	p.ok = true
	return p
}

// NewFailed returns a Publisher whose OK() is permanently false, for use
// when a server factory failed before a registration attempt could even be
// made.
func NewFailed(id uint64, topic wire.TopicInfo, endpoint wire.Endpoint) *Publisher {
	return &Publisher{
		info:  wire.PubInfo{ID: id, Topic: topic, Endpoint: endpoint},
		conns: make(map[transport.Connection]struct{}),
	}
}

func (p *Publisher) register() error {
	client := p.clientFactory()
	if !client.Connect(p.hubEndpoint) {
		return errors.New("pub: cannot connect to hub")
	}
	defer client.Close()

	payload := make([]byte, p.info.Size())
	var cur uint32
	p.info.Serialize(payload, &cur)

	op := wire.Operation{Opcode: wire.OpPubRegister, Len: uint32(len(payload))}
	header := make([]byte, op.Size())
	var hc uint32
	op.Serialize(header, &hc)

	if err := writeFull(client, header, ioDeadline); err != nil {
		return err
	}
	if err := writeFull(client, payload, ioDeadline); err != nil {
		return err
	}

	statusBuf, err := readExactly(client, wire.StatusSize, ioDeadline)
	if err != nil {
		return err
	}
	var sc uint32
	status, err := wire.DeserializeStatus(statusBuf, uint32(len(statusBuf)), &sc)
	if err != nil {
		return err
	}
	if status.Error != wire.StatusOK {
		return ErrRegistrationRejected
	}
	return nil
}

// OK reports whether the publisher registered successfully and has not
// been shut down.
func (p *Publisher) OK() bool { return p.ok }

// SpinOnce performs one non-blocking accept; a newly connected subscriber
// is added to the connection set.
func (p *Publisher) SpinOnce() {
	if !p.ok {
		return
	}
	if !p.server.WaitForAccept(0) {
		return
	}
	conn, err := p.server.Accept()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	p.metrics.Counter(context.Background(), "pub.subscriber_connected", 1, map[string]string{"topic": p.info.Topic.Name})
}

// Publish writes a framed payload (4-byte length, then the serialized
// message) to every currently connected subscriber. A short write drops
// that subscriber from the set.
func (p *Publisher) Publish(msg Encodable) {
	if !p.ok {
		return
	}
	size := msg.Size()
	payload := make([]byte, size)
	var cur uint32
	msg.Serialize(payload, &cur)

	frame := make([]byte, 4+len(payload))
	var fc uint32
	wire.PutNumber[uint32](frame, &fc, size)
	copy(frame[4:], payload)

	p.mu.Lock()
	snapshot := make([]transport.Connection, 0, len(p.conns))
	for c := range p.conns {
		snapshot = append(snapshot, c)
	}
	p.mu.Unlock()

	var dead []transport.Connection
	for _, c := range snapshot {
		if err := writeFull(c, frame, ioDeadline); err != nil {
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		p.mu.Lock()
		for _, c := range dead {
			delete(p.conns, c)
		}
		p.mu.Unlock()
	}
	p.metrics.Counter(context.Background(), "pub.messages_published", 1, map[string]string{"topic": p.info.Topic.Name})
}

// SubscriberCount returns the current number of connected subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Shutdown sends PUB_DEREGISTER best-effort and marks the publisher not ok.
func (p *Publisher) Shutdown() {
	if !p.ok {
		return
	}
	p.ok = false

	client := p.clientFactory()
	if client.Connect(p.hubEndpoint) {
		payload := make([]byte, p.info.Size())
		var cur uint32
		p.info.Serialize(payload, &cur)
		op := wire.Operation{Opcode: wire.OpPubDeregister, Len: uint32(len(payload))}
		header := make([]byte, op.Size())
		var hc uint32
		op.Serialize(header, &hc)
		writeFull(client, header, ioDeadline)
		writeFull(client, payload, ioDeadline)
		client.Close()
	}

	p.mu.Lock()
	for c := range p.conns {
		c.Close()
	}
	p.conns = make(map[transport.Connection]struct{})
	p.mu.Unlock()
}

type reader interface {
	Read([]byte) (int, error)
}

type writer interface {
	Write([]byte) (int, error)
}

func readExactly(r reader, n uint32, deadline time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	var got uint32
	start := time.Now()
	for got < n {
		if time.Since(start) > deadline {
			return nil, errors.New("pub: short read")
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

func writeFull(w writer, buf []byte, deadline time.Duration) error {
	var sent int
	start := time.Now()
	for sent < len(buf) {
		if time.Since(start) > deadline {
			return errors.New("pub: short write")
		}
		n, err := w.Write(buf[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}
