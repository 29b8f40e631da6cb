// Package sub implements the Subscriber component: a per-topic endpoint
// that registers with the hub, accepts unsolicited SUB_NOTIFY pushes
// naming publishers to connect to, and pumps bytes off each resulting
// outbound connection into a user callback.
package sub

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

// registrationDeadline bounds the SUB_REGISTER exchange with the hub and
// the read of an inbound SUB_NOTIFY.
const registrationDeadline = 2 * time.Second

// drainDeadline bounds a publisher-drain read once readability has already
// been confirmed — short, since the spin loop must never block waiting for
// data that was never going to arrive.
const drainDeadline = 200 * time.Millisecond

// ErrRegistrationRejected is the error New logs, before reporting
// OK()==false, when the hub rejects the subscriber's SUB_REGISTER request.
var ErrRegistrationRejected = errors.New("sub: registration rejected by hub")

// Callback receives one complete application payload, with its length
// prefix stripped, per invocation.
// The subscriber does not interpret the bytes; decoding into a concrete
// message type is the caller's responsibility.
type Callback func(payload []byte)

// Subscriber owns a listening socket dedicated to unsolicited SUB_NOTIFY
// pushes from the hub, and a map of outbound client connections to the
// publishers it has been told about.
type Subscriber struct {
	info wire.SubInfo

	server        transport.Server
	clientFactory transport.ClientFactory
	hubEndpoint   wire.Endpoint
	callback      Callback

	log     log.Logger
	metrics telemetry.Metrics

	mu       sync.Mutex
	outbound map[uint64]transport.Client

	ok bool
}

// New constructs a Subscriber bound to server, registers with the hub at
// hubEndpoint, and reports ok()==false if registration is rejected or the
// exchange is incomplete.
func New(
	id uint64,
	topic wire.TopicInfo,
	endpoint wire.Endpoint,
	server transport.Server,
	clientFactory transport.ClientFactory,
	hubEndpoint wire.Endpoint,
	callback Callback,
	logger log.Logger,
	metrics telemetry.Metrics,
) *Subscriber {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	s := &Subscriber{
		info:          wire.SubInfo{ID: id, Topic: topic, Endpoint: endpoint},
		server:        server,
		clientFactory: clientFactory,
		hubEndpoint:   hubEndpoint,
		callback:      callback,
		log:           logger,
		metrics:       metrics,
		outbound:      make(map[uint64]transport.Client),
	}

	if err := s.register(); err != nil {
		s.log.Errorf("subscriber registration failed for topic %q: %v", topic.Name, err)
		s.ok = false
		return s
	}
	s.ok = true
	return s
}

// NewFailed returns a Subscriber whose OK() is permanently false, for use
// when a server factory failed before a registration attempt could even be
// made.
func NewFailed(id uint64, topic wire.TopicInfo, endpoint wire.Endpoint) *Subscriber {
	return &Subscriber{
		info:     wire.SubInfo{ID: id, Topic: topic, Endpoint: endpoint},
		outbound: make(map[uint64]transport.Client),
	}
}

func (s *Subscriber) register() error {
	client := s.clientFactory()
	if !client.Connect(s.hubEndpoint) {
		return errors.New("sub: cannot connect to hub")
	}
	defer client.Close()

	payload := make([]byte, s.info.Size())
	var cur uint32
	s.info.Serialize(payload, &cur)

	op := wire.Operation{Opcode: wire.OpSubRegister, Len: uint32(len(payload))}
	header := make([]byte, op.Size())
	var hc uint32
	op.Serialize(header, &hc)

	if err := writeFull(client, header, registrationDeadline); err != nil {
		return err
	}
	if err := writeFull(client, payload, registrationDeadline); err != nil {
		return err
	}

	statusBuf, err := readExactly(client, wire.StatusSize, registrationDeadline)
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

// OK reports whether the subscriber registered successfully and has not
// been shut down.
func (s *Subscriber) OK() bool { return s.ok }

// SpinOnce runs the two non-concurrent phases described in §4.5: first it
// drains every pending SUB_NOTIFY, dialing any newly announced publishers;
// then it drains readable bytes from every already-connected publisher.
func (s *Subscriber) SpinOnce() {
	if !s.ok {
		return
	}
	s.acceptNotifications()
	s.drainPublishers()
}

func (s *Subscriber) acceptNotifications() {
	for s.server.WaitForAccept(0) {
		conn, err := s.server.Accept()
		if err != nil {
			return
		}
		s.handleNotifyConnection(conn)
	}
}

func (s *Subscriber) handleNotifyConnection(conn transport.Connection) {
	defer conn.Close()

	headerBuf, err := readExactly(conn, wire.OperationSize, registrationDeadline)
	if err != nil {
		return
	}
	var cur uint32
	op, err := wire.DeserializeOperation(headerBuf, uint32(len(headerBuf)), &cur)
	if err != nil {
		return
	}
	if op.Opcode != wire.OpSubNotify || op.Len == 0 {
		return
	}
	payload, err := readExactly(conn, op.Len, registrationDeadline)
	if err != nil {
		return
	}
	var pc uint32
	notify, err := wire.DeserializeSubNotify(payload, op.Len, &pc)
	if err != nil {
		return
	}

	for _, pubInfo := range notify.Publishers {
		s.connectToPublisher(pubInfo)
	}
	s.metrics.Counter(context.Background(), "sub.notify_received", 1, map[string]string{"topic": s.info.Topic.Name})
}

func (s *Subscriber) connectToPublisher(pubInfo wire.PubInfo) {
	client := s.clientFactory()
	client.SetNonblocking(true)
	if !client.Connect(pubInfo.Endpoint) {
		s.log.Debugf("sub: cannot connect to publisher %d at %s:%d", pubInfo.ID, pubInfo.Endpoint.Address, pubInfo.Endpoint.Port)
		return
	}

	s.mu.Lock()
	if old, exists := s.outbound[pubInfo.ID]; exists {
		old.Close()
	}
	s.outbound[pubInfo.ID] = client
	s.mu.Unlock()
}

func (s *Subscriber) drainPublishers() {
	s.mu.Lock()
	snapshot := make(map[uint64]transport.Client, len(s.outbound))
	for id, c := range s.outbound {
		snapshot[id] = c
	}
	s.mu.Unlock()

	var dead []uint64
	for id, client := range snapshot {
		if !client.IsConnected() {
			dead = append(dead, id)
			continue
		}
		if !client.IsReadable() {
			continue
		}
		s.drainOne(client)
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, id := range dead {
			delete(s.outbound, id)
		}
		s.mu.Unlock()
	}
}

func (s *Subscriber) drainOne(client transport.Client) {
	sizeBuf, err := readExactly(client, 4, drainDeadline)
	if err != nil {
		return
	}
	var cur uint32
	msgSize, err := wire.GetNumber[uint32](sizeBuf, uint32(len(sizeBuf)), &cur)
	if err != nil {
		return
	}
	if msgSize == 0 {
		return
	}
	payload, err := readExactly(client, msgSize, drainDeadline)
	if err != nil {
		return
	}
	if s.callback != nil {
		s.callback(payload)
	}
	s.metrics.Counter(context.Background(), "sub.messages_received", 1, map[string]string{"topic": s.info.Topic.Name})
}

// PublisherCount returns the current number of publishers this subscriber
// has an outbound connection to.
func (s *Subscriber) PublisherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// Shutdown sends SUB_DEREGISTER best-effort and closes every outbound
// connection.
func (s *Subscriber) Shutdown() {
	if !s.ok {
		return
	}
	s.ok = false

	client := s.clientFactory()
	if client.Connect(s.hubEndpoint) {
		payload := make([]byte, s.info.Size())
		var cur uint32
		s.info.Serialize(payload, &cur)
		op := wire.Operation{Opcode: wire.OpSubDeregister, Len: uint32(len(payload))}
		header := make([]byte, op.Size())
		var hc uint32
		op.Serialize(header, &hc)
		writeFull(client, header, registrationDeadline)
		writeFull(client, payload, registrationDeadline)
		client.Close()
	}

	s.mu.Lock()
	for _, c := range s.outbound {
		c.Close()
	}
	s.outbound = make(map[uint64]transport.Client)
	s.mu.Unlock()
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
			return nil, errors.New("sub: short read")
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
			return errors.New("sub: short write")
		}
		n, err := w.Write(buf[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}
