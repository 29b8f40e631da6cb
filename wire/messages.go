package wire

import (
	"fmt"
	"net"
	"strconv"
)

// Opcode identifies the kind of control Operation framed on the hub's wire.
type Opcode uint16

const (
	OpNodeRegister   Opcode = 1
	OpNodeDeregister Opcode = 2
	OpPubRegister    Opcode = 3
	OpPubDeregister  Opcode = 4
	OpSubRegister    Opcode = 5
	OpSubDeregister  Opcode = 6
	OpSubNotify      Opcode = 7
)

func (o Opcode) String() string {
	switch o {
	case OpNodeRegister:
		return "NODE_REGISTER"
	case OpNodeDeregister:
		return "NODE_DEREGISTER"
	case OpPubRegister:
		return "PUB_REGISTER"
	case OpPubDeregister:
		return "PUB_DEREGISTER"
	case OpSubRegister:
		return "SUB_REGISTER"
	case OpSubDeregister:
		return "SUB_DEREGISTER"
	case OpSubNotify:
		return "SUB_NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// Operation is the fixed header prefixing every message exchanged with the
// hub: an opcode identifying the payload kind, and the payload's byte
// length. Len does not include the header itself.
type Operation struct {
	Opcode Opcode
	Len    uint32
}

// OperationSize is the fixed wire size of an Operation header: 2 bytes of
// opcode plus 4 bytes of length.
const OperationSize = 6

func (o Operation) Size() uint32 { return OperationSize }

func (o Operation) Serialize(buf []byte, cursor *uint32) {
	PutNumber[uint16](buf, cursor, uint16(o.Opcode))
	PutNumber[uint32](buf, cursor, o.Len)
}

func DeserializeOperation(buf []byte, n uint32, cursor *uint32) (Operation, error) {
	opcode, err := GetNumber[uint16](buf, n, cursor)
	if err != nil {
		return Operation{}, err
	}
	length, err := GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Opcode: Opcode(opcode), Len: length}, nil
}

// Status carries a single-byte success/failure result for a registration
// request: Error is 0 on success, non-zero otherwise (e.g. a message_hash
// mismatch on the topic).
type Status struct {
	Error uint8
}

const StatusSize = 1

// Status error codes.
const (
	StatusOK             uint8 = 0
	StatusHashMismatch   uint8 = 1
	StatusUnknownTopic   uint8 = 2
	StatusMalformed      uint8 = 3
	StatusUnknownOpcode  uint8 = 4
)

func (s Status) Size() uint32 { return StatusSize }

func (s Status) Serialize(buf []byte, cursor *uint32) {
	PutNumber[uint8](buf, cursor, s.Error)
}

func DeserializeStatus(buf []byte, n uint32, cursor *uint32) (Status, error) {
	e, err := GetNumber[uint8](buf, n, cursor)
	if err != nil {
		return Status{}, err
	}
	return Status{Error: e}, nil
}

// Endpoint is a reachable TCP address: a host string and a port number.
// It is comparable and safe to use as a map key.
type Endpoint struct {
	Address string
	Port    uint16
}

func (e Endpoint) Size() uint32 { return SizeString(e.Address) + 2 }

func (e Endpoint) Serialize(buf []byte, cursor *uint32) {
	PutString(buf, cursor, e.Address)
	PutNumber[uint16](buf, cursor, e.Port)
}

// String renders the Endpoint as a "host:port" string, the inverse of
// ParseEndpoint and the form transport.ClientFactory/ServerFactory
// implementations dial or bind against.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.FormatUint(uint64(e.Port), 10))
}

func DeserializeEndpoint(buf []byte, n uint32, cursor *uint32) (Endpoint, error) {
	addr, err := GetString(buf, n, cursor)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := GetNumber[uint16](buf, n, cursor)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Address: addr, Port: port}, nil
}

// ParseEndpoint splits a "host:port" string (as read from config or a CLI
// flag) into an Endpoint.
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("wire: invalid endpoint %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("wire: invalid port in %q: %w", hostport, err)
	}
	return Endpoint{Address: host, Port: uint16(port)}, nil
}

// NodeInfo identifies a registered node: a process-lifetime-unique ID and
// its human-readable name.
type NodeInfo struct {
	ID   uint64
	Name string
}

func (n NodeInfo) Size() uint32 { return 8 + SizeString(n.Name) }

func (n NodeInfo) Serialize(buf []byte, cursor *uint32) {
	PutNumber[uint64](buf, cursor, n.ID)
	PutString(buf, cursor, n.Name)
}

func DeserializeNodeInfo(buf []byte, size uint32, cursor *uint32) (NodeInfo, error) {
	id, err := GetNumber[uint64](buf, size, cursor)
	if err != nil {
		return NodeInfo{}, err
	}
	name, err := GetString(buf, size, cursor)
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{ID: id, Name: name}, nil
}

// TopicInfo names a topic and fingerprints the message type published or
// subscribed on it. Two parties referring to the same topic Name must
// agree on MessageHash; a mismatch is the directory's compatibility check.
type TopicInfo struct {
	ID          uint64
	Name        string
	MessageHash uint64
}

func (t TopicInfo) Size() uint32 { return 8 + SizeString(t.Name) + 8 }

func (t TopicInfo) Serialize(buf []byte, cursor *uint32) {
	PutNumber[uint64](buf, cursor, t.ID)
	PutString(buf, cursor, t.Name)
	PutNumber[uint64](buf, cursor, t.MessageHash)
}

func DeserializeTopicInfo(buf []byte, size uint32, cursor *uint32) (TopicInfo, error) {
	id, err := GetNumber[uint64](buf, size, cursor)
	if err != nil {
		return TopicInfo{}, err
	}
	name, err := GetString(buf, size, cursor)
	if err != nil {
		return TopicInfo{}, err
	}
	hash, err := GetNumber[uint64](buf, size, cursor)
	if err != nil {
		return TopicInfo{}, err
	}
	return TopicInfo{ID: id, Name: name, MessageHash: hash}, nil
}

// PubInfo is a publisher's registration record: its ID, the topic it
// publishes, and the endpoint subscribers should connect to for data.
type PubInfo struct {
	ID       uint64
	Topic    TopicInfo
	Endpoint Endpoint
}

func (p PubInfo) Size() uint32 { return 8 + p.Topic.Size() + p.Endpoint.Size() }

func (p PubInfo) Serialize(buf []byte, cursor *uint32) {
	PutNumber[uint64](buf, cursor, p.ID)
	p.Topic.Serialize(buf, cursor)
	p.Endpoint.Serialize(buf, cursor)
}

func DeserializePubInfo(buf []byte, size uint32, cursor *uint32) (PubInfo, error) {
	id, err := GetNumber[uint64](buf, size, cursor)
	if err != nil {
		return PubInfo{}, err
	}
	topic, err := DeserializeTopicInfo(buf, size, cursor)
	if err != nil {
		return PubInfo{}, err
	}
	ep, err := DeserializeEndpoint(buf, size, cursor)
	if err != nil {
		return PubInfo{}, err
	}
	return PubInfo{ID: id, Topic: topic, Endpoint: ep}, nil
}

// SubInfo is a subscriber's registration record: its ID, the topic it
// subscribes to, and the endpoint it listens on for the hub's notify push.
type SubInfo struct {
	ID       uint64
	Topic    TopicInfo
	Endpoint Endpoint
}

func (s SubInfo) Size() uint32 { return 8 + s.Topic.Size() + s.Endpoint.Size() }

func (s SubInfo) Serialize(buf []byte, cursor *uint32) {
	PutNumber[uint64](buf, cursor, s.ID)
	s.Topic.Serialize(buf, cursor)
	s.Endpoint.Serialize(buf, cursor)
}

func DeserializeSubInfo(buf []byte, size uint32, cursor *uint32) (SubInfo, error) {
	id, err := GetNumber[uint64](buf, size, cursor)
	if err != nil {
		return SubInfo{}, err
	}
	topic, err := DeserializeTopicInfo(buf, size, cursor)
	if err != nil {
		return SubInfo{}, err
	}
	ep, err := DeserializeEndpoint(buf, size, cursor)
	if err != nil {
		return SubInfo{}, err
	}
	return SubInfo{ID: id, Topic: topic, Endpoint: ep}, nil
}

// SubNotify is the hub-to-subscriber push naming publishers the subscriber
// should connect to: every publisher on the topic when the subscriber
// registers, or just the new publisher when one registers later. Nothing
// is sent when a publisher deregisters.
type SubNotify struct {
	Publishers []PubInfo
}

func (s SubNotify) Size() uint32 { return SizeMessageVector(s.Publishers) }

func (s SubNotify) Serialize(buf []byte, cursor *uint32) {
	PutMessageVector(buf, cursor, s.Publishers)
}

func DeserializeSubNotify(buf []byte, size uint32, cursor *uint32) (SubNotify, error) {
	pubs, err := GetMessageVector(buf, size, cursor, DeserializePubInfo)
	if err != nil {
		return SubNotify{}, err
	}
	return SubNotify{Publishers: pubs}, nil
}
