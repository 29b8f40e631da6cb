// Package transport defines the external interface the core (hub, node,
// publisher, subscriber) consumes for byte-stream I/O. The core never
// imports net directly; every blocking or non-blocking socket operation it
// needs is named here, per the wire format's §6.1 transport abstraction.
//
// A concrete implementation lives in transport/tcp. The core's tests also
// use it, against ephemeral loopback ports.
package transport

import (
	"time"

	"github.com/nodewire/nodewire/wire"
)

// Connection is a byte-stream handle returned by a Server's Accept or a
// Client's Connect. Read and Write return the number of bytes transferred;
// a closed peer or I/O error is reported through the Go error return rather
// than the spec's "negative value on error" convention, which does not
// translate idiomatically.
type Connection interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// Server listens for inbound connections on a fixed endpoint. WaitForAccept
// polls for a pending connection without blocking past timeout; timeout 0
// must return promptly. Accept consumes whatever WaitForAccept most
// recently found pending.
type Server interface {
	// OK reports whether the listener is still usable.
	OK() bool
	// WaitForAccept reports whether a connection became available within
	// timeout. timeout 0 is a non-blocking poll.
	WaitForAccept(timeout time.Duration) bool
	// Accept returns the connection WaitForAccept most recently found, or
	// an error if none is pending.
	Accept() (Connection, error)
	Close() error
}

// Client dials out to a remote Endpoint and exchanges bytes with it.
type Client interface {
	// Connect attempts to dial ep, reporting success.
	Connect(ep wire.Endpoint) bool
	// SetNonblocking controls whether Read blocks waiting for data or
	// returns (0, nil) promptly when none is available.
	SetNonblocking(nonblocking bool)
	IsConnected() bool
	// IsReadable reports whether a subsequent Read would return data
	// without blocking, without consuming any bytes.
	IsReadable() bool
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// ServerFactory constructs a Server bound to ep. Injected at node
// construction so tests can substitute a fake transport.
type ServerFactory func(ep wire.Endpoint) (Server, error)

// ClientFactory constructs an unconnected Client.
type ClientFactory func() Client
