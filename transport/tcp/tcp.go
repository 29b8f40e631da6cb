// Package tcp is the production transport.Server/Client/Connection
// implementation over the standard library's net package.
package tcp

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/nodewire/nodewire/transport"
	"github.com/nodewire/nodewire/wire"
)

// readablePollTimeout bounds how long a readability probe or a
// non-blocking read may block the caller's single-threaded spin loop.
const readablePollTimeout = 1 * time.Millisecond

// dialTimeout bounds how long Connect waits for a TCP handshake.
const dialTimeout = 5 * time.Second

// ErrNotConnected is returned by Client operations attempted before Connect
// succeeds.
var ErrNotConnected = errors.New("tcp: not connected")

// ErrNoPendingConnection is returned by Server.Accept when WaitForAccept
// has not found a connection to hand over.
var ErrNoPendingConnection = errors.New("tcp: no pending connection")

// Server is a transport.Server backed by a net.Listener.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	pending net.Conn
}

// Listen opens a TCP listener on ep and returns a transport.Server.
func Listen(ep wire.Endpoint) (*Server, error) {
	ln, err := net.Listen("tcp", ep.String())
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln}, nil
}

// NewServerFactory adapts Listen to a transport.ServerFactory.
func NewServerFactory() transport.ServerFactory {
	return func(ep wire.Endpoint) (transport.Server, error) {
		return Listen(ep)
	}
}

func (s *Server) OK() bool { return s.ln != nil }

// Addr returns the listener's bound address, useful for discovering an
// ephemeral port chosen with Port 0.
func (s *Server) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

// WaitForAccept polls the listener for an inbound connection, bounded by
// timeout. timeout 0 performs a single non-blocking check.
func (s *Server) WaitForAccept(timeout time.Duration) bool {
	if s.ln == nil {
		return false
	}
	if tl, ok := s.ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := s.ln.Accept()
	if err != nil {
		return false
	}
	s.mu.Lock()
	s.pending = conn
	s.mu.Unlock()
	return true
}

// Accept returns the connection found by the most recent successful
// WaitForAccept call.
func (s *Server) Accept() (transport.Connection, error) {
	s.mu.Lock()
	conn := s.pending
	s.pending = nil
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNoPendingConnection
	}
	return &Connection{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Connection is a transport.Connection backed by a net.Conn.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewConnection wraps an already-established net.Conn.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, r: bufio.NewReader(conn)}
}

func (c *Connection) Read(buf []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(readablePollTimeout))
	n, err := c.r.Read(buf)
	if isTimeout(err) {
		return 0, nil
	}
	return n, err
}

func (c *Connection) Write(buf []byte) (int, error) {
	c.conn.SetWriteDeadline(time.Now().Add(readablePollTimeout))
	n, err := c.conn.Write(buf)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (c *Connection) Close() error { return c.conn.Close() }

// Client is a transport.Client backed by a net.Conn obtained via DialTimeout.
type Client struct {
	conn        net.Conn
	r           *bufio.Reader
	nonblocking bool
}

// NewClient returns an unconnected transport.Client.
func NewClient() *Client { return &Client{} }

// NewClientFactory adapts NewClient to a transport.ClientFactory.
func NewClientFactory() transport.ClientFactory {
	return func() transport.Client { return NewClient() }
}

func (c *Client) Connect(ep wire.Endpoint) bool {
	conn, err := net.DialTimeout("tcp", ep.String(), dialTimeout)
	if err != nil {
		return false
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return true
}

func (c *Client) SetNonblocking(nonblocking bool) { c.nonblocking = nonblocking }

func (c *Client) IsConnected() bool { return c.conn != nil }

// IsReadable peeks a single byte without consuming it, reporting whether a
// subsequent Read would return data promptly.
func (c *Client) IsReadable() bool {
	if c.conn == nil {
		return false
	}
	c.conn.SetReadDeadline(time.Now().Add(readablePollTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	_, err := c.r.Peek(1)
	return err == nil
}

func (c *Client) Read(buf []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	if c.nonblocking {
		c.conn.SetReadDeadline(time.Now().Add(readablePollTimeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	n, err := c.r.Read(buf)
	if isTimeout(err) {
		return 0, nil
	}
	return n, err
}

func (c *Client) Write(buf []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	return c.conn.Write(buf)
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
