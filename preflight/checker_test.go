package preflight

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/wire"
)

// listenerEndpoint extracts a wire.Endpoint from a loopback net.Listener's
// chosen address.
func listenerEndpoint(t *testing.T, ln net.Listener) wire.Endpoint {
	t.Helper()
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("expected *net.TCPAddr, got %T", ln.Addr())
	}
	return wire.Endpoint{Address: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}
}

type fakeCheck struct {
	name string
	err  error
	ran  *[]string
}

func (f fakeCheck) Name() string { return f.name }
func (f fakeCheck) Run(ctx context.Context) error {
	if f.ran != nil {
		*f.ran = append(*f.ran, f.name)
	}
	return f.err
}

func TestRunAllPassesWithNoChecks(t *testing.T) {
	c := New(log.NewNoopLogger())
	if err := c.RunAll(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	c := New(log.NewNoopLogger())
	ran := []string{}
	c.Add(fakeCheck{name: "first", err: nil, ran: &ran})
	c.Add(fakeCheck{name: "second", err: errors.New("boom"), ran: &ran})
	c.Add(fakeCheck{name: "third", err: nil, ran: &ran})

	err := c.RunAll(context.Background())
	if err == nil {
		t.Fatal("expected error from failing check")
	}
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("expected checks [first second] to run, got %v", ran)
	}
}

func TestTCPCheckSucceedsAgainstLiveListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	check := TCPCheck("hub", listenerEndpoint(t, ln))
	if err := check.Run(context.Background()); err != nil {
		t.Fatalf("expected TCPCheck to succeed, got %v", err)
	}
}

func TestTCPCheckFailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep := listenerEndpoint(t, ln)
	ln.Close()

	check := TCPCheck("hub", ep)
	if err := check.Run(context.Background()); err == nil {
		t.Fatal("expected TCPCheck to fail against closed port")
	}
}
