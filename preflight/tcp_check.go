package preflight

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nodewire/nodewire/wire"
)

type tcpCheck struct {
	name     string
	endpoint wire.Endpoint
	timeout  time.Duration
}

// TCPCheck probes that endpoint accepts a TCP connection within timeout,
// closing it immediately. Used to confirm the hub is reachable before a
// node issues its first registration; it takes a
// wire.Endpoint rather than a bare address string so callers never have to
// reformat the same Endpoint they already hold just to preflight it.
func TCPCheck(name string, endpoint wire.Endpoint) Check {
	return &tcpCheck{
		name:     name,
		endpoint: endpoint,
		timeout:  5 * time.Second,
	}
}

func (t *tcpCheck) Name() string {
	return t.name
}

func (t *tcpCheck) Run(ctx context.Context) error {
	dialer := net.Dialer{
		Timeout: t.timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.endpoint.String())
	if err != nil {
		return fmt.Errorf("TCP connection to %s failed: %w", t.endpoint, err)
	}
	defer conn.Close()

	return nil
}
