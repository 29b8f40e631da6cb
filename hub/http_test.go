package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nodewire/nodewire/wire"
)

// TestDebugDirectoryMatchesTCPRegistration registers a node over the real
// TCP control protocol, then reads the same directory back over the HTTP
// introspection surface, checking the two views agree. NewRouter never
// touches the TCP path itself, so this is the only place that exercises it.
func TestDebugDirectoryMatchesTCPRegistration(t *testing.T) {
	h, hubEp := newTestHub(t)

	server := httptest.NewServer(NewRouter(h))
	t.Cleanup(server.Close)

	node := wire.NodeInfo{ID: 42, Name: "directory-probe"}
	status := sendRequest(t, hubEp, wire.OpNodeRegister, encodeNodeInfo(t, node))
	if status.Error != wire.StatusOK {
		t.Fatalf("expected node registration to succeed, got status %+v", status)
	}

	resp, err := http.Get(server.URL + "/debug/directory")
	if err != nil {
		t.Fatalf("GET /debug/directory: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snapshot Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	found := false
	for _, n := range snapshot.Nodes {
		if n == node {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %+v among HTTP-reported nodes, got %+v", node, snapshot.Nodes)
	}

	tcpSnapshot := h.Snapshot()
	if len(snapshot.Nodes) != len(tcpSnapshot.Nodes) {
		t.Fatalf("HTTP snapshot reports %d nodes, direct Snapshot() reports %d", len(snapshot.Nodes), len(tcpSnapshot.Nodes))
	}
}

// TestHealthEndpointReportsOK confirms /health reflects a running hub
// without requiring any TCP traffic.
func TestHealthEndpointReportsOK(t *testing.T) {
	h, _ := newTestHub(t)
	server := httptest.NewServer(NewRouter(h))
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status 'ok', got %q", body["status"])
	}
}
