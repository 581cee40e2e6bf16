package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
)

func TestRouterRejectsNonJSONRPCBody(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "connectors.json")
	writeConnectorsFile(t, configPath)
	p := newTestProxy(t, configPath)

	srv := httptest.NewServer(p.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp/v1/rpc", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-JSON-RPC body, got %d", resp.StatusCode)
	}
}

func TestRouterDispatchesToolsList(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "connectors.json")
	writeConnectorsFile(t, configPath, stdioConnectorConfig("a", 0))

	p := newTestProxy(t, configPath)
	ctx := context.Background()
	if err := p.Start(ctx, "", time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	srv := httptest.NewServer(p.Router())
	defer srv.Close()

	body, _ := json.Marshal(jsonrpc.NewRequest("1", "tools/list", nil))
	resp, err := http.Post(srv.URL+"/mcp/v1/rpc", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var env jsonrpc.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	names := toolNames(t, env)
	if !contains(names, "a__echo") {
		t.Fatalf("expected the namespaced tool over HTTP, got %v", names)
	}
}

func TestRouterHealthz(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "connectors.json")
	writeConnectorsFile(t, configPath)
	p := newTestProxy(t, configPath)

	srv := httptest.NewServer(p.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
