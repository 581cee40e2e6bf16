package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/queue"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
)

// echoUpstream answers every JSON-RPC request with a canned result,
// standing in for a real connector backend.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  map[string]any{"method": req["method"], "ok": true},
		})
	}))
}

func writeConnectorsFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connectors.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write connectors file: %v", err)
	}
	return path
}

func testGateway(t *testing.T, connectorsJSON string, opts func(*Options)) (*Gateway, func()) {
	t.Helper()
	path := writeConnectorsFile(t, connectorsJSON)
	cfgMgr := config.NewManager(path, time.Hour, &config.ProcessConfig{
		DefaultTimeoutMs:     5000,
		DefaultMaxInflight:   4,
		DefaultMaxQueueDepth: 16,
	})

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	o := Options{
		ConfigMgr:       cfgMgr,
		Store:           st,
		Secrets:         secrets.MapResolver{},
		RetentionPolicy: recorder.DefaultRetentionPolicy,
		Queues:          queue.NewManager(queue.Config{MaxInflight: 4, MaxQueueDepth: 16, DefaultTimeout: 5 * time.Second}),
		AuthMode:        AuthNone,
		DefaultTimeout:  5 * time.Second,
	}
	if opts != nil {
		opts(&o)
	}
	g, err := New(o)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	return g, func() {
		g.Close()
		st.Close()
	}
}

// connectorsJSONFor builds a one-connector config document pointed at an
// httptest upstream.
func connectorsJSONFor(id, url string, agentTarget bool) string {
	b, _ := json.Marshal(map[string]any{
		"connectors": []map[string]any{
			{
				"id":          id,
				"transport":   "rpc-http",
				"enabled":     true,
				"http":        map[string]string{"url": url},
				"agentTarget": agentTarget,
			},
		},
	})
	return string(b)
}

func TestHandleMCPMessageSuccess(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	body := `{"connector":"github","method":"tools/call","params":{"x":1},"id":7}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != float64(7) {
		t.Fatalf("expected id 7, got %v", resp["id"])
	}
	result, ok := resp["result"].(map[string]any)
	if !ok || result["method"] != "tools/call" {
		t.Fatalf("expected echoed result, got %v", resp["result"])
	}
}

func TestHandleMCPMessageConnectorNotFound(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	body := `{"connector":"nope","method":"tools/call","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown connector, got %d", rec.Code)
	}
}

func TestHandleMCPMessageHidesNotFoundAsForbidden(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), func(o *Options) {
		o.HideNotFound = true
	})
	defer cleanup()

	body := `{"connector":"nope","method":"tools/call","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when HideNotFound is set, got %d", rec.Code)
	}
}

func TestHandleMCPMessageRejectsAgentTargetAsConnector(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("agent-1", upstream.URL, true), nil)
	defer cleanup()

	body := `{"connector":"agent-1","method":"tools/call","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected an agent target to be invisible to the MCP surface, got %d", rec.Code)
	}
}

func TestHandleMCPMessageRequiresAuth(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	tok, err := ParseTokenSpec("sha256:"+sha256Hex("s3cret"), 0, []string{"mcp:*:github"})
	if err != nil {
		t.Fatalf("ParseTokenSpec: %v", err)
	}

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), func(o *Options) {
		o.AuthMode = AuthBearer
		o.Tokens = []TokenRecord{tok}
	})
	defer cleanup()

	body := `{"connector":"github","method":"tools/call","id":1}`

	// Missing Authorization header.
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no Authorization header, got %d", rec.Code)
	}

	// Wrong token.
	req = httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with an unknown token, got %d", rec.Code)
	}

	// Correct token, sufficient permission.
	req = httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token and sufficient permission, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMCPMessageInsufficientPermission(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	tok, err := ParseTokenSpec("sha256:"+sha256Hex("s3cret"), 0, []string{"mcp:*:slack"})
	if err != nil {
		t.Fatalf("ParseTokenSpec: %v", err)
	}

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), func(o *Options) {
		o.AuthMode = AuthBearer
		o.Tokens = []TokenRecord{tok}
	})
	defer cleanup()

	body := `{"connector":"github","method":"tools/call","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a token scoped to a different connector, got %d", rec.Code)
	}
}

func TestHandleMCPMessageRejectsOversizedBody(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), func(o *Options) {
		o.BodyCapBytes = 8
	})
	defer cleanup()

	body := `{"connector":"github","method":"tools/call","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a body exceeding the configured cap, got %d", rec.Code)
	}
}

func TestHandleMCPMessageRejectsMissingFields(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(`{"method":"tools/call"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when connector is missing, got %d", rec.Code)
	}
}

func TestHandleHealthz(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}
}

func agentCardUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"demo-agent","url":"http://example.com","version":"1.0"}`))
	}))
}

func TestHandleAgentCardFetchesOnColdCache(t *testing.T) {
	card := agentCardUpstream(t)
	defer card.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("agent-1", card.URL, true), func(o *Options) {
		o.AllowPrivateAgentHosts = true
	})
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/a2a/v1/agent-card/agent-1", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["hash"] == "" || resp["hash"] == nil {
		t.Fatalf("expected a non-empty hash, got %v", resp["hash"])
	}
}

func TestHandleAgentCardRejectsNonAgentTarget(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/a2a/v1/agent-card/github", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a connector that isn't an agent target, got %d", rec.Code)
	}
}

func TestHandleMCPMessageAssignsRequestID(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/message", bytes.NewBufferString(`{"connector":"github","method":"tools/call","id":1}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected every response to carry an X-Request-Id header")
	}
}
