package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleA2AMessageForwards(t *testing.T) {
	agent := echoUpstream(t)
	defer agent.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("agent-1", agent.URL, true), func(o *Options) {
		o.AllowPrivateAgentHosts = true
	})
	defer cleanup()

	body := `{"target":"agent-1","message":{"role":"user","parts":[{"type":"text","data":"hi"}]},"id":"7"}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     any             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "7" {
		t.Fatalf("expected the caller's id to be echoed back, got %v", resp.ID)
	}
	if len(resp.Result) == 0 {
		t.Fatalf("expected a result from the agent, got %s", rec.Body.String())
	}
}

func TestHandleA2AMessageRejectsNonAgentTarget(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("github", upstream.URL, false), nil)
	defer cleanup()

	body := `{"target":"github","message":{}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an MCP connector addressed as an agent, got %d", rec.Code)
	}
}

func TestHandleA2AMessageRejectsPrivateAgentByDefault(t *testing.T) {
	agent := echoUpstream(t)
	defer agent.Close()

	g, cleanup := testGateway(t, connectorsJSONFor("agent-1", agent.URL, true), nil)
	defer cleanup()

	body := `{"target":"agent-1","message":{}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/v1/message", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected the loopback agent to be refused without the explicit opt-out, got %d", rec.Code)
	}
}

func TestHandleA2AMessageRequiresTarget(t *testing.T) {
	g, cleanup := testGateway(t, `{"connectors":[]}`, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/a2a/v1/message", bytes.NewBufferString(`{"message":{}}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a body missing target, got %d", rec.Code)
	}
}
