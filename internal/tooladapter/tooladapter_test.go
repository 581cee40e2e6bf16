package tooladapter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/store"
)

// fakeServerScript answers initialize and any other request with a
// generic success result, echoing back the request's id.
const fakeServerScript = `
while IFS= read -r line; do
  echo "$line" | sed -E 's/.*"id":"?([^",}]*)"?.*/{"jsonrpc":"2.0","id":"\1","result":{"ok":true}}/'
done
`

func openAdapter(t *testing.T) *Adapter {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, 2*time.Second, recorder.DefaultRetentionPolicy)
}

func TestListToolsReturnsSessionIDOnSuccess(t *testing.T) {
	a := openAdapter(t)
	target := Target{ID: "fake-connector", Command: "sh", Args: []string{"-c", fakeServerScript}}

	res := a.ListTools(context.Background(), target)
	if res.Err != nil {
		t.Fatalf("ListTools: %v", res.Err)
	}
	if res.SessionID == "" {
		t.Fatal("expected a non-empty session id")
	}
}

func TestSessionIDReturnedEvenOnFailure(t *testing.T) {
	a := openAdapter(t)
	target := Target{ID: "broken-connector", Command: "sh", Args: []string{"-c", "exit 1"}}

	res := a.ListTools(context.Background(), target)
	if res.Err == nil {
		t.Fatal("expected an error for a connector that exits immediately")
	}
	if res.SessionID == "" {
		t.Fatal("expected a session id even on failure so the trace stays reachable")
	}
}

func TestCallToolValidatesRequiredArguments(t *testing.T) {
	a := openAdapter(t)
	target := Target{ID: "fake-connector", Command: "sh", Args: []string{"-c", fakeServerScript}}

	res := a.CallTool(context.Background(), target, "search", CallToolOptions{
		Arguments:   map[string]any{},
		InputSchema: &InputSchema{Required: []string{"query"}},
	})
	if res.Err == nil {
		t.Fatal("expected validation failure for missing required argument")
	}
	// Validation fails before the backend is spawned, but the session id
	// is still returned so the failure stays traceable.
	if res.SessionID == "" {
		t.Fatal("expected a session id even for a pre-flight validation failure")
	}
}

func TestCallToolValidatesArgumentTypes(t *testing.T) {
	a := openAdapter(t)
	target := Target{ID: "fake-connector", Command: "sh", Args: []string{"-c", fakeServerScript}}

	res := a.CallTool(context.Background(), target, "search", CallToolOptions{
		Arguments: map[string]any{"limit": "not-a-number"},
		InputSchema: &InputSchema{
			Properties: map[string]SchemaProperty{"limit": {Type: "number"}},
		},
	})
	if res.Err == nil {
		t.Fatal("expected validation failure for wrong argument type")
	}
}

func TestCallToolSucceedsWithValidArguments(t *testing.T) {
	a := openAdapter(t)
	target := Target{ID: "fake-connector", Command: "sh", Args: []string{"-c", fakeServerScript}}

	res := a.CallTool(context.Background(), target, "search", CallToolOptions{
		Arguments: map[string]any{"query": "hello"},
		InputSchema: &InputSchema{
			Required:   []string{"query"},
			Properties: map[string]SchemaProperty{"query": {Type: "string"}},
		},
	})
	if res.Err != nil {
		t.Fatalf("CallTool: %v", res.Err)
	}
	if res.Frame.Success == nil || !*res.Frame.Success {
		t.Fatalf("expected a successful response frame, got %+v", res.Frame)
	}
}
