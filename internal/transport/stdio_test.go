package transport

import (
	"context"
	"testing"
	"time"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
)

// echoResponderScript reads one JSON-RPC request per line and replies with
// a canned success response carrying the same id, simulating a minimal
// MCP server for transport-level tests.
const echoResponderScript = `
while IFS= read -r line; do
  echo "$line" | sed -E 's/.*"id":"?([^",}]*)"?.*/{"jsonrpc":"2.0","id":"\1","result":{"ok":true}}/'
done
`

func startEchoResponder(t *testing.T) *Stdio {
	t.Helper()
	tr, err := NewStdio(context.Background(), StdioConfig{Command: "sh", Args: []string{"-c", echoResponderScript}})
	if err != nil {
		t.Fatalf("NewStdio: %v", err)
	}
	t.Cleanup(func() { tr.Close(2 * time.Second) })
	return tr
}

func TestStdioRequestResponse(t *testing.T) {
	tr := startEchoResponder(t)

	id := tr.NextID()
	req := jsonrpc.NewRequest(id, "tools/list", nil)

	frame, err := tr.Request(context.Background(), req, id, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if frame.Kind != jsonrpc.KindResponse || frame.ID != id {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Success == nil || !*frame.Success {
		t.Fatalf("expected success response, got %+v", frame)
	}
}

func TestStdioRequestTimesOutWithoutResponse(t *testing.T) {
	// A responder that never writes anything back.
	tr, err := NewStdio(context.Background(), StdioConfig{Command: "sh", Args: []string{"-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("NewStdio: %v", err)
	}
	t.Cleanup(func() { tr.Close(time.Second) })

	id := tr.NextID()
	_, err = tr.Request(context.Background(), jsonrpc.NewRequest(id, "noop", nil), id, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestStdioRequestCanceledByContext(t *testing.T) {
	tr, err := NewStdio(context.Background(), StdioConfig{Command: "sh", Args: []string{"-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("NewStdio: %v", err)
	}
	t.Cleanup(func() { tr.Close(time.Second) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	id := tr.NextID()
	_, err = tr.Request(ctx, jsonrpc.NewRequest(id, "noop", nil), id, 5*time.Second)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	// The subprocess itself must still be running — cancellation fails
	// only the waiter.
	if tr.State() != StateReady {
		t.Fatalf("expected transport still ready after cancellation, got %s", tr.State())
	}
}

func TestStdioCloseIsIdempotent(t *testing.T) {
	tr := startEchoResponder(t)
	if err := tr.Close(time.Second); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(time.Second); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", tr.State())
	}
}

func TestStdioStderrBecomesTransportEvent(t *testing.T) {
	tr, err := NewStdio(context.Background(), StdioConfig{Command: "sh", Args: []string{"-c", "echo boom >&2; sleep 5"}})
	if err != nil {
		t.Fatalf("NewStdio: %v", err)
	}
	t.Cleanup(func() { tr.Close(time.Second) })

	select {
	case f := <-tr.Frames:
		if f.Kind != jsonrpc.KindTransportEvent || string(f.Raw) != "boom" {
			t.Fatalf("expected stderr transport_event %q, got %+v", "boom", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stderr frame")
	}
}

func TestStdioPendingWaitersFailOnClose(t *testing.T) {
	tr, err := NewStdio(context.Background(), StdioConfig{Command: "sh", Args: []string{"-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("NewStdio: %v", err)
	}

	id := tr.NextID()
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), jsonrpc.NewRequest(id, "noop", nil), id, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tr.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending request to fail on close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pending request to fail")
	}
}
