package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/store"
)

func sha256HexForTest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRequestThenResponse(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, err := s.CreateSession(ctx, "target-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := New(s, sess.ID, DefaultRetentionPolicy)

	reqFrame := jsonrpc.Classify([]byte(`{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{}}`))
	if err := rec.Record(ctx, store.DirClientToServer, reqFrame); err != nil {
		t.Fatalf("Record request: %v", err)
	}

	rc, err := s.GetRpcCall(ctx, sess.ID, "1")
	if err != nil {
		t.Fatalf("GetRpcCall: %v", err)
	}
	if rc.Method != "tools/call" || rc.ResponseTS != nil {
		t.Fatalf("unexpected rpc call after request: %+v", rc)
	}

	respFrame := jsonrpc.Classify([]byte(`{"jsonrpc":"2.0","id":"1","result":{"ok":true}}`))
	if err := rec.Record(ctx, store.DirServerToClient, respFrame); err != nil {
		t.Fatalf("Record response: %v", err)
	}

	rc, err = s.GetRpcCall(ctx, sess.ID, "1")
	if err != nil {
		t.Fatalf("GetRpcCall after response: %v", err)
	}
	if rc.Success == nil || !*rc.Success || rc.ResponseTS == nil {
		t.Fatalf("expected completed successful rpc call, got %+v", rc)
	}

	events, err := s.EventsBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != store.EventRequest || events[1].Kind != store.EventResponse {
		t.Fatalf("unexpected event kinds: %+v", events)
	}
}

func TestRecordNotification(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, _ := s.CreateSession(ctx, "target-1")
	rec := New(s, sess.ID, DefaultRetentionPolicy)

	f := jsonrpc.Classify([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`))
	if err := rec.Record(ctx, store.DirServerToClient, f); err != nil {
		t.Fatalf("Record notification: %v", err)
	}

	events, _ := s.EventsBySession(ctx, sess.ID)
	if len(events) != 1 || events[0].Kind != store.EventNotification {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Label == nil || *events[0].Label != "notifications/progress" {
		t.Fatalf("expected label to carry the method name, got %+v", events[0].Label)
	}
}

func TestRecordMalformedFrameBecomesTransportEvent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, _ := s.CreateSession(ctx, "target-1")
	rec := New(s, sess.ID, DefaultRetentionPolicy)

	f := jsonrpc.Classify([]byte(`not json`))
	if err := rec.Record(ctx, store.DirServerToClient, f); err != nil {
		t.Fatalf("Record malformed frame: %v", err)
	}

	events, _ := s.EventsBySession(ctx, sess.ID)
	if len(events) != 1 || events[0].Kind != store.EventTransportEvent {
		t.Fatalf("expected a transport_event to be recorded, got %+v", events)
	}
	if events[0].RawJSON == nil || *events[0].RawJSON != "not json" {
		t.Fatal("expected the raw malformed payload to be preserved, not dropped")
	}
}

func TestRecordResponseToUnknownRpcStillWritesEvent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, _ := s.CreateSession(ctx, "target-1")
	rec := New(s, sess.ID, DefaultRetentionPolicy)

	f := jsonrpc.Classify([]byte(`{"jsonrpc":"2.0","id":"999","result":{}}`))
	if err := rec.Record(ctx, store.DirServerToClient, f); err != nil {
		t.Fatalf("Record response to unknown rpc: %v", err)
	}

	events, _ := s.EventsBySession(ctx, sess.ID)
	if len(events) != 1 || events[0].Kind != store.EventResponse {
		t.Fatalf("expected the event to still be recorded, got %+v", events)
	}
}

func TestRecordHashOnlyRetentionElidesRawJSON(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, _ := s.CreateSession(ctx, "target-1")
	rec := New(s, sess.ID, RetentionPolicy{HashOnly: true})

	f := jsonrpc.Classify([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
	if err := rec.Record(ctx, store.DirServerToClient, f); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, _ := s.EventsBySession(ctx, sess.ID)
	if events[0].PayloadHash == nil {
		t.Fatal("expected payload hash to still be recorded under hash-only retention")
	}
	if events[0].RawJSON != nil {
		t.Fatalf("expected raw json to be elided, got %q", *events[0].RawJSON)
	}
}

func TestRecordOverCapPayloadIsTruncatedButHashesFullPayload(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, _ := s.CreateSession(ctx, "target-1")
	rec := New(s, sess.ID, RetentionPolicy{MaxBytes: 10})

	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"big":"payload-that-exceeds-the-cap"}}`)
	f := jsonrpc.Classify(raw)
	if err := rec.Record(ctx, store.DirServerToClient, f); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, _ := s.EventsBySession(ctx, sess.ID)
	ev := events[0]
	if ev.RawJSON == nil || len(*ev.RawJSON) != 10 {
		t.Fatalf("expected a 10-byte preview, got %v", ev.RawJSON)
	}
	if ev.PayloadHash == nil || *ev.PayloadHash != sha256HexForTest(raw) {
		t.Fatalf("expected hash to cover the full original payload, got %+v", ev.PayloadHash)
	}
}
