package agentcard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/proofofprotocol/proofscan/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent_cache.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestFetchStoresCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"demo-agent","url":"http://example.com","version":"1.0"}`))
	}))
	defer srv.Close()

	c := New(testStore(t), time.Minute)
	c.AllowPrivate = true
	res := c.Fetch(context.Background(), "agent-1", srv.URL)
	if res.Error != nil {
		t.Fatalf("Fetch: %v", res.Error)
	}
	if !res.OK || res.Hash == "" {
		t.Fatalf("expected OK with a non-empty hash, got %+v", res)
	}
}

func TestFetchRejectsMissingRequiredFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"demo-agent"}`))
	}))
	defer srv.Close()

	c := New(testStore(t), time.Minute)
	c.AllowPrivate = true
	res := c.Fetch(context.Background(), "agent-1", srv.URL)
	if res.Error == nil {
		t.Fatal("expected an error for a card missing url/version")
	}
}

func TestFetchRetriesOnceOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"name":"demo-agent","url":"http://example.com","version":"1.0"}`))
	}))
	defer srv.Close()

	c := New(testStore(t), time.Minute)
	c.AllowPrivate = true
	res := c.Fetch(context.Background(), "agent-1", srv.URL)
	if res.Error != nil {
		t.Fatalf("expected the single retry to succeed, got: %v", res.Error)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (1 retry), got %d", attempts)
	}
}

func TestFetchDoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testStore(t), time.Minute)
	c.AllowPrivate = true
	res := c.Fetch(context.Background(), "agent-1", srv.URL)
	if res.Error == nil {
		t.Fatal("expected a 404 to be a permanent failure")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx, got %d", attempts)
	}
}

func TestFetchRejectsPrivateURL(t *testing.T) {
	c := New(testStore(t), time.Minute)
	res := c.Fetch(context.Background(), "agent-1", "http://127.0.0.1:1/card")
	if res.Error == nil {
		t.Fatal("expected a loopback URL to be rejected by the SSRF guard")
	}
}

func TestGetReturnsStaleAfterTTL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"demo-agent","url":"http://example.com","version":"1.0"}`))
	}))
	defer srv.Close()

	c := New(testStore(t), time.Minute)
	c.AllowPrivate = true
	base := time.Now()
	stampTime = func() time.Time { return base }
	defer func() { stampTime = time.Now }()

	if res := c.Fetch(context.Background(), "agent-1", srv.URL); res.Error != nil {
		t.Fatalf("Fetch: %v", res.Error)
	}

	cached, ok, err := c.Get(context.Background(), "agent-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if cached.Stale {
		t.Fatal("expected a freshly fetched card to not be stale")
	}

	stampTime = func() time.Time { return base.Add(2 * time.Minute) }
	cached, ok, err = c.Get(context.Background(), "agent-1")
	if err != nil || !ok {
		t.Fatalf("Get after TTL: ok=%v err=%v", ok, err)
	}
	if !cached.Stale {
		t.Fatal("expected the same card to be flagged stale once its TTL has passed")
	}
}

func TestGetMissingTarget(t *testing.T) {
	c := New(testStore(t), time.Minute)
	_, ok, err := c.Get(context.Background(), "never-fetched")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a target that was never fetched")
	}
}
