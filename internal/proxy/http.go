package proxy

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/store"
)

// Router exposes the aggregator to network MCP clients, the optional
// HTTP mode alongside the stdio front door. The surface is a single
// JSON-RPC endpoint: one envelope in, one envelope out,
// through the exact same Dispatch path the stdio loop uses.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/mcp/v1/rpc", p.handleHTTPRPC)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return r
}

func (p *Proxy) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var env jsonrpc.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Method == "" {
		http.Error(w, "body must be a JSON-RPC request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if p.clientRecorder != nil {
		_ = p.clientRecorder.Record(ctx, store.DirClientToServer, jsonrpc.Classify(raw))
	}

	resp := p.Dispatch(ctx, env)
	if p.clientRecorder != nil {
		if respRaw, err := json.Marshal(resp); err == nil {
			_ = p.clientRecorder.Record(ctx, store.DirServerToClient, jsonrpc.Classify(respRaw))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
