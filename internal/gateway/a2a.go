package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/store"
	"github.com/proofofprotocol/proofscan/internal/transport"
)

// a2aMessageBody is the gateway's A2A request shape, mirrored on the MCP
// one: a target id plus the A2A message payload to forward.
type a2aMessageBody struct {
	Target  string          `json:"target"`
	Message json.RawMessage `json:"message"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// a2aForwarder dials A2A agent targets and forwards messages, recording
// every session the same way the MCP registry does.
type a2aForwarder struct {
	store        *store.Store
	policy       recorder.RetentionPolicy
	allowPrivate bool

	mu       sync.Mutex
	sessions map[string]string // target id -> session id
}

func newA2AForwarder(s *store.Store, policy recorder.RetentionPolicy, allowPrivate bool) *a2aForwarder {
	return &a2aForwarder{store: s, policy: policy, allowPrivate: allowPrivate, sessions: make(map[string]string)}
}

func (a *a2aForwarder) sessionFor(ctx context.Context, targetID string) (*recorder.Recorder, error) {
	a.mu.Lock()
	sessionID, ok := a.sessions[targetID]
	a.mu.Unlock()
	if ok {
		return recorder.New(a.store, sessionID, a.policy), nil
	}

	sess, err := a.store.CreateSession(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("gateway: create a2a session: %w", err)
	}
	a.mu.Lock()
	a.sessions[targetID] = sess.ID
	a.mu.Unlock()
	return recorder.New(a.store, sess.ID, a.policy), nil
}

// shutdown ends every session this forwarder opened.
func (a *a2aForwarder) shutdown() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]string)
	a.mu.Unlock()
	for _, sessionID := range sessions {
		_ = a.store.EndSession(context.Background(), sessionID, store.ExitNormal)
	}
}

// send performs a non-streaming A2A `message/send` round trip against
// target's configured HTTP endpoint.
func (a *a2aForwarder) send(ctx context.Context, target config.ConnectorConfig, message json.RawMessage, timeout time.Duration) (jsonrpc.Frame, error) {
	if !a.allowPrivate {
		if err := transport.ValidateRemoteURL(target.HTTP.URL); err != nil {
			return jsonrpc.Frame{}, err
		}
	}
	rec, err := a.sessionFor(ctx, target.ID)
	if err != nil {
		return jsonrpc.Frame{}, err
	}

	cli := transport.NewHTTP(target.HTTP.URL, timeout)
	env := jsonrpc.NewRequest(fmt.Sprintf("%d", time.Now().UnixNano()), "message/send", message)
	if raw, merr := json.Marshal(env); merr == nil {
		_ = rec.Record(ctx, store.DirClientToServer, jsonrpc.Classify(raw))
	}
	frame, err := cli.Call(ctx, env)
	if err != nil {
		return jsonrpc.Frame{}, err
	}
	_ = rec.Record(ctx, store.DirServerToClient, frame)
	return frame, nil
}

// stream opens an A2A `message/stream` SSE connection against target and
// hands every decoded event to the caller, which relays it as
// server-sent events: each transport.A2AEvent is re-encoded as JSON into
// one `data:` field, and the relay ends with `data: [DONE]`. The agent's
// own JSON-RPC envelopes are not passed through verbatim.
func (a *a2aForwarder) stream(ctx context.Context, target config.ConnectorConfig, message json.RawMessage, idleTimeout time.Duration) (<-chan transport.A2AEvent, error) {
	rec, err := a.sessionFor(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	var sse *transport.SSE
	if a.allowPrivate {
		sse = transport.NewSSEAllowPrivate(target.HTTP.URL)
	} else {
		var err error
		sse, err = transport.NewSSE(target.HTTP.URL)
		if err != nil {
			return nil, err
		}
	}
	env := jsonrpc.NewRequest(fmt.Sprintf("%d", time.Now().UnixNano()), "message/stream", message)
	if raw, merr := json.Marshal(env); merr == nil {
		_ = rec.Record(ctx, store.DirClientToServer, jsonrpc.Classify(raw))
	}

	events, err := sse.Stream(ctx, env, idleTimeout)
	if err != nil {
		return nil, err
	}

	out := make(chan transport.A2AEvent, 8)
	go func() {
		defer close(out)
		for ev := range events {
			if raw, merr := json.Marshal(ev); merr == nil {
				_ = rec.Record(ctx, store.DirServerToClient, jsonrpc.Classify(raw))
			}
			out <- ev
		}
	}()
	return out, nil
}

// handleA2AMessage implements POST /a2a/v1/message: auth, admission,
// non-streaming forward, audit.
func (g *Gateway) handleA2AMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	raw, err := readCapped(r, g.bodyCap)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), requestID)
		return
	}
	var body a2aMessageBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Target == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "target is required", requestID)
		return
	}

	authRec, reason := g.authenticate(r, "a2a:message:"+body.Target)
	g.auditAuth(ctx, requestID, authRec.name(), body.Target, reason)
	if reason != "" {
		writeAuthDenied(w, requestID, reason)
		return
	}

	cfg, err := g.configMgr.Load(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "configuration unavailable", requestID)
		return
	}
	target, ok := findConnector(cfg, body.Target)
	if !ok || !target.AgentTarget || !target.Enabled {
		g.admissionDenied(ctx, requestID, authRec.name(), body.Target, "message/send", w)
		return
	}

	g.audit.emit(ctx, store.GatewayA2ARequest, auditFields{
		RequestID: requestID, ClientID: authRec.name(), TargetID: body.Target, Method: "message/send", Decision: allow(),
	})
	g.ensureAgentCard(target)

	frame, err := g.a2a.send(ctx, target, body.Message, 30*time.Second)
	latency := millisSince(start)
	if err != nil {
		g.audit.emit(ctx, store.GatewayError, auditFields{
			RequestID: requestID, ClientID: authRec.name(), TargetID: body.Target, Method: "message/send",
			Decision: deny(), StatusCode: http.StatusBadGateway, LatencyMs: latency, Err: err.Error(),
		})
		writeError(w, http.StatusBadGateway, ErrCodeInternal, err.Error(), requestID)
		return
	}

	g.audit.emit(ctx, store.GatewayA2AResponse, auditFields{
		RequestID: requestID, ClientID: authRec.name(), TargetID: body.Target, Method: "message/send",
		Decision: allow(), StatusCode: http.StatusOK, LatencyMs: latency,
	})
	writeJSON(w, http.StatusOK, rewriteResponseID(body.ID, frame.Raw))
}

// handleA2AStream implements POST /a2a/v1/message/stream: same admission
// path, but relays an SSE stream back to the caller instead of a single
// JSON body.
func (g *Gateway) handleA2AStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	raw, err := readCapped(r, g.bodyCap)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), requestID)
		return
	}
	var body a2aMessageBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Target == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "target is required", requestID)
		return
	}

	authRec, reason := g.authenticate(r, "a2a:message:"+body.Target)
	g.auditAuth(ctx, requestID, authRec.name(), body.Target, reason)
	if reason != "" {
		writeAuthDenied(w, requestID, reason)
		return
	}

	cfg, err := g.configMgr.Load(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "configuration unavailable", requestID)
		return
	}
	target, ok := findConnector(cfg, body.Target)
	if !ok || !target.AgentTarget || !target.Enabled {
		g.admissionDenied(ctx, requestID, authRec.name(), body.Target, "message/stream", w)
		return
	}

	g.ensureAgentCard(target)
	events, err := g.a2a.stream(ctx, target, body.Message, 60*time.Second)
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeInternal, err.Error(), requestID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "streaming unsupported", requestID)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	g.audit.emit(ctx, store.GatewayA2ARequest, auditFields{
		RequestID: requestID, ClientID: authRec.name(), TargetID: body.Target, Method: "message/stream", Decision: allow(),
	})
	for ev := range events {
		payload, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	g.audit.emit(ctx, store.GatewayA2AResponse, auditFields{
		RequestID: requestID, ClientID: authRec.name(), TargetID: body.Target, Method: "message/stream",
		Decision: allow(), StatusCode: http.StatusOK,
	})
}

func readCapped(r *http.Request, cap int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, cap+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(raw)) > cap {
		return nil, fmt.Errorf("request body exceeds configured cap")
	}
	return raw, nil
}
