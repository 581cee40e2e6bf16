// Package gateway implements the multi-tenant HTTP front door that
// authenticates, rate-limits, queues, and audits MCP and A2A traffic
// destined for the connectors and agent targets the proxy also knows
// about, without aggregating or namespacing anything itself — one
// request in, one connector's response out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/proofofprotocol/proofscan/internal/agentcard"
	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/ids"
	"github.com/proofofprotocol/proofscan/internal/metrics"
	"github.com/proofofprotocol/proofscan/internal/queue"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
)

// Options configures a Gateway at construction time.
type Options struct {
	ConfigMgr       *config.Manager
	Store           *store.Store
	Metrics         *metrics.Registry
	Secrets         secrets.Resolver
	RetentionPolicy recorder.RetentionPolicy
	Queues          *queue.Manager

	AuthMode AuthMode
	Tokens   []TokenRecord

	// JWKSURL is the identity provider's JWKS endpoint AuthJWT validates
	// token signatures against. Required when AuthMode is AuthJWT.
	JWKSURL string

	BodyCapBytes int64
	HideNotFound bool

	// RateLimitPerSecond/RateLimitBurst configure the per-client token
	// bucket. A zero RateLimitPerSecond disables rate limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int

	DefaultTimeout time.Duration

	// AgentCardTTL is the default TTL agentcard.Cache applies to a fetched
	// card when the target's own config doesn't set one. Zero or a
	// negative value selects ten minutes.
	AgentCardTTL time.Duration

	// AllowPrivateAgentHosts relaxes the A2A host guard so agent targets
	// on loopback/private addresses can be reached. Off by default.
	AllowPrivateAgentHosts bool
}

// Gateway is the HTTP front door for MCP and A2A traffic. Its router can
// be mounted directly or served with http.Server.
type Gateway struct {
	configMgr    *config.Manager
	store        *store.Store
	metrics      *metrics.Registry
	audit        *auditRecorder
	registry     *registry
	a2a          *a2aForwarder
	agentCards   *agentcard.Cache
	tokens       *TokenStore
	authMode     AuthMode
	jwt          *jwtValidator
	bodyCap      int64
	hideNotFound bool
	defaultTO    time.Duration

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limRate  rate.Limit
	limBurst int
}

// New constructs a Gateway. Call Router to obtain its http.Handler. In
// AuthJWT mode the JWKS keys are fetched up front, so a misconfigured or
// unreachable identity provider fails here rather than on the first
// request.
func New(opts Options) (*Gateway, error) {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bodyCap := opts.BodyCapBytes
	if bodyCap <= 0 {
		bodyCap = 1 << 20
	}
	cardTTL := opts.AgentCardTTL
	if cardTTL <= 0 {
		cardTTL = 10 * time.Minute
	}
	g := &Gateway{
		configMgr:    opts.ConfigMgr,
		store:        opts.Store,
		metrics:      opts.Metrics,
		audit:        newAuditRecorder(opts.Store, newAuditBroadcaster()),
		registry:     newRegistry(opts.Store, opts.Queues, opts.Secrets, opts.RetentionPolicy),
		a2a:          newA2AForwarder(opts.Store, opts.RetentionPolicy, opts.AllowPrivateAgentHosts),
		agentCards:   agentcard.New(opts.Store, cardTTL),
		tokens:       NewTokenStore(opts.Tokens),
		authMode:     opts.AuthMode,
		bodyCap:      bodyCap,
		hideNotFound: opts.HideNotFound,
		defaultTO:    timeout,
		limiters:     make(map[string]*rate.Limiter),
		limRate:      rate.Limit(opts.RateLimitPerSecond),
		limBurst:     opts.RateLimitBurst,
	}
	g.agentCards.AllowPrivate = opts.AllowPrivateAgentHosts
	if g.authMode == "" {
		g.authMode = AuthNone
	}
	if g.authMode == AuthJWT {
		v, err := newJWTValidator(opts.JWKSURL)
		if err != nil {
			return nil, err
		}
		g.jwt = v
	}
	return g, nil
}

// Close closes every connector dialed by the gateway's registry and ends
// every A2A forwarding session.
func (g *Gateway) Close() {
	g.registry.shutdown(5 * time.Second)
	g.a2a.shutdown()
}

// Router builds the chi.Router exposing the MCP, A2A, agent-card, and
// admin routes, with /metrics mounted alongside when metrics are enabled.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.requestIDMiddleware)

	r.Post("/mcp/v1/message", g.handleMCPMessage)
	r.Post("/a2a/v1/message", g.handleA2AMessage)
	r.Post("/a2a/v1/message/stream", g.handleA2AStream)
	r.Get("/a2a/v1/agent-card/{target}", g.handleAgentCard)
	r.Get("/healthz", g.handleHealthz)
	r.Get("/admin/v1/stream", g.handleAdminStream)

	if g.metrics != nil {
		r.Handle("/metrics", g.metrics.Handler())
	}
	return r
}

type requestIDKey struct{}
type traceIDKey struct{}

// requestIDMiddleware assigns an opaque ULID request id, echoed on every
// log line and error body and in the X-Request-Id response header. It
// also stamps a separate UUID trace id, carried through to every audit
// row's trace_id column, for correlation with
// callers that propagate their own W3C-style trace identifiers rather than
// ProofScan's sortable request id.
func (g *Gateway) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := ids.New()
		traceID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		w.Header().Set("X-Trace-Id", traceID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		ctx = context.WithValue(ctx, traceIDKey{}, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func traceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mcpMessageBody is the POST /mcp/v1/message request shape.
type mcpMessageBody struct {
	Connector string          `json:"connector"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
}

// handleMCPMessage implements the full pipeline for POST
// /mcp/v1/message: auth, body validation, admission, queueing, response
// mapping, and audit emission before and after.
func (g *Gateway) handleMCPMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	_, limited := g.checkRateLimit(r)
	if limited {
		g.auditError(ctx, requestID, "", "", store.GatewayError, "", 0, "rate limited")
		w.Header().Set("Retry-After", retryAfterSeconds(1))
		writeError(w, http.StatusTooManyRequests, ErrCodeQueueFull, "rate limit exceeded", requestID)
		return
	}

	limit := io.LimitReader(r.Body, g.bodyCap+1)
	raw, err := io.ReadAll(limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body", requestID)
		return
	}
	if int64(len(raw)) > g.bodyCap {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "request body exceeds configured cap", requestID)
		return
	}

	var body mcpMessageBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Method == "" || body.Connector == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "connector and method are required", requestID)
		return
	}

	authRec, reason := g.authenticate(r, mcpPermission(body.Method, body.Connector))
	g.auditAuth(ctx, requestID, authRec.name(), body.Connector, reason)
	if reason != "" {
		writeAuthDenied(w, requestID, reason)
		return
	}

	cfg, err := g.configMgr.Load(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "configuration unavailable", requestID)
		return
	}
	cc, ok := findConnector(cfg, body.Connector)
	if !ok || cc.AgentTarget || !cc.Enabled {
		g.admissionDenied(ctx, requestID, authRec.name(), body.Connector, body.Method, w)
		return
	}

	g.auditRequest(ctx, requestID, authRec.name(), body.Connector, body.Method)

	timeout := time.Duration(cc.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = g.defaultTO
	}
	frame, qres, err := g.registry.call(ctx, cc, body.Method, body.Params, timeout)
	latency := millisSince(start)
	w.Header().Set("X-Queue-Wait-Ms", fmt.Sprintf("%d", qres.QueueWaitMs))

	if g.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		g.metrics.GatewayRequests.WithLabelValues(body.Connector, status).Inc()
		g.metrics.GatewayLatencyMs.WithLabelValues(body.Connector).Observe(float64(latency))
	}

	if err != nil {
		g.respondUpstreamError(w, ctx, requestID, body.Connector, body.Method, err, latency, qres)
		return
	}

	g.audit.emit(ctx, store.GatewayMCPResponse, auditFields{
		RequestID: requestID, ClientID: authRec.name(), TargetID: body.Connector, Method: body.Method,
		Decision: allow(), StatusCode: http.StatusOK, LatencyMs: latency, UpstreamLatencyMs: qres.UpstreamLatencyMs,
	})

	resp := rewriteResponseID(body.ID, frame.Raw)
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) admissionDenied(ctx context.Context, requestID, clientID, connector, method string, w http.ResponseWriter) {
	g.audit.emit(ctx, store.GatewayError, auditFields{
		RequestID: requestID, ClientID: clientID, TargetID: connector, Method: method,
		Decision: deny(), DenyReason: "not_found", StatusCode: statusForHidden(g.hideNotFound),
	})
	if g.hideNotFound {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "forbidden", requestID)
		return
	}
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "connector not found or disabled", requestID)
}

func statusForHidden(hide bool) int {
	if hide {
		return http.StatusForbidden
	}
	return http.StatusNotFound
}

// respondUpstreamError maps a queue/transport failure onto the response
// status: QueueFull -> 429 with Retry-After, QueueTimeout -> 504,
// anything else -> 500.
func (g *Gateway) respondUpstreamError(w http.ResponseWriter, ctx context.Context, requestID, connector, method string, err error, latency int64, qres queue.Result) {
	code := ErrCodeInternal
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		code, status = ErrCodeQueueFull, http.StatusTooManyRequests
		w.Header().Set("Retry-After", retryAfterSeconds(1))
		if g.metrics != nil {
			g.metrics.QueueRejections.WithLabelValues(connector, "queue_full").Inc()
		}
	case errors.Is(err, queue.ErrQueueTimeout):
		code, status = ErrCodeUpstreamTimeout, http.StatusGatewayTimeout
		if g.metrics != nil {
			g.metrics.QueueRejections.WithLabelValues(connector, "timeout").Inc()
		}
	}
	g.audit.emit(ctx, store.GatewayError, auditFields{
		RequestID: requestID, TargetID: connector, Method: method,
		Decision: deny(), StatusCode: status, LatencyMs: latency,
		UpstreamLatencyMs: qres.UpstreamLatencyMs, Err: err.Error(),
	})
	writeError(w, status, code, err.Error(), requestID)
}

// rewriteResponseID unwraps a backend's raw response frame and re-wraps
// its result or error under the caller's own request id.
func rewriteResponseID(clientID json.RawMessage, raw []byte) map[string]any {
	var env struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)
	out := map[string]any{"jsonrpc": "2.0"}
	if len(clientID) > 0 {
		var id any
		_ = json.Unmarshal(clientID, &id)
		out["id"] = id
	}
	if env.Error != nil {
		out["error"] = env.Error
	} else {
		out["result"] = env.Result
	}
	return out
}

func findConnector(cfg *config.Config, id string) (config.ConnectorConfig, bool) {
	for _, cc := range cfg.Connectors {
		if cc.ID == id {
			return cc, true
		}
	}
	return config.ConnectorConfig{}, false
}

// mcpPermission derives the `mcp:<action>:<target>` permission string
// for a request, using the part of the method after its first `/` as
// the action (`tools/call` -> `call`).
func mcpPermission(method, connector string) string {
	action := method
	for i := 0; i < len(method); i++ {
		if method[i] == '/' {
			action = method[i+1:]
			break
		}
	}
	return "mcp:" + action + ":" + connector
}

func (g *Gateway) auditAuth(ctx context.Context, requestID, clientID, connector string, reason DenyReason) {
	if reason == "" {
		g.audit.emit(ctx, store.GatewayAuthSuccess, auditFields{
			RequestID: requestID, ClientID: clientID, TargetID: connector, Decision: allow(),
		})
		return
	}
	if g.metrics != nil {
		g.metrics.GatewayAuthFailures.WithLabelValues(string(reason)).Inc()
	}
	status := http.StatusUnauthorized
	if reason == DenyInsufficientPermission {
		status = http.StatusForbidden
	}
	g.audit.emit(ctx, store.GatewayAuthFailure, auditFields{
		RequestID: requestID, ClientID: clientID, TargetID: connector,
		Decision: deny(), DenyReason: string(reason), StatusCode: status,
	})
}

func (g *Gateway) auditRequest(ctx context.Context, requestID, clientID, connector, method string) {
	g.audit.emit(ctx, store.GatewayMCPRequest, auditFields{
		RequestID: requestID, ClientID: clientID, TargetID: connector, Method: method, Decision: allow(),
	})
}

func (g *Gateway) auditError(ctx context.Context, requestID, clientID, connector string, kind store.GatewayEventKind, method string, status int, errMsg string) {
	g.audit.emit(ctx, kind, auditFields{
		RequestID: requestID, ClientID: clientID, TargetID: connector, Method: method,
		Decision: deny(), StatusCode: status, Err: errMsg,
	})
}

// authResult carries the authenticated caller's name through to audit
// emission without forcing every call site to nil-check a TokenRecord.
type authResult struct {
	rec TokenRecord
	ok  bool
}

func (a authResult) name() string {
	if !a.ok {
		return ""
	}
	return a.rec.Name
}

// authenticate runs the configured AuthMode's token check, followed by
// the permission check against requiredPermission.
func (g *Gateway) authenticate(r *http.Request, requiredPermission string) (authResult, DenyReason) {
	if g.authMode == AuthNone {
		return authResult{ok: true}, ""
	}

	raw, reason := extractBearer(r.Header.Get("Authorization"))
	if reason != "" {
		return authResult{}, reason
	}

	var rec TokenRecord
	switch g.authMode {
	case AuthJWT:
		r2, err := g.jwt.authenticate(raw)
		if err != nil {
			return authResult{}, DenyUnknownToken
		}
		rec = r2
	default:
		r2, ok := g.tokens.Authenticate(raw)
		if !ok {
			return authResult{}, DenyUnknownToken
		}
		rec = r2
	}

	if !anyPermissionAllows(rec.Permissions, requiredPermission) {
		return authResult{rec: rec, ok: true}, DenyInsufficientPermission
	}
	return authResult{rec: rec, ok: true}, ""
}

// checkRateLimit applies the per-client token bucket. Disabled entirely
// when RateLimitPerSecond is zero. Clients are
// bucketed by remote address, which is adequate for the single-tenant
// deployments this gateway targets; a multi-tenant deployment would key
// on the authenticated client id instead.
func (g *Gateway) checkRateLimit(r *http.Request) (*rate.Limiter, bool) {
	if g.limRate <= 0 {
		return nil, false
	}
	key := r.RemoteAddr
	g.limMu.Lock()
	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(g.limRate, g.limBurst)
		g.limiters[key] = lim
	}
	g.limMu.Unlock()
	return lim, !lim.Allow()
}
