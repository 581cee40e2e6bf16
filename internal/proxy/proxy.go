package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/metrics"
	"github.com/proofofprotocol/proofscan/internal/queue"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
)

// Options configures a Proxy at construction time.
type Options struct {
	ProcessConfig    *config.ProcessConfig
	ConfigMgr        *config.Manager
	Store            *store.Store
	Metrics          *metrics.Registry
	Secrets          secrets.Resolver
	RetentionPolicy  recorder.RetentionPolicy
	RuntimeStatePath string
	SocketPath       string
	HeartbeatEvery   time.Duration
	ShutdownGrace    time.Duration
	ClientName       string
}

// Proxy is the MCP aggregator: it owns every
// configured connector, dispatches aggregated requests across them, and
// publishes a runtime state snapshot plus a local IPC control surface.
type Proxy struct {
	store     *store.Store
	metrics   *metrics.Registry
	secrets   secrets.Resolver
	policy    recorder.RetentionPolicy
	configMgr *config.Manager

	shutdownGrace time.Duration
	clientName    string

	mu               sync.RWMutex
	connectors       map[string]*connector
	connectorConfigs []config.ConnectorConfig
	queues           *queue.Manager

	state *stateWriter
	ipc   *ipcServer

	notifications chan jsonrpc.Envelope

	clientSessionID string
	clientRecorder  *recorder.Recorder

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New constructs a Proxy with no connectors yet started; call Start to
// perform the initial load.
func New(opts Options) *Proxy {
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	heartbeat := opts.HeartbeatEvery
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	name := opts.ClientName
	if name == "" {
		name = "default"
	}

	p := &Proxy{
		store:         opts.Store,
		metrics:       opts.Metrics,
		secrets:       opts.Secrets,
		policy:        opts.RetentionPolicy,
		configMgr:     opts.ConfigMgr,
		shutdownGrace: grace,
		clientName:    name,
		connectors:    make(map[string]*connector),
		queues:        queue.NewManager(queue.Config{MaxInflight: 4, MaxQueueDepth: 64, DefaultTimeout: 30 * time.Second}),
		state:         newStateWriter(opts.RuntimeStatePath, "stdio", "info", 200),
		notifications: make(chan jsonrpc.Envelope, 64),
	}
	return p
}

// Start loads the current configuration, eagerly spawns every enabled
// connector (the initial load is just a reload where everything is
// "added"), opens the IPC socket, and begins publishing runtime state.
func (p *Proxy) Start(ctx context.Context, socketPath string, heartbeat time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	sess, err := p.store.CreateSession(ctx, "client:"+p.clientName)
	if err != nil {
		return fmt.Errorf("proxy: create client session: %w", err)
	}
	p.clientSessionID = sess.ID
	p.clientRecorder = recorder.New(p.store, sess.ID, p.policy)

	if _, err := p.reload(ctx); err != nil {
		return fmt.Errorf("proxy: initial load: %w", err)
	}

	if socketPath != "" {
		ipc, err := newIPCServer(socketPath, p)
		if err != nil {
			return fmt.Errorf("proxy: ipc listen: %w", err)
		}
		p.ipc = ipc
		go ipc.serve(ctx)
	}

	go p.state.runPeriodic(heartbeat, func() string { return "ready" }, p.connectorSlice)
	p.publishState("ready")
	return nil
}

// Stop shuts down every connector (aborting its queued and inflight
// requests) and closes its transport, stops the state writer and IPC
// listener, and ends the client session.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.state.stop()
		if p.ipc != nil {
			_ = p.ipc.close()
		}

		p.mu.Lock()
		conns := p.connectors
		p.connectors = nil
		p.mu.Unlock()

		for _, c := range conns {
			c.shutdown(p.shutdownGrace)
		}
		p.queues.ShutdownAll()

		if p.clientSessionID != "" {
			_ = p.store.EndSession(context.Background(), p.clientSessionID, store.ExitNormal)
		}
	})
}

// Status returns the most recently published runtime state snapshot.
func (p *Proxy) Status() RuntimeState {
	return p.state.latest()
}

// Reload is the IPC-facing entry point for hot reload.
func (p *Proxy) Reload(ctx context.Context) (ReloadResult, error) {
	p.configMgr.InvalidateCache()
	return p.reload(ctx)
}

func (p *Proxy) connectorSlice() []*connector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*connector, 0, len(p.connectors))
	for _, c := range p.connectors {
		out = append(out, c)
	}
	return out
}

func (p *Proxy) publishState(state string) {
	conns := p.connectorSlice()
	if p.metrics != nil {
		for _, c := range conns {
			healthy, toolCount, _ := c.snapshot()
			v := 0.0
			if healthy {
				v = 1.0
			}
			p.metrics.ConnectorHealthy.WithLabelValues(c.id).Set(v)
			p.metrics.ConnectorToolCount.WithLabelValues(c.id).Set(float64(toolCount))
		}
	}
	_ = p.state.publish(p.state.snapshot(state, conns))
}

func (p *Proxy) buildConnector(cc config.ConnectorConfig) *connector {
	q := p.queues.Connector(cc.ID, queue.Config{
		MaxInflight:    cc.MaxInflight,
		MaxQueueDepth:  cc.MaxQueueDepth,
		DefaultTimeout: p.timeoutFor(cc),
	})
	notify := func(frame jsonrpc.Frame) {
		p.forwardNotification(cc.ID, cc.ToolPrefixSeparator, frame)
	}
	return newConnectorHandle(cc, q, p.store, p.policy, notify)
}

// forwardNotification rewrites a backend notification's tool name (when
// its params carry one) with the connector's prefix and hands it to the
// external client's stdio loop. A saturated client
// drops the notification rather than blocking the backend's drain.
func (p *Proxy) forwardNotification(connectorID, sep string, frame jsonrpc.Frame) {
	var env jsonrpc.Envelope
	if err := json.Unmarshal(frame.Raw, &env); err != nil {
		return
	}
	if len(env.Params) > 0 {
		if rewritten, err := prefixJSONField(env.Params, "name", connectorID, sep); err == nil {
			env.Params = rewritten
		}
	}
	select {
	case p.notifications <- env:
	default:
		slog.Debug("proxy: notification dropped, client not draining", "connector", connectorID, "method", env.Method)
	}
}

func (p *Proxy) separators() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.connectorConfigs))
	for _, cc := range p.connectorConfigs {
		out[cc.ID] = cc.ToolPrefixSeparator
	}
	return out
}

// Dispatch handles one aggregated JSON-RPC request: `initialize` warms
// every connector, `tools/list` fans out and
// namespaces results, `tools/call`/`resources/*`/`prompts/*` route to the
// owning connector by stripping its prefix.
func (p *Proxy) Dispatch(ctx context.Context, env jsonrpc.Envelope) jsonrpc.Envelope {
	p.state.touchClient(p.clientName, env.Method == "tools/call")

	switch env.Method {
	case "initialize":
		return p.dispatchInitialize(ctx, env)
	case "tools/list":
		return p.dispatchToolsList(ctx, env)
	case "tools/call":
		return p.dispatchPrefixed(ctx, env, "tools/call", "name")
	case "resources/list":
		return p.dispatchListFanout(ctx, env, "resources/list", "resources", "uri")
	case "resources/read", "resources/subscribe":
		return p.dispatchPrefixed(ctx, env, env.Method, "uri")
	case "prompts/list":
		return p.dispatchListFanout(ctx, env, "prompts/list", "prompts", "name")
	case "prompts/get":
		return p.dispatchPrefixed(ctx, env, env.Method, "name")
	default:
		return jsonrpc.NewError(env.ID, -32601, "method not found: "+env.Method)
	}
}

func (p *Proxy) dispatchInitialize(ctx context.Context, env jsonrpc.Envelope) jsonrpc.Envelope {
	for _, c := range p.connectorSlice() {
		if err := c.ensureStarted(ctx, p.secrets, 30*time.Second); err != nil {
			slog.Warn("proxy: connector failed to initialize", "connector", c.id, "error", err)
		}
	}
	result, _ := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]string{"name": "proofscan-proxy", "version": "1"},
		"capabilities":    map[string]any{"tools": map[string]bool{}, "resources": map[string]bool{}, "prompts": map[string]bool{}},
	})
	return jsonrpc.NewResult(env.ID, result)
}

func (p *Proxy) dispatchToolsList(ctx context.Context, env jsonrpc.Envelope) jsonrpc.Envelope {
	type toolsListResult struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	var all []ToolDescriptor
	for _, c := range p.connectorSlice() {
		sep := c.cfg.ToolPrefixSeparator
		tools, err := c.listTools(ctx, p.secrets, p.timeoutFor(c.cfg))
		if err != nil {
			slog.Warn("proxy: tools/list failed for connector", "connector", c.id, "error", err)
			continue
		}
		for _, t := range tools {
			t.Name = namespace(c.id, sep, t.Name)
			all = append(all, t)
		}
	}
	result, _ := json.Marshal(toolsListResult{Tools: all})
	return jsonrpc.NewResult(env.ID, result)
}

// dispatchListFanout applies the tools/list treatment to the other two
// list-shaped methods: fan out to every
// connector, namespace each item's name/uri field, concatenate, and skip
// (with a warning) any connector that fails.
func (p *Proxy) dispatchListFanout(ctx context.Context, env jsonrpc.Envelope, method, itemsKey, nameField string) jsonrpc.Envelope {
	all := []json.RawMessage{}
	for _, c := range p.connectorSlice() {
		sep := c.cfg.ToolPrefixSeparator
		items, err := c.listGeneric(ctx, p.secrets, p.timeoutFor(c.cfg), method, itemsKey)
		if err != nil {
			slog.Warn("proxy: list fan-out failed for connector", "method", method, "connector", c.id, "error", err)
			continue
		}
		for _, raw := range items {
			rewritten, err := prefixJSONField(raw, nameField, c.id, sep)
			if err != nil {
				slog.Warn("proxy: failed to namespace list item", "method", method, "connector", c.id, "error", err)
				continue
			}
			all = append(all, rewritten)
		}
	}
	body, _ := json.Marshal(map[string][]json.RawMessage{itemsKey: all})
	return jsonrpc.NewResult(env.ID, body)
}

// dispatchPrefixed routes a call whose params carry a namespaced
// identifier under nameField to the owning connector, stripping the
// prefix before forwarding.
func (p *Proxy) dispatchPrefixed(ctx context.Context, env jsonrpc.Envelope, method, nameField string) jsonrpc.Envelope {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return jsonrpc.NewError(env.ID, -32602, "invalid params")
	}
	var qualified string
	if err := json.Unmarshal(params[nameField], &qualified); err != nil {
		return jsonrpc.NewError(env.ID, -32602, fmt.Sprintf("missing or invalid %q", nameField))
	}

	connID, localName, ok := splitNamespace(qualified, p.separators())
	if !ok {
		return jsonrpc.NewError(env.ID, -32602, "unknown connector prefix in "+qualified)
	}

	p.mu.RLock()
	c, exists := p.connectors[connID]
	p.mu.RUnlock()
	if !exists {
		return jsonrpc.NewError(env.ID, -32001, "connector not available: "+connID)
	}

	rewritten := make(map[string]json.RawMessage, len(params))
	for k, v := range params {
		rewritten[k] = v
	}
	localRaw, _ := json.Marshal(localName)
	rewritten[nameField] = localRaw
	rewrittenParams, _ := json.Marshal(rewritten)

	frame, res, err := c.call(ctx, p.secrets, method, rewrittenParams, p.timeoutFor(c.cfg))
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.GatewayRequests.WithLabelValues(connID, status).Inc()
		p.metrics.QueueWaitMs.WithLabelValues(connID).Observe(float64(res.QueueWaitMs))
		p.metrics.UpstreamLatencyMs.WithLabelValues(connID).Observe(float64(res.UpstreamLatencyMs))
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			p.metrics.QueueRejections.WithLabelValues(connID, "queue_full").Inc()
		case errors.Is(err, queue.ErrQueueTimeout):
			p.metrics.QueueRejections.WithLabelValues(connID, "timeout").Inc()
		}
	}
	// Machine codes let an in-process MCP client distinguish retryable
	// backpressure from hard failures.
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return jsonrpc.NewError(env.ID, -32003, "connector queue is full")
	case errors.Is(err, queue.ErrQueueTimeout):
		return jsonrpc.NewError(env.ID, -32004, "connector queue timed out")
	case err != nil:
		return jsonrpc.NewError(env.ID, -32000, err.Error())
	}
	return rewriteResponseID(env.ID, frame)
}

// rewriteResponseID unwraps a backend's raw response frame and re-wraps
// its result or error under the external client's own request id, since
// the proxy assigns its own ids to the backend call.
func rewriteResponseID(clientID json.RawMessage, frame jsonrpc.Frame) jsonrpc.Envelope {
	var backendEnv jsonrpc.Envelope
	if err := json.Unmarshal(frame.Raw, &backendEnv); err != nil {
		return jsonrpc.NewError(clientID, -32603, "malformed upstream response")
	}
	if backendEnv.Error != nil {
		return jsonrpc.Envelope{JSONRPC: "2.0", ID: clientID, Error: backendEnv.Error}
	}
	return jsonrpc.NewResult(clientID, backendEnv.Result)
}

// ServeStdio runs the proxy's own external-facing MCP server loop over
// stdin/stdout, the front door for desktop MCP clients such as editors
// and CLI agents.
func (p *Proxy) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var writeMu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(v)
	}

	// Backend notifications interleave with responses on the same stdout
	// stream; the write mutex keeps each line whole.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-p.notifications:
				if err := write(env); err != nil {
					return
				}
				if p.clientRecorder != nil {
					if raw, err := json.Marshal(env); err == nil {
						_ = p.clientRecorder.Record(ctx, store.DirServerToClient, jsonrpc.Classify(raw))
					}
				}
			}
		}
	}()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env jsonrpc.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("proxy: malformed client request", "error", err)
			continue
		}
		if p.clientRecorder != nil {
			_ = p.clientRecorder.Record(ctx, store.DirClientToServer, jsonrpc.Classify(line))
		}

		resp := p.Dispatch(ctx, env)
		if err := write(resp); err != nil {
			return err
		}
		if p.clientRecorder != nil {
			raw, _ := json.Marshal(resp)
			_ = p.clientRecorder.Record(ctx, store.DirServerToClient, jsonrpc.Classify(raw))
		}
	}
	return scanner.Err()
}
