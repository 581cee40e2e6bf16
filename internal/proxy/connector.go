// Package proxy implements the MCP aggregator: a single MCP server
// that fans out tools/list, tools/call, resources/*, prompts/*, and
// notifications across multiple backend connectors, each
// behind its own bounded queue, with hot-reloadable configuration and a
// periodically published runtime state snapshot.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/queue"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
	"github.com/proofofprotocol/proofscan/internal/transport"
)

// ToolDescriptor is a backend-local tool as returned by tools/list, kept
// only long enough to rewrite its name and to report ConnectorToolCount.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// connector is the proxy's live handle on one configured backend: its
// transport, its bounded queue, its cached tool list, and the session it
// records traffic into. Initialization is lazy and cached: a backend is
// spawned and initialized on first use, never again for the same handle.
type connector struct {
	id     string
	cfg    config.ConnectorConfig
	queue  *queue.Connector
	store  *store.Store
	policy recorder.RetentionPolicy
	notify func(jsonrpc.Frame) // backend notifications, forwarded to the external client

	mu          sync.Mutex
	backend     backend
	sessionID   string
	initialized bool
	tools       []ToolDescriptor
	healthy     bool
	lastError   string
}

func newConnectorHandle(cfg config.ConnectorConfig, q *queue.Connector, s *store.Store, policy recorder.RetentionPolicy, notify func(jsonrpc.Frame)) *connector {
	return &connector{id: cfg.ID, cfg: cfg, queue: q, store: s, policy: policy, notify: notify}
}

// ensureStarted spawns the transport and records `initialize` exactly
// once, caching the backend handle so repeated dispatch calls never
// re-initialize a warm connector. The tool list is cached by listTools.
func (c *connector) ensureStarted(ctx context.Context, resolver secrets.Resolver, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	sess, err := c.store.CreateSession(ctx, c.id)
	if err != nil {
		return fmt.Errorf("proxy: create connector session: %w", err)
	}
	c.sessionID = sess.ID
	rec := recorder.New(c.store, sess.ID, c.policy)

	b, err := c.dial(ctx, resolver)
	if err != nil {
		c.healthy = false
		c.lastError = err.Error()
		_ = c.store.EndSession(ctx, sess.ID, store.ExitError)
		slog.Warn("proxy: connector dial failed", "connector", c.id, "error", err)
		return err
	}
	c.backend = b

	if frames := b.Frames(); frames != nil {
		go c.drain(rec, frames)
	}

	id := b.NextID()
	env := jsonrpc.NewRequest(id, "initialize", nil)
	c.recordOutgoing(ctx, rec, env)
	frame, err := b.Call(ctx, env, timeout)
	if err != nil {
		c.healthy = false
		c.lastError = err.Error()
		_ = c.store.EndSession(ctx, sess.ID, store.ExitError)
		return fmt.Errorf("proxy: connector %s initialize: %w", c.id, err)
	}
	_ = rec.Record(ctx, store.DirServerToClient, frame)

	c.initialized = true
	c.healthy = true
	c.lastError = ""
	return nil
}

// dial constructs the right backend shape for this connector's configured
// transport, resolving secret placeholders in stdio env vars first.
func (c *connector) dial(ctx context.Context, resolver secrets.Resolver) (backend, error) {
	switch c.cfg.Transport {
	case config.TransportStdio:
		env, err := resolveStdioEnv(resolver, c.cfg.Stdio.Env)
		if err != nil {
			return nil, fmt.Errorf("proxy: connector %s: %w", c.id, err)
		}
		tr, err := transport.NewStdio(ctx, transport.StdioConfig{
			Command: c.cfg.Stdio.Command,
			Args:    c.cfg.Stdio.Args,
			Env:     env,
			WorkDir: c.cfg.Stdio.WorkDir,
		})
		if err != nil {
			return nil, err
		}
		return newStdioBackend(tr), nil
	case config.TransportHTTP:
		return newHTTPBackend(transport.NewHTTP(c.cfg.HTTP.URL, 30*time.Second)), nil
	default:
		return nil, fmt.Errorf("proxy: connector %s: unsupported transport %q", c.id, c.cfg.Transport)
	}
}

// resolveStdioEnv resolves ${SECRET:<ref>} placeholders in each
// "KEY=VALUE" entry's value. A nil resolver passes entries through
// unchanged, which is the common case for connectors with no secret refs.
func resolveStdioEnv(resolver secrets.Resolver, env []string) ([]string, error) {
	if resolver == nil {
		return env, nil
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			out = append(out, kv)
			continue
		}
		resolved, err := secrets.ResolveEnv(resolver, value)
		if err != nil {
			return nil, fmt.Errorf("env var %q: %w", key, err)
		}
		out = append(out, key+"="+resolved)
	}
	return out, nil
}

// drain records every out-of-band frame (notifications, stderr transport
// events) a backend produces for as long as its Frames channel is open.
// Notifications are additionally handed to notify so the proxy can rewrite
// and forward them to the external client.
func (c *connector) drain(rec *recorder.Recorder, frames <-chan jsonrpc.Frame) {
	for frame := range frames {
		_ = rec.Record(context.Background(), store.DirServerToClient, frame)
		if frame.Kind == jsonrpc.KindNotification && c.notify != nil {
			c.notify(frame)
		}
	}
}

func (c *connector) recordOutgoing(ctx context.Context, rec *recorder.Recorder, env jsonrpc.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = rec.Record(ctx, store.DirClientToServer, jsonrpc.Classify(raw))
}

// listTools fans out tools/list to this connector, caching and returning
// the backend-local tool names; the caller applies the connector prefix.
// A failing backend contributes nothing beyond a warning surfaced into
// runtime state.
func (c *connector) listTools(ctx context.Context, resolver secrets.Resolver, timeout time.Duration) ([]ToolDescriptor, error) {
	if err := c.ensureStarted(ctx, resolver, timeout); err != nil {
		return nil, err
	}

	c.mu.Lock()
	b := c.backend
	sessionID := c.sessionID
	c.mu.Unlock()

	rec := recorder.New(c.store, sessionID, c.policy)
	id := b.NextID()
	env := jsonrpc.NewRequest(id, "tools/list", nil)
	c.recordOutgoing(ctx, rec, env)
	frame, err := b.Call(ctx, env, timeout)
	if err != nil {
		c.mu.Lock()
		c.healthy = false
		c.lastError = err.Error()
		c.mu.Unlock()
		return nil, err
	}
	_ = rec.Record(ctx, store.DirServerToClient, frame)
	if frame.Success != nil && !*frame.Success {
		return nil, fmt.Errorf("proxy: connector %s: tools/list returned an error", c.id)
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(frame.Raw, &rawResultUnwrap{&result}); err != nil {
		return nil, fmt.Errorf("proxy: connector %s: parse tools/list result: %w", c.id, err)
	}

	// Prefixing resolves collisions across connectors; a collision within
	// one connector has no resolution and poisons dispatch.
	seen := make(map[string]bool, len(result.Tools))
	for _, tl := range result.Tools {
		if seen[tl.Name] {
			c.mu.Lock()
			c.healthy = false
			c.lastError = fmt.Sprintf("duplicate tool name %q", tl.Name)
			c.mu.Unlock()
			return nil, fmt.Errorf("proxy: connector %s: duplicate tool name %q", c.id, tl.Name)
		}
		seen[tl.Name] = true
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.healthy = true
	c.lastError = ""
	c.mu.Unlock()
	return result.Tools, nil
}

// listGeneric fans out an arbitrary "list"-shaped RPC (resources/list,
// prompts/list) to this connector and returns the raw item objects found
// under itemsKey, unprefixed — namespacing is applied by the caller so
// every connector's items can be merged uniformly under the same
// name-prefix rule tools use.
func (c *connector) listGeneric(ctx context.Context, resolver secrets.Resolver, timeout time.Duration, method, itemsKey string) ([]json.RawMessage, error) {
	if err := c.ensureStarted(ctx, resolver, timeout); err != nil {
		return nil, err
	}

	c.mu.Lock()
	b := c.backend
	sessionID := c.sessionID
	c.mu.Unlock()

	rec := recorder.New(c.store, sessionID, c.policy)
	id := b.NextID()
	env := jsonrpc.NewRequest(id, method, nil)
	c.recordOutgoing(ctx, rec, env)
	frame, err := b.Call(ctx, env, timeout)
	if err != nil {
		c.mu.Lock()
		c.healthy = false
		c.lastError = err.Error()
		c.mu.Unlock()
		return nil, err
	}
	_ = rec.Record(ctx, store.DirServerToClient, frame)
	if frame.Success != nil && !*frame.Success {
		return nil, fmt.Errorf("proxy: connector %s: %s returned an error", c.id, method)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(frame.Raw, &rawResultUnwrap{&result}); err != nil {
		return nil, fmt.Errorf("proxy: connector %s: parse %s result: %w", c.id, method, err)
	}
	var items []json.RawMessage
	if raw, ok := result[itemsKey]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("proxy: connector %s: parse %s items: %w", c.id, method, err)
		}
	}
	return items, nil
}

// rawResultUnwrap unmarshals a JSON-RPC response frame's top-level
// "result" field into target, tolerating the frame also carrying
// jsonrpc/id/error siblings.
type rawResultUnwrap struct {
	target any
}

func (u *rawResultUnwrap) UnmarshalJSON(data []byte) error {
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, u.target)
}

// call routes one tools/call (or resources/*, prompts/*) invocation
// through this connector's bounded queue.
func (c *connector) call(ctx context.Context, resolver secrets.Resolver, method string, params json.RawMessage, timeout time.Duration) (jsonrpc.Frame, queue.Result, error) {
	if err := c.ensureStarted(ctx, resolver, timeout); err != nil {
		return jsonrpc.Frame{}, queue.Result{}, err
	}

	c.mu.Lock()
	b := c.backend
	sessionID := c.sessionID
	c.mu.Unlock()
	rec := recorder.New(c.store, sessionID, c.policy)

	var frame jsonrpc.Frame
	res, err := c.queue.Enqueue(ctx, timeout, func(execCtx context.Context) (any, error) {
		id := b.NextID()
		env := jsonrpc.NewRequest(id, method, params)
		c.recordOutgoing(execCtx, rec, env)
		f, err := b.Call(execCtx, env, timeout)
		if err != nil {
			return nil, err
		}
		_ = rec.Record(execCtx, store.DirServerToClient, f)
		frame = f
		return f, nil
	})
	if err != nil {
		return jsonrpc.Frame{}, res, err
	}
	return frame, res, nil
}

// shutdown shuts down the connector's queue, which aborts every waiting
// and inflight request with queue.ErrQueueShutdown instead of letting
// them finish, and then closes its transport. Used both at process
// shutdown and by hot reload when a connector is removed or changed.
func (c *connector) shutdown(grace time.Duration) {
	c.queue.Shutdown()

	c.mu.Lock()
	b := c.backend
	sessionID := c.sessionID
	initialized := c.initialized
	c.mu.Unlock()

	if b != nil {
		_ = b.Close(grace)
	}
	if initialized {
		_ = c.store.EndSession(context.Background(), sessionID, store.ExitNormal)
	}
}

func (c *connector) snapshot() (healthy bool, toolCount int, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy, len(c.tools), c.lastError
}
