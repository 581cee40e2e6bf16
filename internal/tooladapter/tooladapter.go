// Package tooladapter implements the stateless one-shot operations:
// listTools, getTool, callTool each open a fresh session
// against one connector, send initialize and then one target RPC, record
// everything, and close.
package tooladapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/store"
	"github.com/proofofprotocol/proofscan/internal/transport"
)

// Target describes how to reach the connector for this one-shot call.
type Target struct {
	ID      string
	Command string
	Args    []string
	Env     []string
}

// Result is returned by every operation, win or lose. SessionID is
// always populated so callers can point users at the recorded trace
// even on failure.
type Result struct {
	SessionID string
	Frame     jsonrpc.Frame
	Err       error
}

// Adapter runs one-shot tool operations against a connector, recording
// every frame into the shared store.
type Adapter struct {
	store    *store.Store
	timeout  time.Duration
	policy   recorder.RetentionPolicy
}

// New returns an Adapter bound to s, using timeout as the deadline for
// both initialize and the target RPC.
func New(s *store.Store, timeout time.Duration, policy recorder.RetentionPolicy) *Adapter {
	return &Adapter{store: s, timeout: timeout, policy: policy}
}

// ListTools calls tools/list.
func (a *Adapter) ListTools(ctx context.Context, target Target) Result {
	return a.oneShot(ctx, target, "tools/list", nil)
}

// GetTool calls tools/get with {name}.
func (a *Adapter) GetTool(ctx context.Context, target Target, name string) Result {
	params, _ := json.Marshal(map[string]string{"name": name})
	return a.oneShot(ctx, target, "tools/get", params)
}

// CallToolOptions carries the optional client-side schema validation:
// comparing provided arguments against a tool's
// inputSchema.required list and simple type tags before invoking the
// backend, so a malformed call never reaches the subprocess.
type CallToolOptions struct {
	Arguments  map[string]any
	InputSchema *InputSchema
}

// CallTool invokes tools/call with {name, arguments}.
func (a *Adapter) CallTool(ctx context.Context, target Target, name string, opts CallToolOptions) Result {
	if opts.InputSchema != nil {
		if err := opts.InputSchema.Validate(opts.Arguments); err != nil {
			verr := fmt.Errorf("tooladapter: argument validation failed: %w", err)
			// The backend is never spawned, but a session is still opened
			// and closed so the failure has a session id like any other.
			sess, serr := a.store.CreateSession(ctx, target.ID)
			if serr != nil {
				return Result{Err: verr}
			}
			a.endSession(ctx, sess.ID, store.ExitError)
			return Result{SessionID: sess.ID, Err: verr}
		}
	}

	params, err := json.Marshal(map[string]any{"name": name, "arguments": opts.Arguments})
	if err != nil {
		return Result{Err: fmt.Errorf("tooladapter: marshal call params: %w", err)}
	}
	return a.oneShot(ctx, target, "tools/call", params)
}

// oneShot opens a session, sends initialize then method, records
// everything, and always ends the session before returning.
func (a *Adapter) oneShot(ctx context.Context, target Target, method string, params json.RawMessage) Result {
	sess, err := a.store.CreateSession(ctx, target.ID)
	if err != nil {
		return Result{Err: fmt.Errorf("tooladapter: create session: %w", err)}
	}
	rec := recorder.New(a.store, sess.ID, a.policy)

	tr, err := transport.NewStdio(ctx, transport.StdioConfig{
		Command: target.Command,
		Args:    target.Args,
		Env:     target.Env,
	})
	if err != nil {
		a.endSession(ctx, sess.ID, store.ExitError)
		return Result{SessionID: sess.ID, Err: fmt.Errorf("tooladapter: start transport: %w", err)}
	}
	defer tr.Close(5 * time.Second)

	// tr.Frames only carries what the subprocess writes to stdout/stderr;
	// our own outgoing requests never echo back, so each is recorded
	// explicitly (client_to_server) right before it's sent.
	go a.drain(ctx, rec, tr)

	initID := tr.NextID()
	initEnv := jsonrpc.NewRequest(initID, "initialize", nil)
	a.recordOutgoing(ctx, rec, initEnv)
	initFrame, err := tr.Request(ctx, initEnv, initID, a.timeout)
	if err != nil {
		a.endSession(ctx, sess.ID, store.ExitError)
		return Result{SessionID: sess.ID, Err: fmt.Errorf("tooladapter: initialize: %w", err)}
	}
	if initFrame.Success != nil && !*initFrame.Success {
		a.endSession(ctx, sess.ID, store.ExitError)
		return Result{SessionID: sess.ID, Frame: initFrame, Err: fmt.Errorf("tooladapter: initialize failed")}
	}

	id := tr.NextID()
	env := jsonrpc.NewRequest(id, method, params)
	a.recordOutgoing(ctx, rec, env)
	frame, err := tr.Request(ctx, env, id, a.timeout)
	if err != nil {
		a.endSession(ctx, sess.ID, store.ExitError)
		return Result{SessionID: sess.ID, Err: fmt.Errorf("tooladapter: %s: %w", method, err)}
	}

	exitReason := store.ExitNormal
	if frame.Success != nil && !*frame.Success {
		exitReason = store.ExitError
	}
	a.endSession(ctx, sess.ID, exitReason)

	return Result{SessionID: sess.ID, Frame: frame}
}

// drain records every frame the transport produces until it closes. It is
// the single consumer of tr.Frames for the lifetime of this one-shot call.
func (a *Adapter) drain(ctx context.Context, rec *recorder.Recorder, tr *transport.Stdio) {
	for frame := range tr.Frames {
		dir := store.DirServerToClient
		_ = rec.Record(ctx, dir, frame)
	}
}

func (a *Adapter) endSession(ctx context.Context, sessionID string, reason store.ExitReason) {
	_ = a.store.EndSession(ctx, sessionID, reason)
}

// recordOutgoing records a request envelope we're about to send, since
// the subprocess transport only surfaces what it writes back to us.
func (a *Adapter) recordOutgoing(ctx context.Context, rec *recorder.Recorder, env jsonrpc.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = rec.Record(ctx, store.DirClientToServer, jsonrpc.Classify(raw))
}
