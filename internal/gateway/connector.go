package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/queue"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/secrets"
	"github.com/proofofprotocol/proofscan/internal/store"
	"github.com/proofofprotocol/proofscan/internal/transport"
)

// backend is the uniform surface the gateway forwards a single request
// through, regardless of wire shape. Grounded on internal/proxy/backend.go,
// re-expressed here because the gateway is a raw request/response
// passthrough rather than an aggregator: it never fans out tools/list or
// rewrites tool names, so it has no need for the proxy's notification
// drain or lazy-initialize-with-cached-tools dispatch.
type backend interface {
	Call(ctx context.Context, env jsonrpc.Envelope, timeout time.Duration) (jsonrpc.Frame, error)
	NextID() string
	Close(time.Duration) error
}

type stdioBackend struct{ tr *transport.Stdio }

func (b *stdioBackend) Call(ctx context.Context, env jsonrpc.Envelope, timeout time.Duration) (jsonrpc.Frame, error) {
	return b.tr.Request(ctx, env, env.IDString(), timeout)
}
func (b *stdioBackend) NextID() string                  { return b.tr.NextID() }
func (b *stdioBackend) Close(grace time.Duration) error { return b.tr.Close(grace) }

type httpBackend struct {
	cli    *transport.HTTP
	nextID int64
}

func (b *httpBackend) Call(ctx context.Context, env jsonrpc.Envelope, _ time.Duration) (jsonrpc.Frame, error) {
	return b.cli.Call(ctx, env)
}
func (b *httpBackend) NextID() string {
	return fmt.Sprintf("%d", atomic.AddInt64(&b.nextID, 1))
}
func (b *httpBackend) Close(time.Duration) error { return nil }

// liveConnector is the gateway's lazily-dialed handle on one configured
// connector: one subprocess or HTTP client, one recording session, opened
// on first request and reused by every subsequent one.
type liveConnector struct {
	mu        sync.Mutex
	backend   backend
	sessionID string
}

// registry dials and caches one liveConnector per connector id, sharing
// each connector's bounded queue with the rest of the process via the
// shared queue.Manager (so a connector reached through both the proxy and
// the gateway in the same deployment still shares one FIFO and one
// inflight cap).
type registry struct {
	store   *store.Store
	queues  *queue.Manager
	secrets secrets.Resolver
	policy  recorder.RetentionPolicy

	mu   sync.Mutex
	live map[string]*liveConnector
}

func newRegistry(s *store.Store, queues *queue.Manager, resolver secrets.Resolver, policy recorder.RetentionPolicy) *registry {
	return &registry{store: s, queues: queues, secrets: resolver, policy: policy, live: make(map[string]*liveConnector)}
}

func (r *registry) get(ctx context.Context, cc config.ConnectorConfig) (*liveConnector, error) {
	r.mu.Lock()
	lc, ok := r.live[cc.ID]
	if !ok {
		lc = &liveConnector{}
		r.live[cc.ID] = lc
	}
	r.mu.Unlock()

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.backend != nil {
		return lc, nil
	}

	sess, err := r.store.CreateSession(ctx, cc.ID)
	if err != nil {
		return nil, fmt.Errorf("gateway: create connector session: %w", err)
	}
	b, err := dial(ctx, cc, r.secrets)
	if err != nil {
		_ = r.store.EndSession(ctx, sess.ID, store.ExitError)
		return nil, err
	}
	lc.backend = b
	lc.sessionID = sess.ID
	return lc, nil
}

func dial(ctx context.Context, cc config.ConnectorConfig, resolver secrets.Resolver) (backend, error) {
	switch cc.Transport {
	case config.TransportStdio:
		env := cc.Stdio.Env
		if resolver != nil {
			resolved := make([]string, 0, len(env))
			for _, kv := range env {
				key, value, found := strings.Cut(kv, "=")
				if !found {
					resolved = append(resolved, kv)
					continue
				}
				v, err := secrets.ResolveEnv(resolver, value)
				if err != nil {
					return nil, fmt.Errorf("gateway: connector %s: env var %q: %w", cc.ID, key, err)
				}
				resolved = append(resolved, key+"="+v)
			}
			env = resolved
		}
		tr, err := transport.NewStdio(ctx, transport.StdioConfig{
			Command: cc.Stdio.Command,
			Args:    cc.Stdio.Args,
			Env:     env,
			WorkDir: cc.Stdio.WorkDir,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: connector %s: %w", cc.ID, err)
		}
		return &stdioBackend{tr: tr}, nil
	case config.TransportHTTP, config.TransportSSE:
		return &httpBackend{cli: transport.NewHTTP(cc.HTTP.URL, 30*time.Second)}, nil
	default:
		return nil, fmt.Errorf("gateway: connector %s: unsupported transport %q", cc.ID, cc.Transport)
	}
}

// call enqueues one forwarded request through the connector's bounded
// queue and records both directions of traffic.
func (r *registry) call(ctx context.Context, cc config.ConnectorConfig, method string, params []byte, timeout time.Duration) (jsonrpc.Frame, queue.Result, error) {
	lc, err := r.get(ctx, cc)
	if err != nil {
		return jsonrpc.Frame{}, queue.Result{}, err
	}

	rec := recorder.New(r.store, lc.sessionID, r.policy)
	q := r.queues.Connector(cc.ID, queue.Config{
		MaxInflight:    cc.MaxInflight,
		MaxQueueDepth:  cc.MaxQueueDepth,
		DefaultTimeout: timeout,
	})

	var frame jsonrpc.Frame
	res, err := q.Enqueue(ctx, timeout, func(execCtx context.Context) (any, error) {
		lc.mu.Lock()
		b := lc.backend
		lc.mu.Unlock()

		id := b.NextID()
		env := jsonrpc.NewRequest(id, method, params)
		if raw, merr := json.Marshal(env); merr == nil {
			_ = rec.Record(execCtx, store.DirClientToServer, jsonrpc.Classify(raw))
		}
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

// shutdown closes every dialed connector and ends its session.
func (r *registry) shutdown(grace time.Duration) {
	r.mu.Lock()
	live := r.live
	r.live = make(map[string]*liveConnector)
	r.mu.Unlock()

	for id, lc := range live {
		lc.mu.Lock()
		b := lc.backend
		sessionID := lc.sessionID
		lc.mu.Unlock()
		if b != nil {
			_ = b.Close(grace)
		}
		if sessionID != "" {
			_ = r.store.EndSession(context.Background(), sessionID, store.ExitNormal)
		}
		_ = id
	}
}
