package proxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
	"github.com/proofofprotocol/proofscan/internal/transport"
)

// backend is the uniform surface the proxy dispatches through regardless
// of whether a connector speaks stdio or HTTP, so the dispatch and queue
// layers never need to know which wire shape they're driving.
type backend interface {
	Call(ctx context.Context, env jsonrpc.Envelope, timeout time.Duration) (jsonrpc.Frame, error)
	NextID() string
	Frames() <-chan jsonrpc.Frame // nil for shapes with no out-of-band notifications (HTTP)
	Close(grace time.Duration) error
}

// stdioBackend adapts transport.Stdio to the backend interface.
type stdioBackend struct {
	tr *transport.Stdio
}

func newStdioBackend(tr *transport.Stdio) *stdioBackend {
	return &stdioBackend{tr: tr}
}

func (b *stdioBackend) Call(ctx context.Context, env jsonrpc.Envelope, timeout time.Duration) (jsonrpc.Frame, error) {
	id := env.IDString()
	return b.tr.Request(ctx, env, id, timeout)
}

func (b *stdioBackend) NextID() string { return b.tr.NextID() }

func (b *stdioBackend) Frames() <-chan jsonrpc.Frame { return b.tr.Frames }

func (b *stdioBackend) Close(grace time.Duration) error { return b.tr.Close(grace) }

// httpBackend adapts transport.HTTP to the backend interface. Plain
// request/response HTTP connectors have no side channel for
// notifications, so Frames returns nil — dispatch treats that as "nothing
// to forward".
type httpBackend struct {
	cli    *transport.HTTP
	nextID int64
}

func newHTTPBackend(cli *transport.HTTP) *httpBackend {
	return &httpBackend{cli: cli}
}

func (b *httpBackend) Call(ctx context.Context, env jsonrpc.Envelope, _ time.Duration) (jsonrpc.Frame, error) {
	return b.cli.Call(ctx, env)
}

func (b *httpBackend) NextID() string {
	n := atomic.AddInt64(&b.nextID, 1)
	return fmt.Sprintf("%d", n)
}

func (b *httpBackend) Frames() <-chan jsonrpc.Frame { return nil }

func (b *httpBackend) Close(time.Duration) error { return nil }
