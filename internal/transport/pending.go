package transport

import (
	"fmt"
	"sync"

	"github.com/proofofprotocol/proofscan/internal/jsonrpc"
)

// pendingMap multiplexes requests and responses over one stream:
// outgoing requests carry a monotonic id; a pending map keyed by id
// holds a one-shot waiter. A response correlates by id and fires the
// waiter exactly once. On close, every pending waiter fails with a
// transport-closed error instead of hanging forever.
type pendingMap struct {
	mu      sync.Mutex
	waiters map[string]chan jsonrpc.Frame
	closed  bool
}

func newPendingMap() *pendingMap {
	return &pendingMap{waiters: make(map[string]chan jsonrpc.Frame)}
}

// ErrTransportClosed is delivered to every pending waiter when the
// transport closes before their response arrives.
var ErrTransportClosed = fmt.Errorf("transport: closed with request still pending")

// register creates a one-shot waiter for id. Callers must call forget(id)
// once they stop waiting, whether they got a response or timed out.
func (p *pendingMap) register(id string) (chan jsonrpc.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrTransportClosed
	}
	ch := make(chan jsonrpc.Frame, 1)
	p.waiters[id] = ch
	return ch, nil
}

func (p *pendingMap) forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve delivers frame to the waiter registered for its id, if any. It
// returns true if a waiter was found and fired exactly once.
func (p *pendingMap) resolve(frame jsonrpc.Frame) bool {
	p.mu.Lock()
	ch, ok := p.waiters[frame.ID]
	if ok {
		delete(p.waiters, frame.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// closeAll fails every still-pending waiter with ErrTransportClosed.
func (p *pendingMap) closeAll() {
	p.mu.Lock()
	p.closed = true
	waiters := p.waiters
	p.waiters = make(map[string]chan jsonrpc.Frame)
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
