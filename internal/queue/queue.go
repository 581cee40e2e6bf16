// Package queue implements the per-connector bounded FIFO: a small
// configured inflight cap plus a bounded wait list, so one slow or
// stuck backend connector cannot monopolize resources or delay traffic
// to any other connector.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned by Enqueue when the connector's queue and
// inflight count are both saturated.
var ErrQueueFull = errors.New("queue: connector queue is full")

// ErrQueueTimeout is returned when a request's combined wait+execute
// budget elapses either while waiting or while executing.
var ErrQueueTimeout = errors.New("queue: request timed out")

// ErrQueueShutdown is returned to every waiting and inflight request when
// the connector's queue is shut down; each receives this terminal
// rejection rather than hanging until its own deadline.
var ErrQueueShutdown = errors.New("queue: connector is shut down")

// Config holds one connector's caps.
type Config struct {
	MaxInflight    int
	MaxQueueDepth  int
	DefaultTimeout time.Duration
}

// Result is returned by a successful Enqueue call.
type Result struct {
	Value             any
	QueueWaitMs       int64
	UpstreamLatencyMs int64
}

// ExecFunc is the work a caller wants run once admitted; it must respect
// ctx's deadline and return promptly on cancellation.
type ExecFunc func(ctx context.Context) (any, error)

// Connector is one backend's bounded FIFO queue: an admission semaphore
// gates entry before any work touches the execution pool, and the pool
// itself is sized to MaxInflight so at most that many exec_fns run
// concurrently for this connector.
type Connector struct {
	cfg Config

	admission *semaphore.Weighted // weight 1 per queued-or-running request, capacity MaxQueueDepth+MaxInflight
	pool      pond.Pool

	// ticketMu/nextTicket/nowServing form a turnstile that hands tickets
	// to pond.Submit in strict arrival order, so FIFO release order
	// doesn't depend on the scheduler's happenstance timing between
	// concurrent Enqueue callers or on pond's own internal dispatch
	// order.
	ticketMu   sync.Mutex
	ticketCond *sync.Cond
	nextTicket int64
	nowServing int64

	mu     sync.Mutex
	closed bool

	// shutdownCtx is canceled once by Shutdown; every admitted request's
	// deadline context is derived from it as well as its own caller
	// context and deadline, so Shutdown cancels waiting and inflight
	// requests in one stroke instead of waiting for them to drain.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewConnector builds a bounded queue for one connector.
func NewConnector(cfg Config) *Connector {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	c := &Connector{
		cfg:            cfg,
		admission:      semaphore.NewWeighted(int64(cfg.MaxQueueDepth + cfg.MaxInflight)),
		pool:           pond.NewPool(cfg.MaxInflight),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
	c.ticketCond = sync.NewCond(&c.ticketMu)
	return c
}

// takeTicket blocks until every earlier-admitted request has been handed
// to the pool, then returns. It must be followed by serve().
func (c *Connector) takeTicket() int64 {
	c.ticketMu.Lock()
	defer c.ticketMu.Unlock()
	ticket := c.nextTicket
	c.nextTicket++
	for c.nowServing != ticket {
		c.ticketCond.Wait()
	}
	return ticket
}

// serve releases the turnstile so the next ticket holder can proceed.
func (c *Connector) serve(ticket int64) {
	c.ticketMu.Lock()
	c.nowServing = ticket + 1
	c.ticketMu.Unlock()
	c.ticketCond.Broadcast()
}

// Enqueue fails fast with
// ErrQueueFull when admission would exceed MaxQueueDepth+MaxInflight;
// otherwise the request is stamped with enqueued_at and a deadline,
// waits its turn in strict FIFO order (the pool's own bounded worker
// count enforces MaxInflight concurrency), and runs exec under the
// remaining budget. A request whose deadline has already elapsed at pick
// time is rejected with ErrQueueTimeout without ever calling exec.
func (c *Connector) Enqueue(ctx context.Context, timeout time.Duration, exec ExecFunc) (Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	enqueuedAt := time.Now()
	deadline := enqueuedAt.Add(timeout)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrQueueShutdown
	}
	c.mu.Unlock()

	if !c.admission.TryAcquire(1) {
		return Result{}, ErrQueueFull
	}
	defer c.admission.Release(1)

	deadlineCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	// Fold the connector-wide shutdown signal into this request's budget
	// so Shutdown cancels every waiting and inflight request immediately
	// instead of waiting for its own deadline to elapse.
	stopShutdownWatch := context.AfterFunc(c.shutdownCtx, cancel)
	defer stopShutdownWatch()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	// Hold our place in line until every request admitted before us has
	// been handed to the pool, then hand off immediately so the next
	// ticket holder can queue up behind us without waiting for our own
	// exec to finish.
	ticket := c.takeTicket()
	c.pool.Submit(func() {
		pickedAt := time.Now()
		if err := deadlineCtx.Err(); err != nil {
			if c.shutdownCtx.Err() != nil {
				done <- outcome{err: ErrQueueShutdown}
			} else {
				done <- outcome{err: ErrQueueTimeout}
			}
			return
		}
		if pickedAt.After(deadline) {
			done <- outcome{err: ErrQueueTimeout}
			return
		}

		value, err := exec(deadlineCtx)
		finishedAt := time.Now()
		if err != nil {
			if c.shutdownCtx.Err() != nil {
				done <- outcome{err: ErrQueueShutdown}
				return
			}
			done <- outcome{err: err}
			return
		}
		done <- outcome{res: Result{
			Value:             value,
			QueueWaitMs:       pickedAt.Sub(enqueuedAt).Milliseconds(),
			UpstreamLatencyMs: finishedAt.Sub(pickedAt).Milliseconds(),
		}}
	})
	c.serve(ticket)

	select {
	case out := <-done:
		return out.res, out.err
	case <-deadlineCtx.Done():
		if c.shutdownCtx.Err() != nil {
			return Result{}, ErrQueueShutdown
		}
		if deadlineCtx.Err() == context.DeadlineExceeded {
			return Result{}, ErrQueueTimeout
		}
		return Result{}, deadlineCtx.Err()
	}
}

// Shutdown aborts every waiting and inflight request: shutdownCtx is
// canceled first so every admitted request's exec context is canceled in
// one stroke (a well-behaved exec_fn returns promptly, and callers
// blocked on Enqueue's select unblock immediately with ErrQueueShutdown
// rather than waiting on the pool to drain), then the pool is stopped so
// no new task starts. Further Enqueue calls are rejected immediately.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdownCancel()
	c.pool.StopAndWait()
}

// Manager holds one Connector per connector id, so congestion on one
// connector never delays another.
type Manager struct {
	mu         sync.Mutex
	connectors map[string]*Connector
	defaultCfg Config
}

// NewManager builds a Manager that lazily creates a Connector with
// defaultCfg the first time an unseen connector id is enqueued against.
func NewManager(defaultCfg Config) *Manager {
	return &Manager{connectors: make(map[string]*Connector), defaultCfg: defaultCfg}
}

// Connector returns (creating if necessary) the named connector's queue.
func (m *Manager) Connector(id string, cfg Config) *Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connectors[id]; ok {
		return c
	}
	if cfg == (Config{}) {
		cfg = m.defaultCfg
	}
	c := NewConnector(cfg)
	m.connectors[id] = c
	return c
}

// Remove shuts down and drops a connector's queue, used by the proxy's
// hot reload when a connector is disabled or removed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	c, ok := m.connectors[id]
	delete(m.connectors, id)
	m.mu.Unlock()
	if ok {
		c.Shutdown()
	}
}

// ShutdownAll shuts down every connector's queue.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	connectors := m.connectors
	m.connectors = make(map[string]*Connector)
	m.mu.Unlock()
	for _, c := range connectors {
		c.Shutdown()
	}
}
