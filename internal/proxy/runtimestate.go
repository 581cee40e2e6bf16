package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// RuntimeState is the JSON document published to
// <configDir>/runtime_state.json. It is a read-only snapshot: readers
// never block on writers, and writers only ever publish a fully-formed copy.
type RuntimeState struct {
	Proxy      ProxyState            `json:"proxy"`
	Connectors []ConnectorState      `json:"connectors"`
	Clients    map[string]ClientInfo `json:"clients"`
	Logging    LoggingState          `json:"logging"`
}

// ProxyState describes the proxy process itself.
type ProxyState struct {
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"` // starting | ready | reloading | stopping
	StartedAt time.Time `json:"startedAt"`
	Heartbeat time.Time `json:"heartbeat"`
}

// ConnectorState describes one connector's current health as last observed
// by dispatch.
type ConnectorState struct {
	ID        string `json:"id"`
	Healthy   bool   `json:"healthy"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// ClientInfo tracks one external MCP client's activity across the
// connection the proxy serves, keyed by client name.
type ClientInfo struct {
	Name      string    `json:"name"`
	LastSeen  time.Time `json:"lastSeen"`
	Sessions  int       `json:"sessions"`
	ToolCalls int64     `json:"toolCalls"`
}

// LoggingState surfaces the current log level and a bound on how much
// buffered log content the status IPC command will return.
type LoggingState struct {
	Level         string `json:"level"`
	BufferedLines int    `json:"bufferedLines"`
	MaxLines      int    `json:"maxLines"`
}

// ReadRuntimeState loads the last published snapshot from path, for
// consumers (status tooling) running in a different process than the
// proxy that wrote it.
func ReadRuntimeState(path string) (RuntimeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeState{}, err
	}
	var state RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return RuntimeState{}, fmt.Errorf("proxy: parse runtime state: %w", err)
	}
	return state, nil
}

// IsAlive decides liveness: the proxy is alive iff its recorded pid is
// running and the heartbeat is fresher than staleness. A crashed proxy
// leaves a stale file behind; a stopped one leaves a dead pid.
func (s RuntimeState) IsAlive(staleness time.Duration) bool {
	if s.Proxy.PID <= 0 {
		return false
	}
	if !pidRunning(s.Proxy.PID) {
		return false
	}
	return stampTime().Sub(s.Proxy.Heartbeat) < staleness
}

// pidRunning probes a pid with signal 0, which tests for existence
// without delivering anything.
func pidRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// stateWriter periodically refreshes and atomically publishes RuntimeState
// to disk, and serves the current in-memory copy to readers (the IPC
// `status` command) without ever blocking on disk I/O.
type stateWriter struct {
	path      string
	startedAt time.Time
	mode      string

	mu        sync.RWMutex
	current   RuntimeState
	clients   map[string]*ClientInfo
	logLevel  string
	maxLines  int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newStateWriter(path, mode, logLevel string, maxLines int) *stateWriter {
	return &stateWriter{
		path:      path,
		startedAt: stampTime(),
		mode:      mode,
		clients:   make(map[string]*ClientInfo),
		logLevel:  logLevel,
		maxLines:  maxLines,
		stopCh:    make(chan struct{}),
	}
}

// stampTime is a seam so tests can control the clock; production code
// always calls time.Now.
var stampTime = time.Now

// touchClient records activity from an external client, creating its
// entry on first contact.
func (w *stateWriter) touchClient(name string, toolCall bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ci, ok := w.clients[name]
	if !ok {
		ci = &ClientInfo{Name: name}
		w.clients[name] = ci
		ci.Sessions = 1
	}
	ci.LastSeen = stampTime()
	if toolCall {
		ci.ToolCalls++
	}
}

// snapshot assembles the current RuntimeState from connector handles and
// tracked clients. Called both by the refresh loop and synchronously by
// the IPC `status` command so it never waits on the ticker.
func (w *stateWriter) snapshot(state string, connectors []*connector) RuntimeState {
	w.mu.RLock()
	defer w.mu.RUnlock()

	connStates := make([]ConnectorState, 0, len(connectors))
	for _, c := range connectors {
		healthy, toolCount, lastErr := c.snapshot()
		connStates = append(connStates, ConnectorState{
			ID: c.id, Healthy: healthy, ToolCount: toolCount, Error: lastErr,
		})
	}

	clients := make(map[string]ClientInfo, len(w.clients))
	for name, ci := range w.clients {
		clients[name] = *ci
	}

	return RuntimeState{
		Proxy: ProxyState{
			PID:       os.Getpid(),
			Mode:      w.mode,
			State:     state,
			StartedAt: w.startedAt,
			Heartbeat: stampTime(),
		},
		Connectors: connStates,
		Clients:    clients,
		Logging: LoggingState{
			Level:         w.logLevel,
			BufferedLines: 0,
			MaxLines:      w.maxLines,
		},
	}
}

// publish writes state to disk via a temp-file-then-rename, so concurrent
// readers of runtime_state.json never observe a half-written document.
func (w *stateWriter) publish(state RuntimeState) error {
	w.mu.Lock()
	w.current = state
	w.mu.Unlock()
	return writeFileAtomic(w.path, state)
}

// latest returns the most recently published snapshot without touching disk.
func (w *stateWriter) latest() RuntimeState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// runPeriodic publishes a snapshot every interval until stop() is
// called, keeping the heartbeat fresh for IsAlive consumers.
func (w *stateWriter) runPeriodic(interval time.Duration, stateFn func() string, connectorsFn func() []*connector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			_ = w.publish(w.snapshot(stateFn(), connectorsFn()))
		}
	}
}

func (w *stateWriter) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// writeFileAtomic marshals v as indented JSON and writes it to path via a
// temp file in the same directory followed by os.Rename, so a reader never
// observes a partially written file.
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".runtime_state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
