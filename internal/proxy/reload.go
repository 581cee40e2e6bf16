package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
)

// ReloadResult reports per-connector outcomes of one reload.
type ReloadResult struct {
	ReloadedConnectors []string          `json:"reloadedConnectors"`
	FailedConnectors   map[string]string `json:"failedConnectors,omitempty"`
}

// reload implements the hot reload ordering: snapshot, load, diff,
// close removed/changed (their queued and inflight requests are aborted,
// not drained, and their queues dropped), start added/changed, swap the table
// atomically, publish state. Reload is transactional per backend: one
// failing start never rolls back another connector that started
// successfully.
func (p *Proxy) reload(ctx context.Context) (ReloadResult, error) {
	// Work on a copy so dispatch can keep reading the live table while
	// the diff runs; only the final swap below touches p.connectors.
	p.mu.Lock()
	previous := make(map[string]*connector, len(p.connectors))
	for id, c := range p.connectors {
		previous[id] = c
	}
	p.mu.Unlock()

	cfg, err := p.configMgr.Load(ctx)
	if err != nil {
		return ReloadResult{}, err
	}

	next := make(map[string]*connector, len(cfg.Connectors))
	result := ReloadResult{FailedConnectors: map[string]string{}}

	for _, cc := range cfg.Connectors {
		if !cc.Enabled {
			continue
		}
		old, existed := previous[cc.ID]
		if existed && connectorUnchanged(old.cfg, cc) {
			next[cc.ID] = old
			delete(previous, cc.ID)
			continue
		}
		if existed {
			old.shutdown(p.shutdownGrace)
			p.queues.Remove(cc.ID)
			delete(previous, cc.ID)
		}

		handle := p.buildConnector(cc)
		if err := handle.ensureStarted(ctx, p.secrets, p.timeoutFor(cc)); err != nil {
			result.FailedConnectors[cc.ID] = err.Error()
			slog.Warn("proxy: reload failed to start connector", "connector", cc.ID, "error", err)
			continue
		}
		if _, err := handle.listTools(ctx, p.secrets, p.timeoutFor(cc)); err != nil {
			slog.Warn("proxy: reload connector started but tools/list failed", "connector", cc.ID, "error", err)
		}
		next[cc.ID] = handle
		result.ReloadedConnectors = append(result.ReloadedConnectors, cc.ID)
	}

	// Anything left in `previous` was removed from config entirely. Removed
	// connectors are neither reloaded nor failed — only added and changed
	// connectors appear in reloadedConnectors.
	for _, old := range previous {
		old.shutdown(p.shutdownGrace)
		p.queues.Remove(old.id)
	}

	p.mu.Lock()
	p.connectors = next
	p.connectorConfigs = cfg.Connectors
	p.mu.Unlock()

	p.publishState("ready")
	return result, nil
}

// connectorUnchanged reports whether two connector configurations are
// equivalent enough to skip a restart.
func connectorUnchanged(a, b config.ConnectorConfig) bool {
	if a.Transport != b.Transport || a.ToolPrefixSeparator != b.ToolPrefixSeparator {
		return false
	}
	switch a.Transport {
	case config.TransportStdio:
		if a.Stdio == nil || b.Stdio == nil {
			return a.Stdio == b.Stdio
		}
		if a.Stdio.Command != b.Stdio.Command || a.Stdio.WorkDir != b.Stdio.WorkDir {
			return false
		}
		return stringSlicesEqual(a.Stdio.Args, b.Stdio.Args) && stringSlicesEqual(a.Stdio.Env, b.Stdio.Env)
	case config.TransportHTTP, config.TransportSSE:
		if a.HTTP == nil || b.HTTP == nil {
			return a.HTTP == b.HTTP
		}
		return a.HTTP.URL == b.HTTP.URL
	}
	return false
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Proxy) timeoutFor(cc config.ConnectorConfig) time.Duration {
	if cc.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cc.TimeoutMs) * time.Millisecond
}
