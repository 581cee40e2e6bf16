package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Manager loads the connector config on demand behind a TTL cache: a
// cold load is shared across every concurrent caller via a
// singleflight.Group so a TTL expiry under load triggers exactly one disk
// read, and an fsnotify watcher on the config file invalidates the cache
// as soon as the operator edits it directly, ahead of the TTL.
type Manager struct {
	path string
	ttl  time.Duration
	proc *ProcessConfig

	group singleflight.Group

	mu        sync.RWMutex
	cached    *Config
	cachedAt  time.Time

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewManager builds a Manager bound to the connectors config file at
// path, using proc for per-connector defaults.
func NewManager(path string, ttl time.Duration, proc *ProcessConfig) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Manager{path: path, ttl: ttl, proc: proc}
}

// Load returns the current config, serving from cache if the TTL hasn't
// elapsed. Concurrent cold-load callers share one disk read and parse.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	m.mu.RLock()
	if m.cached != nil && time.Since(m.cachedAt) < m.ttl {
		cfg := m.cached
		m.mu.RUnlock()
		return cfg, nil
	}
	m.mu.RUnlock()

	result, err, _ := m.group.Do(m.path, func() (interface{}, error) {
		// Re-check under the singleflight key: another caller may have
		// refreshed the cache while we were waiting to enter Do.
		m.mu.RLock()
		if m.cached != nil && time.Since(m.cachedAt) < m.ttl {
			cfg := m.cached
			m.mu.RUnlock()
			return cfg, nil
		}
		m.mu.RUnlock()

		cfg, err := loadFromFile(m.path, m.proc)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cached = cfg
		m.cachedAt = time.Now()
		m.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Config), nil
}

// InvalidateCache discards the cached config; the next Load hits disk.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// WatchFile starts an fsnotify watcher on the config file's directory,
// invalidating the cache on every write or rename event targeting the
// file itself (editors commonly replace a file via rename-over rather
// than an in-place write). It returns once the watcher is established;
// the watch loop runs until ctx is canceled or Close is called.
func (m *Manager) WatchFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := parentDir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.watcher = watcher
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.done)
	defer m.watcher.Close()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.InvalidateCache()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "error", err)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the file watcher, if running, and waits for its goroutine
// to exit.
func (m *Manager) Close() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
