package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TransportKind tags which wire shape a connector speaks.
type TransportKind string

const (
	TransportStdio  TransportKind = "stdio"
	TransportHTTP   TransportKind = "rpc-http"
	TransportSSE    TransportKind = "rpc-sse"
)

// StdioSpec configures a subprocess connector's command line.
type StdioSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"workDir,omitempty"`
}

// HTTPSpec configures an HTTP or SSE connector's endpoint.
type HTTPSpec struct {
	URL string `json:"url"`
}

// ConnectorConfig is one configured backend: an MCP connector, or an A2A
// agent target when AgentTarget is set.
type ConnectorConfig struct {
	ID        string        `json:"id"`
	Transport TransportKind `json:"transport"`
	Enabled   bool          `json:"enabled"`

	Stdio *StdioSpec `json:"stdio,omitempty"`
	HTTP  *HTTPSpec  `json:"http,omitempty"`

	// AgentTarget fields, populated only when this entry describes an A2A
	// agent rather than an MCP connector.
	AgentTarget   bool   `json:"agentTarget,omitempty"`
	SchemaVersion string `json:"schemaVersion,omitempty"`
	TTLSeconds    int    `json:"ttlSeconds,omitempty"`

	MaxInflight         int    `json:"maxInflight,omitempty"`
	MaxQueueDepth       int    `json:"maxQueueDepth,omitempty"`
	TimeoutMs           int    `json:"timeoutMs,omitempty"`
	ToolPrefixSeparator string `json:"toolPrefixSeparator,omitempty"`
}

// Config is the full dynamic connector/target document the Manager
// loads, caches, and hot-reloads.
type Config struct {
	Connectors []ConnectorConfig `json:"connectors"`
}

// applyDefaults fills per-connector caps left unset from process-level
// defaults, and normalizes the tool prefix separator.
func (c *Config) applyDefaults(proc *ProcessConfig) {
	for i := range c.Connectors {
		conn := &c.Connectors[i]
		if conn.MaxInflight <= 0 {
			conn.MaxInflight = proc.DefaultMaxInflight
		}
		if conn.MaxQueueDepth <= 0 {
			conn.MaxQueueDepth = proc.DefaultMaxQueueDepth
		}
		if conn.TimeoutMs <= 0 {
			conn.TimeoutMs = proc.DefaultTimeoutMs
		}
		if conn.ToolPrefixSeparator == "" {
			conn.ToolPrefixSeparator = "__"
		}
	}
}

// validate enforces the configuration invariants: every connector has a
// non-empty id, ids are unique, and the declared transport has the
// fields it requires. A violation is fatal to the load that triggered
// it, never to an unrelated in-flight request.
func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Connectors))
	for _, conn := range c.Connectors {
		if conn.ID == "" {
			return fmt.Errorf("config: connector entry missing id")
		}
		if seen[conn.ID] {
			return fmt.Errorf("config: duplicate connector id %q", conn.ID)
		}
		seen[conn.ID] = true

		switch conn.Transport {
		case TransportStdio:
			if conn.Stdio == nil || conn.Stdio.Command == "" {
				return fmt.Errorf("config: connector %q: stdio transport requires a command", conn.ID)
			}
		case TransportHTTP, TransportSSE:
			if conn.HTTP == nil || conn.HTTP.URL == "" {
				return fmt.Errorf("config: connector %q: http transport requires a url", conn.ID)
			}
		default:
			return fmt.Errorf("config: connector %q: unknown transport %q", conn.ID, conn.Transport)
		}
	}
	return nil
}

// loadFromFile reads and validates path, never touching the TTL cache.
func loadFromFile(path string, proc *ProcessConfig) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(proc)
	return &cfg, nil
}
