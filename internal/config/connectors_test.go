package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testProcessConfig() *ProcessConfig {
	return &ProcessConfig{
		DefaultTimeoutMs:     30000,
		DefaultMaxInflight:   4,
		DefaultMaxQueueDepth: 16,
	}
}

func writeConnectorsFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connectors.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write connectors file: %v", err)
	}
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConnectorsFile(t, `{"connectors":[
		{"id":"a","transport":"stdio","enabled":true,"stdio":{"command":"echo"}}
	]}`)

	cfg, err := loadFromFile(path, testProcessConfig())
	if err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if len(cfg.Connectors) != 1 {
		t.Fatalf("expected 1 connector, got %d", len(cfg.Connectors))
	}
	c := cfg.Connectors[0]
	if c.MaxInflight != 4 || c.MaxQueueDepth != 16 || c.TimeoutMs != 30000 {
		t.Fatalf("expected defaults applied, got %+v", c)
	}
	if c.ToolPrefixSeparator != "__" {
		t.Fatalf("expected default separator __, got %q", c.ToolPrefixSeparator)
	}
}

func TestLoadFromFileRejectsDuplicateIDs(t *testing.T) {
	path := writeConnectorsFile(t, `{"connectors":[
		{"id":"a","transport":"stdio","stdio":{"command":"echo"}},
		{"id":"a","transport":"stdio","stdio":{"command":"echo"}}
	]}`)

	if _, err := loadFromFile(path, testProcessConfig()); err == nil {
		t.Fatal("expected an error for duplicate connector ids")
	}
}

func TestLoadFromFileRejectsMissingID(t *testing.T) {
	path := writeConnectorsFile(t, `{"connectors":[
		{"transport":"stdio","stdio":{"command":"echo"}}
	]}`)

	if _, err := loadFromFile(path, testProcessConfig()); err == nil {
		t.Fatal("expected an error for a missing connector id")
	}
}

func TestLoadFromFileRejectsStdioWithoutCommand(t *testing.T) {
	path := writeConnectorsFile(t, `{"connectors":[
		{"id":"a","transport":"stdio"}
	]}`)

	if _, err := loadFromFile(path, testProcessConfig()); err == nil {
		t.Fatal("expected an error for a stdio connector with no command")
	}
}

func TestLoadFromFileRejectsHTTPWithoutURL(t *testing.T) {
	path := writeConnectorsFile(t, `{"connectors":[
		{"id":"a","transport":"rpc-http"}
	]}`)

	if _, err := loadFromFile(path, testProcessConfig()); err == nil {
		t.Fatal("expected an error for an http connector with no url")
	}
}

func TestLoadFromFileRejectsUnknownTransport(t *testing.T) {
	path := writeConnectorsFile(t, `{"connectors":[
		{"id":"a","transport":"carrier-pigeon"}
	]}`)

	if _, err := loadFromFile(path, testProcessConfig()); err == nil {
		t.Fatal("expected an error for an unknown transport")
	}
}

func TestLoadFromFileMissingFile(t *testing.T) {
	if _, err := loadFromFile(filepath.Join(t.TempDir(), "nope.json"), testProcessConfig()); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
