package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveSnapshotWritesFileAndIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Connectors: []ConnectorConfig{
		{ID: "b", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}},
		{ID: "a", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}},
	}}

	meta, err := SaveSnapshot(dir, cfg)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if meta.Hash == "" {
		t.Fatal("expected a non-empty hash")
	}
	if _, err := os.Stat(meta.Path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}

	indexPath := filepath.Join(dir, "snapshots", "index.json")
	data, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var idx snapshotIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	if len(idx.Snapshots) != 1 || idx.Snapshots[0].Hash != meta.Hash {
		t.Fatalf("expected one indexed snapshot matching %q, got %+v", meta.Hash, idx.Snapshots)
	}
}

func TestSaveSnapshotIsOrderInsensitive(t *testing.T) {
	dir := t.TempDir()
	cfgA := &Config{Connectors: []ConnectorConfig{
		{ID: "a", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}},
		{ID: "b", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}},
	}}
	cfgB := &Config{Connectors: []ConnectorConfig{
		{ID: "b", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}},
		{ID: "a", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}},
	}}

	metaA, err := SaveSnapshot(dir, cfgA)
	if err != nil {
		t.Fatalf("SaveSnapshot(a): %v", err)
	}
	metaB, err := SaveSnapshot(dir, cfgB)
	if err != nil {
		t.Fatalf("SaveSnapshot(b): %v", err)
	}
	if metaA.Hash != metaB.Hash {
		t.Fatalf("expected order-insensitive hash, got %q vs %q", metaA.Hash, metaB.Hash)
	}
}

func TestSaveSnapshotIndexIsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	cfg1 := &Config{Connectors: []ConnectorConfig{{ID: "a", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}}}}
	cfg2 := &Config{Connectors: []ConnectorConfig{{ID: "b", Transport: TransportStdio, Stdio: &StdioSpec{Command: "echo"}}}}

	meta1, _ := SaveSnapshot(dir, cfg1)
	meta2, _ := SaveSnapshot(dir, cfg2)

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "index.json"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var idx snapshotIndex
	json.Unmarshal(data, &idx)

	if len(idx.Snapshots) != 2 {
		t.Fatalf("expected 2 index entries, got %d", len(idx.Snapshots))
	}
	if idx.Snapshots[0].Hash != meta2.Hash || idx.Snapshots[1].Hash != meta1.Hash {
		t.Fatalf("expected newest-first ordering [%s, %s], got %+v", meta2.Hash, meta1.Hash, idx.Snapshots)
	}
}
