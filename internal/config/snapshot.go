package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SnapshotMeta is one entry of the snapshots index.json, newest-first.
type SnapshotMeta struct {
	Hash      string    `json:"hash"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// snapshotIndex is the on-disk shape of <configDir>/snapshots/index.json.
type snapshotIndex struct {
	Snapshots []SnapshotMeta `json:"snapshots"`
}

// SaveSnapshot writes an immutable JSON file for cfg under
// <configDir>/snapshots/ and records it in a newest-first index.json. The
// file is named by the canonical config's content hash, so saving the
// same logical config twice is a no-op beyond an index entry with a fresh
// timestamp.
func SaveSnapshot(configDir string, cfg *Config) (SnapshotMeta, error) {
	canonical, err := canonicalJSON(cfg)
	if err != nil {
		return SnapshotMeta{}, fmt.Errorf("config: canonicalize snapshot: %w", err)
	}
	hash := sha256.Sum256(canonical)
	hexHash := hex.EncodeToString(hash[:])

	snapshotsDir := filepath.Join(configDir, "snapshots")
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		return SnapshotMeta{}, fmt.Errorf("config: create snapshots dir: %w", err)
	}

	snapshotPath := filepath.Join(snapshotsDir, hexHash+".json")
	if _, err := os.Stat(snapshotPath); err != nil {
		if err := writeFileAtomic(snapshotPath, canonical); err != nil {
			return SnapshotMeta{}, fmt.Errorf("config: write snapshot: %w", err)
		}
	}

	meta := SnapshotMeta{Hash: hexHash, Path: snapshotPath, CreatedAt: stampTime()}
	if err := appendToIndex(snapshotsDir, meta); err != nil {
		return SnapshotMeta{}, err
	}
	return meta, nil
}

// canonicalJSON produces a deterministic byte representation of cfg: keys
// of the top-level connectors list are sorted by id so two logically
// identical configs hash identically regardless of source ordering.
func canonicalJSON(cfg *Config) ([]byte, error) {
	sorted := make([]ConnectorConfig, len(cfg.Connectors))
	copy(sorted, cfg.Connectors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Config{Connectors: sorted}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func appendToIndex(snapshotsDir string, meta SnapshotMeta) error {
	indexPath := filepath.Join(snapshotsDir, "index.json")

	var idx snapshotIndex
	if data, err := os.ReadFile(indexPath); err == nil {
		if err := json.Unmarshal(data, &idx); err != nil {
			return fmt.Errorf("config: parse snapshot index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("config: read snapshot index: %w", err)
	}

	idx.Snapshots = append([]SnapshotMeta{meta}, idx.Snapshots...)

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal snapshot index: %w", err)
	}
	return writeFileAtomic(indexPath, data)
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, then renames it into place, so readers never observe a partial
// write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// stampTime is a seam for tests; CreatedAt is metadata only and is never
// part of the hashed, canonical snapshot bytes.
var stampTime = time.Now
