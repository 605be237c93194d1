// Package snapshot persists virtual host table snapshots to disk so an
// operator can inspect which consoles were active and when, long after the
// agent has moved on.
package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"LanLink/internal/model"
)

// Summary holds the metadata for a snapshot.
type Summary struct {
	Gateway   string `json:"gateway"`
	Hosts     int    `json:"hosts"`
	Timestamp string `json:"timestamp"`
}

// Writer handles writing host table snapshots to disk.
type Writer struct {
	root string
}

// NewWriter creates a snapshot writer rooted at the given directory.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Write serializes one host table snapshot into a timestamped directory
// under the root: hosts.dat carries the gob-encoded hosts, summary.json the
// metadata. An empty snapshot writes nothing.
func (w *Writer) Write(hosts []model.VirtualHost, gateway net.IP) error {
	if len(hosts) == 0 {
		return nil
	}

	now := time.Now().UTC()
	dir := filepath.Join(w.root, now.Format("20060102T150405Z"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	dataPath := filepath.Join(dir, "hosts.dat")
	file, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", dataPath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(hosts); err != nil {
		return fmt.Errorf("failed to encode hosts to gob for '%s': %w", dataPath, err)
	}

	summary := Summary{
		Gateway:   gateway.String(),
		Hosts:     len(hosts),
		Timestamp: now.Format(time.RFC3339),
	}
	summaryPath := filepath.Join(dir, "summary.json")
	summaryFile, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	enc := json.NewEncoder(summaryFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}

	return nil
}

// Read loads a hosts.dat file written by Write.
func Read(path string) ([]model.VirtualHost, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var hosts []model.VirtualHost
	if err := gob.NewDecoder(file).Decode(&hosts); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot data: %w", err)
	}
	return hosts, nil
}
