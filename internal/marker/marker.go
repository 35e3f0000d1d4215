// Package marker implements crash recovery via small JSON marker files.
//
// A marker is written before a run is dispatched and removed when the run
// finishes (success, failure, or cancellation). Any markers still present
// at startup name runs that were in flight when the process died; the
// caller registers them as failed and moves on.
package marker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/brinkfield/lakeforge/internal/logging"
)

// DefaultDir is used when the configured state directory is empty.
const DefaultDir = "/tmp/rat-runner-state"

// Store manages marker files under a single directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary. An empty
// dir falls back to DefaultDir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create marker dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// CrashedRun is the information recoverable from a leftover marker.
type CrashedRun struct {
	RunID        string `json:"run_id"`
	Namespace    string `json:"namespace"`
	Layer        string `json:"layer"`
	PipelineName string `json:"pipeline_name"`
	Trigger      string `json:"trigger"`
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Write persists a marker for an in-flight run. Must be called before the
// run is dispatched to a worker.
func (s *Store) Write(run CrashedRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := os.WriteFile(s.path(run.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// Remove deletes the marker for a completed run. Best-effort: a missing
// file is not an error.
func (s *Store) Remove(runID string) {
	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("failed to remove run marker", "run_id", runID, "error", err)
	}
}

// CollectCrashed scans the directory for leftover markers, each
// representing a run in flight when the process last died. Every marker
// found is removed, corrupt or not, so markers never accumulate.
func (s *Store) CollectCrashed() ([]CrashedRun, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read marker dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var crashed []CrashedRun
	for _, name := range names {
		full := filepath.Join(s.dir, name)
		data, err := os.ReadFile(full)
		if err != nil {
			logging.Op().Warn("ignoring unreadable marker", "file", full, "error", err)
			os.Remove(full)
			continue
		}
		var run CrashedRun
		if err := json.Unmarshal(data, &run); err != nil || run.RunID == "" {
			logging.Op().Warn("ignoring corrupt marker", "file", full, "error", err)
			os.Remove(full)
			continue
		}
		crashed = append(crashed, run)
		os.Remove(full)
	}
	return crashed, nil
}
