// Package state persists a run's working state — what's been dispatched,
// the export overlay accumulated from completed steps, and in-flight
// intent records — so a crashed or interrupted run can be resumed.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// Phase is a run's coarse lifecycle stage.
type Phase string

const (
	PhaseRunning     Phase = "RUNNING"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseFailed      Phase = "FAILED"
	PhaseCancelled   Phase = "CANCELLED"
	PhaseInterrupted Phase = "INTERRUPTED"
)

// Workflow is the persisted shape of one run (or one nested sub-workflow,
// identified by SubID).
type Workflow struct {
	RunID      string         `json:"run_id"`
	SubID      string         `json:"sub_id,omitempty"`
	Phase      Phase          `json:"phase"`
	ActiveTask string         `json:"active_task,omitempty"`
	Export     map[string]any `json:"export"`
	Attempts   map[string]int `json:"attempts"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Intent is a write-ahead record of "I am about to dispatch task X",
// written before the atom runs and cleared after it completes. A leftover
// Intent file on hydration means the prior process died mid-step.
type Intent struct {
	Token     string    `json:"token"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	AtomName  string    `json:"atom_name"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists Workflow and Intent files under dir.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir (created if absent).
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) workflowPath(runID, subID string) string {
	name := runID + ".json"
	if subID != "" {
		name = runID + "#" + subID + ".json"
	}
	return filepath.Join(s.dir, name)
}

// NewRunID mints a fresh lexicographically-sortable run identifier.
func NewRunID() string { return ulid.Make().String() }

// Load reads the workflow file for (runID, subID). A corrupt file is treated
// as absent (nil, nil) rather than a hard error: a torn write from a crash
// mid-save should not brick resume, it should just look like a fresh start.
func (s *Store) Load(runID, subID string) (*Workflow, error) {
	raw, err := os.ReadFile(s.workflowPath(runID, subID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read workflow: %w", err)
	}
	var w Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil
	}
	return &w, nil
}

// Save writes w with a two-phase atomic write (temp file, fsync, rename).
func (s *Store) Save(w *Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal workflow: %w", err)
	}
	return atomicWrite(s.workflowPath(w.RunID, w.SubID), raw)
}

// SavePanic marks w as INTERRUPTED and saves it best-effort and non-atomically
// (the engine calls it when the run's context is cancelled): it accepts the
// possibility of a torn write and ignores every error.
func (s *Store) SavePanic(w *Workflow) {
	w.Phase = PhaseInterrupted
	w.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.workflowPath(w.RunID, w.SubID), raw, 0o644)
}

func (s *Store) intentPath(runID string) string {
	return filepath.Join(s.dir, runID+".intent.json")
}

// SaveIntent records that taskID is about to be dispatched through atomName.
func (s *Store) SaveIntent(in *Intent) error {
	raw, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal intent: %w", err)
	}
	return atomicWrite(s.intentPath(in.RunID), raw)
}

// LoadIntent returns the in-flight intent for runID, or nil if none exists.
func (s *Store) LoadIntent(runID string) (*Intent, error) {
	raw, err := os.ReadFile(s.intentPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, nil
	}
	return &in, nil
}

// ClearIntent removes the in-flight intent record for runID, called once the
// dispatched atom returns (success or failure alike — the intent's job is
// only to detect a death mid-dispatch, not to track outcomes).
func (s *Store) ClearIntent(runID string) error {
	err := os.Remove(s.intentPath(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: clear intent: %w", err)
	}
	return nil
}

// NewIntentToken mints a fresh token identifying one dispatch attempt.
func NewIntentToken() string { return ulid.Make().String() }

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}
