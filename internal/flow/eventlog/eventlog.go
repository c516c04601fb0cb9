// Package eventlog is the engine's append-only audit trail: one JSON object
// per line, with large payloads spilled to side-files rather than inflating
// the log itself.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// spillThreshold is the payload size above which Data is written to a blob
// file instead of being inlined into the JSONL record.
const spillThreshold = 8 * 1024

// defaultRotateThreshold is the JSONL file size above which Append rotates
// the active log to a numbered predecessor, used when Open is given a
// non-positive rotateBytes.
const defaultRotateThreshold = 16 * 1024 * 1024

// Event is one record appended to the log.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Time      time.Time       `json:"time"`
	Kind      string          `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	BlobRef   string          `json:"blob_ref,omitempty"`
	Terminal  bool            `json:"terminal,omitempty"`
}

// Log is an append-only event stream rooted at dir.
type Log struct {
	mu              sync.Mutex
	dir             string
	runID           string
	rotateThreshold int64
	blobDigests     map[string]string // blake3 hex digest -> blob id, for this run's lifetime
}

// Open returns a Log writing into dir (created if absent), tagging every
// event with runID. rotateBytes overrides defaultRotateThreshold when
// positive, letting config.json/flow.config.yaml tune rotation size.
func Open(dir, runID string, rotateBytes int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create blob dir: %w", err)
	}
	if rotateBytes <= 0 {
		rotateBytes = defaultRotateThreshold
	}
	return &Log{dir: dir, runID: runID, rotateThreshold: rotateBytes, blobDigests: map[string]string{}}, nil
}

func (l *Log) activePath() string { return filepath.Join(l.dir, "events.jsonl") }

// Append writes one event, spilling data to a blob file if it exceeds
// spillThreshold, and rotating the active log first if it has grown past
// rotateThreshold.
func (l *Log) Append(kind, taskID string, data any, terminal bool) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal event data: %w", err)
	}

	ev := &Event{
		ID:       l.newID(),
		RunID:    l.runID,
		Time:     time.Now().UTC(),
		Kind:     kind,
		TaskID:   taskID,
		Terminal: terminal,
	}

	if len(raw) > spillThreshold {
		sum := blake3.Sum256(raw)
		digest := fmt.Sprintf("%x", sum)
		if existing, ok := l.blobDigests[digest]; ok {
			ev.BlobRef = existing
		} else {
			blobID := l.newID()
			blobPath := filepath.Join(l.dir, "blobs", blobID+".json")
			if err := os.WriteFile(blobPath, raw, 0o644); err != nil {
				return nil, fmt.Errorf("eventlog: write blob: %w", err)
			}
			l.blobDigests[digest] = blobID
			ev.BlobRef = blobID
		}
	} else {
		ev.Data = raw
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal record: %w", err)
	}
	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("eventlog: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("eventlog: fsync: %w", err)
	}
	return ev, nil
}

func (l *Log) newID() string {
	return ulid.Make().String()
}

func (l *Log) rotateIfNeeded() error {
	info, err := os.Stat(l.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < l.rotateThreshold {
		return nil
	}
	rotated := filepath.Join(l.dir, fmt.Sprintf("events.%d.jsonl", time.Now().UnixNano()))
	return os.Rename(l.activePath(), rotated)
}

// ReadBlob retrieves a spilled payload by its blob ref.
func (l *Log) ReadBlob(ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.dir, "blobs", ref+".json"))
}

// Events replays every JSONL record across the active log and any rotated
// predecessors, in chronological file order.
func (l *Log) Events() ([]Event, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var ev Event
			if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
				f.Close()
				return nil, fmt.Errorf("eventlog: decode record in %s: %w", path, err)
			}
			events = append(events, ev)
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (l *Log) logFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	type rotatedFile struct {
		path  string
		nanos int64
	}
	var rotated []rotatedFile
	for _, e := range entries {
		if e.IsDir() || e.Name() == "events.jsonl" {
			continue
		}
		var nanos int64
		if _, err := fmt.Sscanf(e.Name(), "events.%d.jsonl", &nanos); err != nil {
			continue
		}
		rotated = append(rotated, rotatedFile{path: filepath.Join(l.dir, e.Name()), nanos: nanos})
	}
	sort.Slice(rotated, func(i, j int) bool { return rotated[i].nanos < rotated[j].nanos })
	var files []string
	for _, rf := range rotated {
		files = append(files, rf.path)
	}
	if _, err := os.Stat(l.activePath()); err == nil {
		files = append(files, l.activePath())
	}
	return files, nil
}

// GCBlobs removes every blob file not referenced by keep. The engine calls it
// only when a top-level run reaches COMPLETED; a cancelled or interrupted run
// leaves its blob files in place.
func (l *Log) GCBlobs(keep map[string]bool) error {
	dir := filepath.Join(l.dir, "blobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		id := trimExt(e.Name())
		if !keep[id] {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
