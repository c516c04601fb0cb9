package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppend_And_Events_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev, err := l.Append("step_started", "1.1", map[string]any{"note": "hi"}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.BlobRef != "" {
		t.Fatalf("expected inline data, got blob ref %q", ev.BlobRef)
	}
	events, err := l.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "step_started" {
		t.Fatalf("events = %+v", events)
	}
}

func TestAppend_LargePayload_Spills(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := strings.Repeat("x", spillThreshold+1024)
	ev, err := l.Append("output", "1.1", map[string]any{"body": big}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.BlobRef == "" {
		t.Fatal("expected blob ref for oversized payload")
	}
	blob, err := l.ReadBlob(ev.BlobRef)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if !strings.Contains(string(blob), big[:100]) {
		t.Fatal("blob content does not match appended payload")
	}
}

func TestGCBlobs_RemovesUnreferenced(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := strings.Repeat("y", spillThreshold+1024)
	ev, err := l.Append("output", "1.1", map[string]any{"body": big}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.GCBlobs(map[string]bool{}); err != nil {
		t.Fatalf("GCBlobs: %v", err)
	}
	if _, err := l.ReadBlob(ev.BlobRef); err == nil {
		t.Fatal("expected blob to be garbage collected")
	}
}

func TestGCBlobs_KeepsReferenced(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := strings.Repeat("z", spillThreshold+1024)
	ev, err := l.Append("output", "1.1", map[string]any{"body": big}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.GCBlobs(map[string]bool{ev.BlobRef: true}); err != nil {
		t.Fatalf("GCBlobs: %v", err)
	}
	if _, err := l.ReadBlob(ev.BlobRef); err != nil {
		t.Fatalf("expected referenced blob to survive GC: %v", err)
	}
}

func TestAppend_DuplicateLargePayload_DedupsBlob(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := strings.Repeat("w", spillThreshold+1024)
	first, err := l.Append("output", "1.1", map[string]any{"body": big}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := l.Append("output", "1.2", map[string]any{"body": big}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.BlobRef != second.BlobRef {
		t.Fatalf("expected identical payloads to share a blob ref, got %q and %q", first.BlobRef, second.BlobRef)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one blob file on disk, got %d", len(entries))
	}
}

func TestAppend_MultipleEvents_PreserveOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.Append("tick", "1.1", map[string]any{"n": i}, false); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	events, err := l.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
}
