package state

import (
	"os"
	"testing"
)

func TestSave_Then_Load_RoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	w := &Workflow{RunID: "run-1", Phase: PhaseRunning, Export: map[string]any{"k": "v"}, Attempts: map[string]int{}}
	if err := s.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("run-1", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || got.Phase != PhaseRunning || got.Export["k"] != "v" {
		t.Fatalf("got %+v", got)
	}
}

func TestLoad_Missing_ReturnsNilNoError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got, err := s.Load("does-not-exist", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestLoad_CorruptFile_TreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	path := s.workflowPath("run-1", "")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("run-1", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for corrupt file, got %+v", got)
	}
}

func TestSubWorkflow_SeparateFile(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	parent := &Workflow{RunID: "run-1", Phase: PhaseRunning, Export: map[string]any{}, Attempts: map[string]int{}}
	child := &Workflow{RunID: "run-1", SubID: "2.1", Phase: PhaseRunning, Export: map[string]any{}, Attempts: map[string]int{}}
	if err := s.Save(parent); err != nil {
		t.Fatalf("Save parent: %v", err)
	}
	if err := s.Save(child); err != nil {
		t.Fatalf("Save child: %v", err)
	}
	gotParent, err := s.Load("run-1", "")
	if err != nil || gotParent == nil {
		t.Fatalf("Load parent: %v %+v", err, gotParent)
	}
	gotChild, err := s.Load("run-1", "2.1")
	if err != nil || gotChild == nil {
		t.Fatalf("Load child: %v %+v", err, gotChild)
	}
	if gotChild.SubID != "2.1" {
		t.Fatalf("child sub id = %q", gotChild.SubID)
	}
}

func TestIntent_SaveLoadClear(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	in := &Intent{Token: NewIntentToken(), RunID: "run-1", TaskID: "1.1", AtomName: "noop"}
	if err := s.SaveIntent(in); err != nil {
		t.Fatalf("SaveIntent: %v", err)
	}
	got, err := s.LoadIntent("run-1")
	if err != nil || got == nil {
		t.Fatalf("LoadIntent: %v %+v", err, got)
	}
	if got.TaskID != "1.1" {
		t.Fatalf("task id = %q", got.TaskID)
	}
	if err := s.ClearIntent("run-1"); err != nil {
		t.Fatalf("ClearIntent: %v", err)
	}
	got, err = s.LoadIntent("run-1")
	if err != nil {
		t.Fatalf("LoadIntent after clear: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil intent after clear, got %+v", got)
	}
}
