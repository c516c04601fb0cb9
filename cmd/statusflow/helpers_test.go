package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vsavkov/statusflow/internal/flow/engine"
)

func TestFindRoot_ScansUpwardFromCWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".flow"), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got, err := findRoot()
	if err != nil {
		t.Fatalf("findRoot: %v", err)
	}
	want, _ := filepath.Abs(dir)
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindRoot_MissReturnsRootNotFoundError(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := findRoot()
	if _, ok := err.(*engine.RootNotFoundError); !ok {
		t.Fatalf("expected *engine.RootNotFoundError, got %T: %v", err, err)
	}
}

func TestLoadSaveDocument_RoundTripsUnderFlowDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".flow"), 0o755); err != nil {
		t.Fatal(err)
	}
	raw := "Title: Demo Plan\nOwner: ops-team\n\n- [ ] Ship the thing\n"
	if err := os.WriteFile(filepath.Join(root, ".flow", statusFileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := loadDocument(root)
	if err != nil {
		t.Fatalf("loadDocument: %v", err)
	}
	if code := saveDocument(root, doc); code != 0 {
		t.Fatalf("saveDocument: exit code %d", code)
	}
	if _, err := os.Stat(filepath.Join(root, ".flow", statusFileName)); err != nil {
		t.Fatalf("expected status.md under .flow: %v", err)
	}
}
