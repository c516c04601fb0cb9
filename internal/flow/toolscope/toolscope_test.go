package toolscope

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vsavkov/statusflow/internal/flow/loom"
	"github.com/vsavkov/statusflow/internal/flow/safepath"
)

func newEnv(t *testing.T, globs []string) (*Environment, string) {
	t.Helper()
	root := t.TempDir()
	r, err := safepath.NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return NewEnvironment("builder", globs, r, 0), root
}

func TestResolveForRead_AllowsAnyPathUnderJail(t *testing.T) {
	e, _ := newEnv(t, nil)
	if _, err := e.ResolveForRead("anywhere/in/root.txt"); err != nil {
		t.Fatalf("ResolveForRead: %v", err)
	}
}

func TestResolveForWrite_NoGlobsConfigured_Rejected(t *testing.T) {
	e, _ := newEnv(t, nil)
	if _, err := e.ResolveForWrite("src/main.go"); err == nil {
		t.Fatal("expected rejection with no globs configured")
	}
}

func TestResolveForWrite_OutsideGlobs_Rejected(t *testing.T) {
	e, _ := newEnv(t, []string{"src/**"})
	if _, err := e.ResolveForWrite("docs/readme.md"); err == nil {
		t.Fatal("expected rejection outside allowed globs")
	}
}

func TestResolveForWrite_WithinGlobs_Allowed(t *testing.T) {
	e, _ := newEnv(t, []string{"src/**"})
	if _, err := e.ResolveForWrite("src/pkg/file.go"); err != nil {
		t.Fatalf("ResolveForWrite: %v", err)
	}
}

func TestCanWrite(t *testing.T) {
	e, _ := newEnv(t, []string{"src/**/*.go"})
	if !e.CanWrite("src/pkg/file.go") {
		t.Error("expected CanWrite true for matching glob")
	}
	if e.CanWrite("docs/readme.md") {
		t.Error("expected CanWrite false for non-matching path")
	}
}

func TestReadFile_ReturnsContent(t *testing.T) {
	e, root := newEnv(t, nil)
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "docs", "note.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := e.ReadFile("docs/note.md")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestLoom_Apply_RejectsPathOutsideWhitelist(t *testing.T) {
	e, root := newEnv(t, []string{"src/**"})
	if err := os.WriteFile(filepath.Join(root, "docs.md"), []byte("body\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := e.Loom().Apply(context.Background(), loom.Edit{Path: "docs.md", Op: loom.OpAppend, Content: "x"})
	if _, ok := err.(*safepath.SecurityError); !ok {
		t.Fatalf("expected *safepath.SecurityError, got %T: %v", err, err)
	}
}

func TestLoom_Apply_AllowsPathWithinWhitelist(t *testing.T) {
	e, root := newEnv(t, []string{"src/**"})
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("body\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := e.Loom().Apply(context.Background(), loom.Edit{Path: "src/main.go", Op: loom.OpAppend, Content: "x"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
}
