package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindRoot_LocatesMarkerAtStart(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".flow"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindRoot(dir, nil)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	want, _ := filepath.Abs(dir)
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindRoot_ScansUpward(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".flow"), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "src", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindRoot(nested, nil)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	want, _ := filepath.Abs(dir)
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindRoot_BindsToNearestNestedRoot(t *testing.T) {
	outer := t.TempDir()
	if err := os.MkdirAll(filepath.Join(outer, ".flow"), 0o755); err != nil {
		t.Fatal(err)
	}
	inner := filepath.Join(outer, "sub", "project")
	if err := os.MkdirAll(filepath.Join(inner, ".flow"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindRoot(inner, nil)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	want, _ := filepath.Abs(inner)
	if got != want {
		t.Errorf("got %q, want %q (nearest enclosing root, not the outer one)", got, want)
	}
}

func TestFindRoot_MissReturnsRootNotFoundError(t *testing.T) {
	dir := t.TempDir()
	_, err := FindRoot(dir, nil)
	if _, ok := err.(*RootNotFoundError); !ok {
		t.Fatalf("expected *RootNotFoundError, got %T: %v", err, err)
	}
}

func TestFindRoot_CustomMarkers(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".custom"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := FindRoot(dir, nil); err == nil {
		t.Fatal("expected miss against default markers")
	}
	got, err := FindRoot(dir, []string{".custom"})
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	want, _ := filepath.Abs(dir)
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
