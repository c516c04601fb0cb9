package integrity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAccept_ThenCheck_Matches(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "status.md")
	if err := os.WriteFile(doc, []byte("- [ ] a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(doc, 3)
	if _, err := s.Accept([]byte("- [ ] a\n")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	rec, _, err := s.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rec.SHA256 == "" || rec.BLAKE3 == "" {
		t.Fatalf("expected both digests populated: %+v", rec)
	}
}

func TestCheck_DetectsExternalEdit(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "status.md")
	if err := os.WriteFile(doc, []byte("- [ ] a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(doc, 3)
	if _, err := s.Accept([]byte("- [ ] a\n")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := os.WriteFile(doc, []byte("- [ ] a tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Check()
	if err != ErrMismatch {
		t.Fatalf("Check: got %v, want ErrMismatch", err)
	}
}

func TestCheck_NoSidecarYet_NotAnError(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "status.md")
	if err := os.WriteFile(doc, []byte("- [ ] a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(doc, 3)
	rec, raw, err := s.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
	if string(raw) != "- [ ] a\n" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestAccept_RotatesAndPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "status.md")
	s := NewStore(doc, 2)
	for i := 0; i < 5; i++ {
		content := []byte{byte('a' + i)}
		if err := os.WriteFile(doc, content, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Accept(content); err != nil {
			t.Fatalf("Accept iteration %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, ".status-backups"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) > 2 {
		t.Fatalf("got %d backups, want at most 2", len(entries))
	}
}
