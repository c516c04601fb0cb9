// Package integrity guards status.md against silent corruption and
// unnoticed concurrent edits. The authoritative digest is SHA-256, stored
// in a sidecar next to the document; a blake3 fingerprint is recorded
// alongside it as a second, non-authoritative digest. Both digests are
// computed on every check, and a mismatch in either is reported.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ErrMismatch indicates the document's current SHA-256 digest does not
// match the last recorded sidecar digest: the file was edited outside the
// engine's own write path.
var ErrMismatch = errors.New("integrity: digest mismatch")

// Record is the sidecar's persisted shape.
type Record struct {
	SHA256    string    `json:"sha256"`
	BLAKE3    string    `json:"blake3"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages one document's sidecar digest file and rotated backups.
type Store struct {
	docPath     string
	sidecarPath string
	backupDir   string
	maxBackups  int
}

// NewStore builds a Store for docPath, keeping up to maxBackups rotated
// snapshots (0 disables backups).
func NewStore(docPath string, maxBackups int) *Store {
	return &Store{
		docPath:     docPath,
		sidecarPath: docPath + ".sha256",
		backupDir:   filepath.Join(filepath.Dir(docPath), ".status-backups"),
		maxBackups:  maxBackups,
	}
}

// Digest computes both the authoritative SHA-256 and the fast blake3
// fingerprint of raw.
func Digest(raw []byte) (sha, fast string) {
	s := sha256.Sum256(raw)
	b := blake3.Sum256(raw)
	return hex.EncodeToString(s[:]), hex.EncodeToString(b[:])
}

// Check reads the document at docPath, compares its current digest against
// the sidecar record, and returns ErrMismatch if they differ. If no sidecar
// exists yet it returns a nil record and no error: Accept establishes the
// first record.
func (s *Store) Check() (*Record, []byte, error) {
	raw, err := os.ReadFile(s.docPath)
	if err != nil {
		return nil, nil, fmt.Errorf("integrity: read document: %w", err)
	}
	rec, err := s.readSidecar()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, raw, nil
		}
		return nil, nil, err
	}
	sha, fast := Digest(raw)
	if fast == rec.BLAKE3 && sha == rec.SHA256 {
		return rec, raw, nil
	}
	if fast != rec.BLAKE3 {
		// Fast path already disagrees; no need to waste the SHA-256
		// comparison's constant-time overhead arguing about it further.
		return rec, raw, ErrMismatch
	}
	if sha != rec.SHA256 {
		return rec, raw, ErrMismatch
	}
	return rec, raw, nil
}

// Accept rotates the previous document into a timestamped backup (if one
// exists) and records raw's digest as the new authoritative baseline.
func (s *Store) Accept(raw []byte) (*Record, error) {
	if s.maxBackups > 0 {
		if _, err := os.Stat(s.docPath); err == nil {
			if err := s.rotateBackup(); err != nil {
				return nil, err
			}
		}
	}
	sha, fast := Digest(raw)
	rec := &Record{SHA256: sha, BLAKE3: fast, Size: int64(len(raw)), UpdatedAt: time.Now().UTC()}
	if err := s.writeSidecar(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) readSidecar() (*Record, error) {
	raw, err := os.ReadFile(s.sidecarPath)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("integrity: decode sidecar: %w", err)
	}
	return &rec, nil
}

func (s *Store) writeSidecar(rec *Record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.sidecarPath, raw)
}

func (s *Store) rotateBackup() error {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("integrity: create backup dir: %w", err)
	}
	raw, err := os.ReadFile(s.docPath)
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(s.docPath), stamp)
	if err := atomicWrite(filepath.Join(s.backupDir, name), raw); err != nil {
		return err
	}
	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return err
	}
	prefix := filepath.Base(s.docPath) + "."
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamp-suffixed names sort chronologically
	excess := len(names) - s.maxBackups
	for i := 0; i < excess; i++ {
		_ = os.Remove(filepath.Join(s.backupDir, names[i]))
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("integrity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("integrity: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("integrity: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("integrity: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("integrity: rename into place: %w", err)
	}
	return nil
}
