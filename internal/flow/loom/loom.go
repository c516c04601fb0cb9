// Package loom performs anchor-based surgical edits against arbitrary text
// files: insert before/after a matched anchor, replace an anchor's match,
// or append at end of file. Every apply is lock-guarded, fence-checked
// against concurrent writers, and written atomically.
package loom

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vsavkov/statusflow/internal/flow/procwatch"
	"github.com/vsavkov/statusflow/internal/flow/safepath"
	"github.com/zeebo/blake3"
)

// Op names the kind of surgical edit to perform.
type Op string

const (
	OpInsertBefore Op = "insert_before"
	OpInsertAfter  Op = "insert_after"
	OpReplace      Op = "replace"
	OpAppend       Op = "append"
)

// Edit is one surgical-edit request.
type Edit struct {
	Path         string   // root-relative path, resolved through a safepath.Resolver
	Op           Op
	Anchor       string   // regexp matched against file content; unused for OpAppend
	Content      string   // text to insert/replace with
	AllowedGlobs []string // if non-empty, Path must match at least one
	MTimeFence   int64    // unix nanos; if non-zero, apply fails if the file's current mtime differs
	ContentFence string   // blake3 hex digest of the expected current content; belt-and-suspenders for MTimeFence on filesystems with coarse mtime resolution
}

// Result reports what happened.
type Result struct {
	BytesWritten int
	NewMTime     int64
}

const (
	defaultLockStaleness = 30 * time.Second
	regexTimeout         = 100 * time.Millisecond
	lockRetryDelay       = 25 * time.Millisecond
)

// AnchorNotFoundError reports that Anchor matched nothing in the file.
type AnchorNotFoundError struct {
	Path, Anchor string
}

func (e *AnchorNotFoundError) Error() string {
	return fmt.Sprintf("loom: anchor %q not found in %s", e.Anchor, e.Path)
}

// AmbiguousAnchorError reports that Anchor matched more than once.
type AmbiguousAnchorError struct {
	Path, Anchor string
	Matches      int
}

func (e *AmbiguousAnchorError) Error() string {
	return fmt.Sprintf("loom: anchor %q matched %d times in %s, want exactly 1", e.Anchor, e.Matches, e.Path)
}

// FenceMismatchError reports that the file changed since the caller last
// observed it (MTimeFence didn't match), the optimistic-concurrency guard.
type FenceMismatchError struct {
	Path               string
	Expected, Observed int64
}

func (e *FenceMismatchError) Error() string {
	return fmt.Sprintf("loom: mtime fence mismatch on %s: expected %d, observed %d", e.Path, e.Expected, e.Observed)
}

// ContentFenceMismatchError reports that the file's content digest no longer
// matches ContentFence, the secondary guard for filesystems where mtime
// resolution is too coarse to catch a same-tick write.
type ContentFenceMismatchError struct {
	Path               string
	Expected, Observed string
}

func (e *ContentFenceMismatchError) Error() string {
	return fmt.Sprintf("loom: content fence mismatch on %s: expected %s, observed %s", e.Path, e.Expected, e.Observed)
}

// RegexTimeoutError reports that Anchor took longer than regexTimeout to
// evaluate, the ReDoS guard tripping.
type RegexTimeoutError struct {
	Anchor string
}

func (e *RegexTimeoutError) Error() string {
	return fmt.Sprintf("loom: anchor regexp %q exceeded %s evaluation budget", e.Anchor, regexTimeout)
}

// Editor applies Edits against files rooted at a safepath.Resolver.
type Editor struct {
	resolver      *Resolver
	lockStaleness time.Duration
}

// Resolver is the subset of safepath.Resolver Loom depends on.
type Resolver = safepath.Resolver

// NewEditor returns an Editor jailed to resolver's root, using
// defaultLockStaleness to judge a lock file abandoned. Lock files are
// written alongside each edited file as "<file>.loom.lock".
func NewEditor(resolver *safepath.Resolver) *Editor {
	return &Editor{resolver: resolver, lockStaleness: defaultLockStaleness}
}

// NewEditorWithLockStaleness is NewEditor with an overridden staleness
// window, for callers whose config.json/flow.config.yaml tunes it.
func NewEditorWithLockStaleness(resolver *safepath.Resolver, staleness time.Duration) *Editor {
	if staleness <= 0 {
		staleness = defaultLockStaleness
	}
	return &Editor{resolver: resolver, lockStaleness: staleness}
}

// Apply performs e against the resolved file, holding an advisory lock for
// the duration and fsyncing the replacement into place.
func (ed *Editor) Apply(ctx context.Context, e Edit) (Result, error) {
	if len(e.AllowedGlobs) > 0 && !safepath.MatchesWhitelist(filepath.ToSlash(e.Path), e.AllowedGlobs) {
		return Result{}, &safepath.SecurityError{Input: e.Path, Reason: "path not in allowed glob set"}
	}
	abs, err := ed.resolver.Resolve(e.Path)
	if err != nil {
		return Result{}, err
	}

	release, err := ed.acquireLock(abs)
	if err != nil {
		return Result{}, err
	}
	defer release()

	info, err := os.Stat(abs)
	if err != nil {
		return Result{}, fmt.Errorf("loom: stat target: %w", err)
	}
	if e.MTimeFence != 0 && info.ModTime().UnixNano() != e.MTimeFence {
		return Result{}, &FenceMismatchError{Path: e.Path, Expected: e.MTimeFence, Observed: info.ModTime().UnixNano()}
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return Result{}, fmt.Errorf("loom: read target: %w", err)
	}
	if e.ContentFence != "" {
		sum := blake3.Sum256(raw)
		observed := fmt.Sprintf("%x", sum)
		if observed != e.ContentFence {
			return Result{}, &ContentFenceMismatchError{Path: e.Path, Expected: e.ContentFence, Observed: observed}
		}
	}
	hadBOM := bytes.HasPrefix(raw, utf8BOM)
	body := raw
	if hadBOM {
		body = raw[len(utf8BOM):]
	}
	usesCRLF := bytes.Contains(body, []byte("\r\n"))

	edited, err := applyOp(ctx, e, body)
	if err != nil {
		return Result{}, err
	}

	out := edited
	if usesCRLF {
		out = []byte(strings.ReplaceAll(string(out), "\n", "\r\n"))
		out = []byte(strings.ReplaceAll(string(out), "\r\r\n", "\r\n"))
	}
	if hadBOM {
		out = append(append([]byte{}, utf8BOM...), out...)
	}

	if err := atomicWrite(abs, out); err != nil {
		return Result{}, err
	}
	newInfo, err := os.Stat(abs)
	if err != nil {
		return Result{}, fmt.Errorf("loom: stat after write: %w", err)
	}
	return Result{BytesWritten: len(out), NewMTime: newInfo.ModTime().UnixNano()}, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func applyOp(ctx context.Context, e Edit, body []byte) ([]byte, error) {
	if e.Op == OpAppend {
		out := append([]byte{}, body...)
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		out = append(out, []byte(e.Content)...)
		if len(e.Content) > 0 && !strings.HasSuffix(e.Content, "\n") {
			out = append(out, '\n')
		}
		return out, nil
	}

	loc, err := findAnchor(ctx, e.Anchor, body, e.Path)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch e.Op {
	case OpInsertBefore:
		out = append(append(append([]byte{}, body[:loc[0]]...), []byte(e.Content)...), body[loc[0]:]...)
	case OpInsertAfter:
		out = append(append(append([]byte{}, body[:loc[1]]...), []byte(e.Content)...), body[loc[1]:]...)
	case OpReplace:
		out = append(append(append([]byte{}, body[:loc[0]]...), []byte(e.Content)...), body[loc[1]:]...)
	default:
		return nil, fmt.Errorf("loom: unrecognized op %q", e.Op)
	}
	return out, nil
}

// findAnchor locates exactly one match of anchor in body, compiled and run
// under a hard wall-clock timeout to defeat catastrophic backtracking from a
// pathological anchor pattern.
func findAnchor(ctx context.Context, anchor string, body []byte, path string) ([]int, error) {
	re, err := regexp.Compile(anchor)
	if err != nil {
		return nil, fmt.Errorf("loom: invalid anchor regexp: %w", err)
	}

	type result struct {
		matches [][]int
	}
	done := make(chan result, 1)
	go func() {
		done <- result{matches: re.FindAllIndex(body, 2)}
	}()

	select {
	case r := <-done:
		switch len(r.matches) {
		case 0:
			return nil, &AnchorNotFoundError{Path: path, Anchor: anchor}
		case 1:
			return r.matches[0], nil
		default:
			return nil, &AmbiguousAnchorError{Path: path, Anchor: anchor, Matches: len(r.matches)}
		}
	case <-time.After(regexTimeout):
		return nil, &RegexTimeoutError{Anchor: anchor}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".loom-tmp-*")
	if err != nil {
		return fmt.Errorf("loom: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("loom: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("loom: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("loom: close temp file: %w", err)
	}
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("loom: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("loom: rename into place: %w", err)
	}
	return nil
}

// acquireLock takes the advisory lock file beside target, removing and
// re-taking a stale lock (owner process gone, or past ed.lockStaleness) and
// retrying a live one until a 5s deadline.
func (ed *Editor) acquireLock(target string) (release func(), err error) {
	lockPath := target + ".loom.lock"
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %d", os.Getpid(), time.Now().UnixNano())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("loom: create lock file: %w", err)
		}
		if stale, _ := ed.lockIsStale(lockPath); stale {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("loom: timed out waiting for lock %s", lockPath)
		}
		time.Sleep(lockRetryDelay)
	}
}

func (ed *Editor) lockIsStale(lockPath string) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return true, nil
	}
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil
	}
	var pid int
	var nanos int64
	if _, err := fmt.Sscanf(string(raw), "%d %d", &pid, &nanos); err != nil {
		return true, nil
	}
	if (procwatch.Owner{PID: pid}).IsStale() {
		return true, nil
	}
	return time.Since(info.ModTime()) > ed.lockStaleness, nil
}
