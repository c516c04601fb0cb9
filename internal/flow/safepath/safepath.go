// Package safepath resolves user- and document-supplied relative paths to
// absolute paths jailed beneath a project root. Every file-touching
// component in the engine (status documents, Loom edits, event blobs,
// state files) must route through Resolve before opening anything.
package safepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Sentinel error classes. Callers use errors.Is/As against these, not string matching.
var (
	ErrSecurity     = errors.New("safepath: security violation")
	ErrPathTooLong  = errors.New("safepath: path too long")
	ErrRootNotFound = errors.New("safepath: root not found")
	ErrInvalidRoot  = errors.New("safepath: root exists but is not a directory")
)

// SecurityError wraps ErrSecurity with the offending input for diagnostics.
type SecurityError struct {
	Input  string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("safepath: security violation (%s): %q", e.Reason, e.Input)
}

func (e *SecurityError) Unwrap() error { return ErrSecurity }

const (
	maxPathLen      = 4096
	maxSymlinkDepth = 40
)

var reservedDeviceNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

var dangerousSchemes = []string{"javascript:", "data:", "file:", "http:", "https:"}

// Resolver jails every resolution under a single root directory.
type Resolver struct {
	root    string
	rootDev uint64
}

// NewResolver validates root and returns a Resolver bound to it.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("safepath: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, abs)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, abs)
	}
	dev, err := deviceID(abs)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: abs, rootDev: dev}, nil
}

// Root returns the resolver's absolute root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve validates input (a path relative to root; absolute inputs are
// rejected) and returns its absolute, symlink-resolved form.
func (r *Resolver) Resolve(input string) (string, error) {
	if len(input) > maxPathLen {
		return "", fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(input))
	}
	if strings.ContainsRune(input, 0) {
		return "", &SecurityError{Input: input, Reason: "null byte"}
	}
	lower := strings.ToLower(input)
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", &SecurityError{Input: input, Reason: "protocol prefix"}
		}
	}
	if strings.HasPrefix(input, `\\`) || strings.HasPrefix(input, `//`) {
		return "", &SecurityError{Input: input, Reason: "UNC prefix"}
	}
	if isReservedDeviceName(input) {
		return "", &SecurityError{Input: input, Reason: "reserved device name"}
	}

	clean := filepath.Clean(input)
	if filepath.IsAbs(clean) {
		return "", &SecurityError{Input: input, Reason: "absolute path"}
	}
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", &SecurityError{Input: input, Reason: "parent traversal"}
		}
	}

	joined := filepath.Join(r.root, clean)
	resolved, err := r.resolveSymlinks(joined, 0)
	if err != nil {
		return "", err
	}
	if !withinRoot(r.root, resolved) {
		return "", &SecurityError{Input: input, Reason: "escapes root"}
	}
	if dev, err := deviceIDIfExists(resolved); err == nil && dev != r.rootDev {
		return "", &SecurityError{Input: input, Reason: "crosses filesystem boundary"}
	}
	return resolved, nil
}

// resolveSymlinks walks path component by component, resolving symlinks as it
// goes and re-validating containment after every hop, bounded by
// maxSymlinkDepth to defeat symlink loops.
func (r *Resolver) resolveSymlinks(path string, depth int) (string, error) {
	if depth > maxSymlinkDepth {
		return "", &SecurityError{Input: path, Reason: "symlink depth exceeded"}
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Path (or a component of it) does not exist yet: that's fine for
			// writes-to-be, but the parent directory chain must still resolve
			// cleanly and stay within root.
			parent := filepath.Dir(path)
			if parent == path {
				return path, nil
			}
			resolvedParent, err := r.resolveSymlinks(parent, depth+1)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolvedParent, filepath.Base(path)), nil
		}
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		// The component itself is not a symlink, but a directory above it
		// (up to root) may be; resolve the parent chain too.
		parent := filepath.Dir(path)
		if path == r.root || parent == path {
			return path, nil
		}
		resolvedParent, err := r.resolveSymlinks(parent, depth)
		if err != nil {
			return "", err
		}
		return filepath.Join(resolvedParent, filepath.Base(path)), nil
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	if !withinRoot(r.root, filepath.Clean(target)) {
		return "", &SecurityError{Input: path, Reason: "symlink escapes root"}
	}
	return r.resolveSymlinks(target, depth+1)
}

// MatchesWhitelist reports whether rel (root-relative, forward-slash form)
// matches at least one of the given doublestar glob patterns. Used by Loom
// and the Scoped Tool Wrapper to enforce per-call path whitelists.
func MatchesWhitelist(rel string, globs []string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range globs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}

func isReservedDeviceName(input string) bool {
	base := filepath.Base(filepath.Clean(input))
	name := strings.ToLower(base)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return reservedDeviceNames[name]
}
