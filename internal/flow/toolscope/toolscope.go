// Package toolscope wraps filesystem-touching operations so that an atom
// running under a given role can only write the paths its role was granted;
// reads are confined to the jail but not to the role's globs.
package toolscope

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vsavkov/statusflow/internal/flow/loom"
	"github.com/vsavkov/statusflow/internal/flow/safepath"
)

// Environment is the read-only execution context an atom receives: a role
// name, the set of path globs that role may write, and a resolver jailed to
// the run's root.
type Environment struct {
	Role          string
	AllowedGlobs  []string
	resolver      *safepath.Resolver
	lockStaleness time.Duration
	editor        *loom.Editor
}

// NewEnvironment builds an Environment for role, scoped to resolver's root
// with writes restricted to allowedGlobs (nil/empty means no write access,
// the conservative default for an unrecognized or unconfigured role; reads
// under the jail are still allowed).
// lockStaleness tunes how long a Loom advisory lock may sit before it's
// considered abandoned (0 uses loom's own default).
func NewEnvironment(role string, allowedGlobs []string, resolver *safepath.Resolver, lockStaleness time.Duration) *Environment {
	return &Environment{Role: role, AllowedGlobs: allowedGlobs, resolver: resolver, lockStaleness: lockStaleness}
}

// ResolveForRead validates rel against the resolver's jail. Reads are
// allowed anywhere under the jail regardless of AllowedGlobs: the glob
// whitelist restricts writes, not visibility.
func (e *Environment) ResolveForRead(rel string) (string, error) {
	return e.resolver.Resolve(rel)
}

// ResolveForWrite validates rel against both the resolver's jail and the
// role's write whitelist.
func (e *Environment) ResolveForWrite(rel string) (string, error) {
	if len(e.AllowedGlobs) == 0 {
		return "", &safepath.SecurityError{Input: rel, Reason: fmt.Sprintf("role %q has no write globs configured", e.Role)}
	}
	if !safepath.MatchesWhitelist(filepath.ToSlash(rel), e.AllowedGlobs) {
		return "", &safepath.SecurityError{Input: rel, Reason: fmt.Sprintf("path not in role %q's allowed glob set", e.Role)}
	}
	return e.resolver.Resolve(rel)
}

// CanWrite reports whether rel would be accepted by ResolveForWrite, without
// performing filesystem resolution — useful for pre-flight checks before an
// atom even attempts work.
func (e *Environment) CanWrite(rel string) bool {
	return safepath.MatchesWhitelist(filepath.ToSlash(rel), e.AllowedGlobs)
}

// ReadFile resolves rel under the jail and returns its contents. Reads are
// unrestricted by the role's write globs, matching ResolveForRead.
func (e *Environment) ReadFile(rel string) ([]byte, error) {
	abs, err := e.ResolveForRead(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Loom returns a ScopedEditor that applies surgical edits through this
// environment's write whitelist.
func (e *Environment) Loom() *ScopedEditor {
	if e.editor == nil {
		e.editor = loom.NewEditorWithLockStaleness(e.resolver, e.lockStaleness)
	}
	return &ScopedEditor{env: e, editor: e.editor}
}

// ScopedEditor applies loom.Edits after checking the edit's path against the
// owning Environment's role whitelist, so an atom cannot bypass its role's
// AllowedGlobs by constructing an Edit directly.
type ScopedEditor struct {
	env    *Environment
	editor *loom.Editor
}

// Apply checks edit.Path against the role's whitelist and, if allowed,
// delegates to the underlying loom.Editor.
func (s *ScopedEditor) Apply(ctx context.Context, edit loom.Edit) (loom.Result, error) {
	if !s.env.CanWrite(edit.Path) {
		return loom.Result{}, &safepath.SecurityError{Input: edit.Path, Reason: fmt.Sprintf("path not in role %q's allowed glob set", s.env.Role)}
	}
	if len(edit.AllowedGlobs) == 0 {
		edit.AllowedGlobs = s.env.AllowedGlobs
	}
	return s.editor.Apply(ctx, edit)
}
