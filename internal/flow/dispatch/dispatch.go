// Package dispatch decides which atom handles a given task name: an
// explicit inline intent marker in the name takes precedence over a
// registry-prefix match, and a name matching neither falls back to manual
// intervention.
package dispatch

import (
	"regexp"
	"strings"

	"github.com/vsavkov/statusflow/internal/flow/registry"
)

// ManualInterventionAtomName is the atom dispatched to when a task name
// matches no inline marker and no registered prefix.
const ManualInterventionAtomName = "manual_intervention"

// inlineMarkerRE matches an explicit "[[atom:name]]" marker anywhere in a
// task name. Unicode zero-width characters are stripped from the name
// before this regexp runs, so a marker split by a stray zero-width space
// still matches.
var inlineMarkerRE = regexp.MustCompile(`\[\[atom:([A-Za-z0-9_.\-]+)\]\]`)

var zeroWidth = []string{"​", "‌", "‍", string(rune(0xFEFF))}

// Resolve picks the atom name that should handle a task named name, given
// reg's registered prefixes. A prefix is a registered atom name that name
// starts with, word-bounded (matches "build" against "build" or "build
// module", not against "builder").
func Resolve(name string, reg *registry.Registry) string {
	normalized := stripZeroWidth(name)
	if m := inlineMarkerRE.FindStringSubmatch(normalized); m != nil {
		if _, ok := reg.Lookup(m[1]); ok {
			return m[1]
		}
		return ManualInterventionAtomName
	}
	for _, n := range reg.Names() {
		if matchesPrefix(normalized, n) {
			return n
		}
	}
	return ManualInterventionAtomName
}

func matchesPrefix(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(name) == len(prefix) {
		return true
	}
	next := name[len(prefix)]
	return next == ' ' || next == ':' || next == '-' || next == '_'
}

func stripZeroWidth(s string) string {
	for _, z := range zeroWidth {
		s = strings.ReplaceAll(s, z, "")
	}
	return s
}
