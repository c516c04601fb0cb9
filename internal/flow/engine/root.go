package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultRootMarkers lists the marker directories FindRoot looks for when
// the caller doesn't configure its own list.
var defaultRootMarkers = []string{".flow"}

// RootNotFoundError reports that no ancestor of Start contains any of
// Markers as a subdirectory.
type RootNotFoundError struct {
	Start   string
	Markers []string
}

func (e *RootNotFoundError) Error() string {
	return fmt.Sprintf("engine: no flow root found above %s (looked for %v)", e.Start, e.Markers)
}

// FindRoot walks upward from start, including start itself, looking for a
// directory that contains one of markers (default: ".flow") as an immediate
// child. It binds to the first match found, so a nested root always
// resolves to the nearest enclosing one rather than one further up the
// tree. Returns a *RootNotFoundError if the walk reaches the filesystem
// root without a match.
func FindRoot(start string, markers []string) (string, error) {
	if len(markers) == 0 {
		markers = defaultRootMarkers
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("engine: resolve start dir: %w", err)
	}
	for {
		for _, m := range markers {
			info, err := os.Stat(filepath.Join(dir, m))
			if err == nil && info.IsDir() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", &RootNotFoundError{Start: start, Markers: markers}
		}
		dir = parent
	}
}
