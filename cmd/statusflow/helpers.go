package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vsavkov/statusflow/internal/flow/engine"
	"github.com/vsavkov/statusflow/internal/flow/integrity"
	"github.com/vsavkov/statusflow/internal/flow/safepath"
	"github.com/vsavkov/statusflow/internal/flow/status"
)

const statusFileName = "status.md"

// findRoot locates the project root by scanning upward from the current
// directory for a ".flow" marker directory (engine.FindRoot). engine.Hydrate
// takes the resolved root and reads config.json, state, and events from its
// .flow directory.
func findRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}
	root, err := engine.FindRoot(cwd, nil)
	if err != nil {
		return "", err
	}
	return root, nil
}

func loadDocument(root string) (*status.Document, error) {
	raw, err := os.ReadFile(filepath.Join(root, ".flow", statusFileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", statusFileName, err)
	}
	return status.Parse(raw)
}

func saveDocument(root string, doc *status.Document) int {
	raw := status.Write(doc)
	if err := os.WriteFile(filepath.Join(root, ".flow", statusFileName), raw, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	return 0
}

// latestRunID finds the most recently modified workflow state file under
// .flow/state and returns its run id, for `statusflow resume` when the
// caller doesn't know which run to continue.
func latestRunID(root string) (string, error) {
	dir := filepath.Join(root, ".flow", "state")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("resume: no prior run found: %w", err)
	}
	type candidate struct {
		name    string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".json" {
			continue
		}
		base := e.Name()[:len(e.Name())-len(ext)]
		if len(base) > 0 && base[len(base)-1] == 't' {
			// Skip "<run>.intent.json" siblings.
			if filepath.Ext(base) == ".intent" {
				continue
			}
		}
		// Sub-workflow files are "<run>#<sub>.json"; keep only the run id.
		for i := 0; i < len(base); i++ {
			if base[i] == '#' {
				base = base[:i]
				break
			}
		}
		candidates = append(candidates, candidate{name: base, modTime: info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", errors.New("resume: no prior run found")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
	return candidates[0].name, nil
}

func isSecurityError(err error) bool {
	var secErr *safepath.SecurityError
	if errors.As(err, &secErr) {
		return true
	}
	var statusSecErr *status.SecurityError
	return errors.As(err, &statusSecErr)
}

func isValidationError(err error) bool {
	var vErr *status.ValidationError
	return errors.As(err, &vErr)
}

func isIntegrityError(err error) bool {
	return errors.Is(err, integrity.ErrMismatch)
}
