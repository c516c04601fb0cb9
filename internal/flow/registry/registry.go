// Package registry holds the set of atoms (task handlers) an engine run can
// dispatch to, keyed by the intent prefix a task's name carries.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is an atom's report back to the engine: whether the step
// succeeded, what the task's next status should become, and any context
// values to merge into the run's shared export overlay.
type Result struct {
	Status        ResultStatus   `json:"status"`
	ContextUpdate map[string]any `json:"context_update,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// ResultStatus mirrors the canonical outcome vocabulary an atom may report.
type ResultStatus string

const (
	ResultDone    ResultStatus = "done"
	ResultSkip    ResultStatus = "skip"
	ResultRetry   ResultStatus = "retry"
	ResultFail    ResultStatus = "fail"
	ResultPending ResultStatus = "pending"
)

// Validate rejects malformed results before the engine acts on them: fail
// and retry results must explain themselves.
func (r Result) Validate() error {
	switch r.Status {
	case ResultDone, ResultSkip, ResultRetry, ResultFail, ResultPending:
	default:
		return fmt.Errorf("registry: unrecognized result status %q", r.Status)
	}
	if (r.Status == ResultFail || r.Status == ResultRetry) && strings.TrimSpace(r.FailureReason) == "" {
		return fmt.Errorf("registry: failure_reason must be set when status=%q", r.Status)
	}
	return nil
}

// Context is the read-only view of run state an atom receives: exported
// key/values accumulated from prior steps, plus identifying fields. It is a
// plain map snapshot, never a live reference, so an atom cannot mutate
// shared state except through its returned ContextUpdate.
type Context struct {
	RunID   string
	TaskID  string
	Values  map[string]any
	RootDir string
}

// Atom is one named, schema-validated handler an engine step can dispatch
// to. ParamSchema is optional; when set, Params is validated against it
// before Run is invoked and a violation short-circuits as a ContractViolation.
type Atom interface {
	Name() string
	ParamSchema() map[string]any
	Run(ctx context.Context, rc Context, params map[string]any) (Result, error)
}

// ContractViolation reports a parameter that failed an atom's declared schema.
type ContractViolation struct {
	Atom string
	Err  error
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("registry: atom %q rejected parameters: %v", e.Atom, e.Err)
}

func (e *ContractViolation) Unwrap() error { return e.Err }

type compiledAtom struct {
	atom   Atom
	schema *jsonschema.Schema
}

// Registry is the engine's dispatch table: atom name -> compiled handler.
type Registry struct {
	mu    sync.RWMutex
	atoms map[string]compiledAtom
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{atoms: map[string]compiledAtom{}}
}

// Register compiles a's declared ParamSchema (if any) and adds it under its Name.
func (r *Registry) Register(a Atom) error {
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("registry: atom has empty name")
	}
	var schema *jsonschema.Schema
	if params := a.ParamSchema(); params != nil {
		s, err := compileSchema(params)
		if err != nil {
			return fmt.Errorf("registry: atom %q schema: %w", name, err)
		}
		schema = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.atoms == nil {
		r.atoms = map[string]compiledAtom{}
	}
	r.atoms[name] = compiledAtom{atom: a, schema: schema}
	return nil
}

// Lookup returns the atom registered under name, if any.
func (r *Registry) Lookup(name string) (Atom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.atoms[name]
	if !ok {
		return nil, false
	}
	return c.atom, true
}

// Names returns every registered atom name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.atoms))
	for n := range r.atoms {
		out = append(out, n)
	}
	return out
}

// Dispatch validates params against name's declared schema (if any) and
// invokes the atom. A schema failure never reaches the atom's Run method.
func (r *Registry) Dispatch(ctx context.Context, name string, rc Context, params map[string]any) (Result, error) {
	r.mu.RLock()
	c, ok := r.atoms[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("registry: no atom registered for %q", name)
	}
	if c.schema != nil {
		if params == nil {
			params = map[string]any{}
		}
		if err := c.schema.Validate(params); err != nil {
			return Result{}, &ContractViolation{Atom: name, Err: err}
		}
	}
	res, err := c.atom.Run(ctx, rc, params)
	if err != nil {
		return res, err
	}
	if verr := res.Validate(); verr != nil {
		return Result{}, fmt.Errorf("registry: atom %q returned invalid result: %w", name, verr)
	}
	return res, nil
}

// CheckConsistency reports which atom names are broken: a nil atom, or an
// atom declaring a ParamSchema that has no compiled schema and fails to
// compile (schemas compiled at Register time are not compiled again), so
// the engine can mark them unusable at hydration rather than fail lazily
// mid-run on first dispatch.
func (r *Registry) CheckConsistency() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	broken := map[string]error{}
	for name, c := range r.atoms {
		if c.atom == nil {
			broken[name] = fmt.Errorf("registry: nil atom registered under %q", name)
			continue
		}
		if params := c.atom.ParamSchema(); params != nil && c.schema == nil {
			if _, err := compileSchema(params); err != nil {
				broken[name] = err
			}
		}
	}
	return broken
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
