// Package engine drives a status document from its current state to
// completion: it finds the next actionable task, dispatches it to an atom,
// applies the atom's reported outcome, and persists everything durably
// enough to resume after a crash.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vsavkov/statusflow/internal/flow/dispatch"
	"github.com/vsavkov/statusflow/internal/flow/eventlog"
	"github.com/vsavkov/statusflow/internal/flow/integrity"
	"github.com/vsavkov/statusflow/internal/flow/procwatch"
	"github.com/vsavkov/statusflow/internal/flow/registry"
	"github.com/vsavkov/statusflow/internal/flow/safepath"
	"github.com/vsavkov/statusflow/internal/flow/state"
	"github.com/vsavkov/statusflow/internal/flow/status"
	"github.com/vsavkov/statusflow/internal/flow/toolscope"
)

const statusFileName = "status.md"

// Engine hydrates a status document and its supporting stores from a root
// directory and advances it one actionable task at a time.
type Engine struct {
	Root      string
	RunID     string
	SubID     string
	Resolver  *safepath.Resolver
	Tree      *status.Tree
	Registry  *registry.Registry
	Config    Config
	Roles     roleGlobs
	Integrity *integrity.Store
	Events    *eventlog.Log
	States    *state.Store
	Breaker   *CircuitBreaker

	// refResolver jails every task Ref under the project's data directory
	// (.flow), the "fractal zoom" entry point: a task's ref is rooted at the
	// data directory regardless of how deep the referencing task itself is
	// nested.
	refResolver *safepath.Resolver

	workflow *state.Workflow
}

// frame is one level of the fractal zoom: a status tree loaded from docPath,
// together with the run-state and integrity store that belong to that level
// alone. The root frame is the engine's own Tree/workflow/Integrity; every
// ref descended into opens a new frame with its own sub_id-suffixed state
// file and its own integrity sidecar.
type frame struct {
	tree     *status.Tree
	docPath  string
	subID    string
	workflow *state.Workflow
	integ    *integrity.Store
}

// DanglingIntentError reports that hydration found an intent record whose
// owning process is still alive: another engine instance is already
// running this root, and starting a second one would race it.
type DanglingIntentError struct {
	RunID, TaskID string
	PID           int
}

func (e *DanglingIntentError) Error() string {
	return fmt.Sprintf("engine: run %s appears to already be in progress (pid %d dispatching task %s)", e.RunID, e.PID, e.TaskID)
}

// Hydrate discovers status.md under root, loads configuration, and builds
// an Engine ready to Run. runID identifies (or resumes) the workflow state
// file; subID is "" for a top-level run and the parent task's virtual id
// for a nested sub-workflow.
func Hydrate(root, runID, subID string, reg *registry.Registry) (*Engine, error) {
	resolver, err := safepath.NewResolver(root)
	if err != nil {
		return nil, err
	}
	flowDir := filepath.Join(root, ".flow")
	refResolver, err := safepath.NewResolver(flowDir)
	if err != nil {
		return nil, err
	}
	docPath := filepath.Join(flowDir, statusFileName)
	raw, err := os.ReadFile(docPath)
	if err != nil {
		return nil, fmt.Errorf("engine: read %s: %w", statusFileName, err)
	}
	doc, err := status.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("engine: parse %s: %w", statusFileName, err)
	}
	tree := status.NewTree(doc)
	if diags := tree.Validate(status.WithRefResolver(refResolver.Resolve, os.ReadFile)); status.HasErrors(diags) {
		return nil, fmt.Errorf("engine: %s fails validation: %v", statusFileName, diags)
	}

	cfg, err := LoadConfig(flowDir)
	if err != nil {
		return nil, fmt.Errorf("engine: load config: %w", err)
	}
	roles, err := loadRoleGlobs(flowDir)
	if err != nil {
		return nil, fmt.Errorf("engine: load role config: %w", err)
	}

	if broken := reg.CheckConsistency(); len(broken) > 0 {
		return nil, fmt.Errorf("engine: registry has broken atoms: %v", broken)
	}

	statesDir := filepath.Join(flowDir, "state")
	states, err := state.NewStore(statesDir)
	if err != nil {
		return nil, err
	}
	eventsDir := filepath.Join(flowDir, "events")
	events, err := eventlog.Open(eventsDir, runID, cfg.EventLogRotateBytes)
	if err != nil {
		return nil, err
	}
	integStore := integrity.NewStore(docPath, cfg.BackupRetention)
	if _, _, err := integStore.Check(); err != nil {
		return nil, fmt.Errorf("engine: %s: %w", statusFileName, err)
	}

	e := &Engine{
		Root: root, RunID: runID, SubID: subID,
		Resolver: resolver, Tree: tree, Registry: reg,
		Config: cfg, Roles: roles,
		Integrity: integStore, Events: events, States: states,
		Breaker:     NewCircuitBreaker(cfg.CircuitBreakerLimit),
		refResolver: refResolver,
	}

	if err := e.recoverDanglingIntent(); err != nil {
		return nil, err
	}

	wf, err := states.Load(runID, subID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		wf = &state.Workflow{
			RunID: runID, SubID: subID, Phase: state.PhaseRunning,
			Export: map[string]any{}, Attempts: map[string]int{}, StartedAt: time.Now().UTC(),
		}
	}
	e.workflow = wf
	return e, nil
}

// recoverDanglingIntent inspects a leftover intent record from a prior
// process. If the owning PID is dead (or the record is stale), the intent
// is cleared and the task it names is left exactly as-is for re-dispatch;
// if the PID is alive, hydration refuses to proceed.
func (e *Engine) recoverDanglingIntent() error {
	in, err := e.States.LoadIntent(e.RunID)
	if err != nil {
		return err
	}
	if in == nil {
		return nil
	}
	owner := procwatch.Owner{PID: in.PID}
	if !owner.IsStale() {
		return &DanglingIntentError{RunID: in.RunID, TaskID: in.TaskID, PID: in.PID}
	}
	return e.States.ClearIntent(e.RunID)
}

// StepResult summarizes one dispatch-and-apply cycle.
type StepResult struct {
	TaskID   string
	AtomName string
	Result   registry.Result
}

// Run advances the workflow until no actionable task remains, the workflow
// reaches a terminal phase, or ctx is cancelled. It returns the workflow's
// final phase. A task whose ref points at a sub-status document is the
// fractal zoom's entry point: Run descends into the sub-document and drives
// it to completion (or to a pause) before the referencing task itself can be
// considered done, drilling to the deepest leaf before executing anything.
func (e *Engine) Run(ctx context.Context) (state.Phase, error) {
	root := &frame{
		tree:     e.Tree,
		docPath:  filepath.Join(e.Root, ".flow", statusFileName),
		subID:    e.SubID,
		workflow: e.workflow,
		integ:    e.Integrity,
	}
	return e.runFrame(ctx, root)
}

// runFrame drives one level of the fractal zoom: it finds the level's own
// actionable task, and either dispatches it to an atom directly or, if the
// task carries a ref, recurses into the sub-document it names. The root
// call's frame is e.Tree itself; every ref descended into is its own frame
// with its own state file and integrity sidecar, keyed by a dotted sub_id
// built from the chain of referencing tasks' virtual ids.
func (e *Engine) runFrame(ctx context.Context, fr *frame) (state.Phase, error) {
	for {
		select {
		case <-ctx.Done():
			fr.workflow.Phase = state.PhaseInterrupted
			e.States.SavePanic(fr.workflow)
			return state.PhaseInterrupted, ctx.Err()
		default:
		}

		task := nextActionable(fr.tree)
		if task == nil {
			fr.workflow.Phase = state.PhaseCompleted
			if err := e.checkpointFrame(fr); err != nil {
				return fr.workflow.Phase, err
			}
			if fr.subID == "" {
				if err := e.Events.GCBlobs(e.referencedBlobs()); err != nil {
					return fr.workflow.Phase, err
				}
			}
			return fr.workflow.Phase, nil
		}

		if err := fr.tree.SetActive(task.VirtualID()); err != nil {
			return state.PhaseFailed, err
		}
		if err := e.persistFrame(fr); err != nil {
			return state.PhaseFailed, err
		}

		var sr StepResult
		var err error
		if task.Ref != "" {
			sr, err = e.zoomInto(ctx, fr, task)
		} else {
			sr, err = e.step(ctx, fr, task)
		}
		if err != nil {
			if _, ok := err.(*registry.ContractViolation); ok {
				fr.workflow.Phase = state.PhaseFailed
				_ = e.checkpointFrame(fr)
				return fr.workflow.Phase, err
			}
			return state.PhaseFailed, err
		}

		if err := e.applyStepResult(fr, sr); err != nil {
			return state.PhaseFailed, err
		}
		if err := e.checkpointFrame(fr); err != nil {
			return fr.workflow.Phase, err
		}
		if sr.Result.Status == registry.ResultPending {
			// The atom (or the sub-workflow it zoomed into) needs more
			// driving before this task can move; stop rather than
			// re-dispatch the same task forever.
			return state.PhaseRunning, nil
		}
		if fr.workflow.Phase == state.PhaseFailed {
			return fr.workflow.Phase, nil
		}
	}
}

// zoomInto resolves task's ref, loads and validates the sub-document it
// names, hydrates (or resumes) that sub-document's own workflow state under
// a sub_id namespaced beneath the parent's, and recursively drives it with
// runFrame. Resuming finds whatever task the sub-document itself last
// persisted as ACTIVE, so nested resume continues at the sub-workflow's own
// current step rather than restarting it.
func (e *Engine) zoomInto(ctx context.Context, parent *frame, task *status.Task) (StepResult, error) {
	refPath, err := e.refResolver.Resolve(task.Ref)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: resolve ref %q: %w", task.Ref, err)
	}
	raw, err := os.ReadFile(refPath)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: read ref %q: %w", task.Ref, err)
	}
	doc, err := status.Parse(raw)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: parse ref %q: %w", task.Ref, err)
	}
	subTree := status.NewTree(doc)
	if diags := subTree.Validate(status.WithRefResolver(e.refResolver.Resolve, os.ReadFile)); status.HasErrors(diags) {
		return StepResult{}, fmt.Errorf("engine: ref %q fails validation: %v", task.Ref, diags)
	}

	childSubID := task.VirtualID()
	if parent.subID != "" {
		childSubID = parent.subID + "." + childSubID
	}
	wf, err := e.States.Load(e.RunID, childSubID)
	if err != nil {
		return StepResult{}, err
	}
	if wf == nil {
		wf = &state.Workflow{
			RunID: e.RunID, SubID: childSubID, Phase: state.PhaseRunning,
			Export: map[string]any{}, Attempts: map[string]int{}, StartedAt: time.Now().UTC(),
		}
	}

	child := &frame{
		tree:     subTree,
		docPath:  refPath,
		subID:    childSubID,
		workflow: wf,
		integ:    integrity.NewStore(refPath, e.Config.BackupRetention),
	}

	phase, err := e.runFrame(ctx, child)
	if err != nil {
		return StepResult{}, err
	}

	atomName := "fractal_zoom:" + task.Ref
	switch phase {
	case state.PhaseCompleted:
		return StepResult{TaskID: task.VirtualID(), AtomName: atomName, Result: registry.Result{Status: registry.ResultDone}}, nil
	case state.PhaseFailed:
		return StepResult{TaskID: task.VirtualID(), AtomName: atomName, Result: registry.Result{Status: registry.ResultFail}}, nil
	default:
		// RUNNING (paused on its own human-facing step) or INTERRUPTED: the
		// referencing task stays ACTIVE, awaiting the sub-workflow.
		return StepResult{TaskID: task.VirtualID(), AtomName: atomName, Result: registry.Result{Status: registry.ResultPending}}, nil
	}
}

// ActiveLeaf implements get_active_task's fractal zoom read-only: starting
// at the engine's own tree, it follows the ACTIVE task's ref into its
// sub-document, repeating until it finds a task with no ref (the deepest
// active node), or finds nothing ACTIVE at all. chain records the virtual id
// at each level visited, root first.
func (e *Engine) ActiveLeaf() (*status.Task, []string, error) {
	tree := e.Tree
	var chain []string
	for {
		task := tree.ActiveTask()
		if task == nil {
			return nil, chain, nil
		}
		chain = append(chain, task.VirtualID())
		if task.Ref == "" {
			return task, chain, nil
		}
		refPath, err := e.refResolver.Resolve(task.Ref)
		if err != nil {
			return nil, chain, err
		}
		raw, err := os.ReadFile(refPath)
		if err != nil {
			return nil, chain, fmt.Errorf("engine: read ref %q: %w", task.Ref, err)
		}
		doc, err := status.Parse(raw)
		if err != nil {
			return nil, chain, fmt.Errorf("engine: parse ref %q: %w", task.Ref, err)
		}
		tree = status.NewTree(doc)
	}
}

// nextActionable returns tree's current ACTIVE task if one is already
// focused, or the first PENDING leaf in document order otherwise (Smart
// Resume, when nothing is active anywhere in this document).
func nextActionable(tree *status.Tree) *status.Task {
	if t := tree.ActiveTask(); t != nil {
		return t
	}
	var found *status.Task
	tree.Walk(func(t *status.Task) bool {
		if t.Status == status.Pending && t.IsLeaf() {
			found = t
			return false
		}
		return true
	})
	return found
}

func (e *Engine) step(ctx context.Context, fr *frame, task *status.Task) (StepResult, error) {
	atomName := dispatch.Resolve(task.Name, e.Registry)
	token := state.NewIntentToken()
	intent := &state.Intent{Token: token, RunID: e.RunID, TaskID: task.VirtualID(), AtomName: atomName, PID: os.Getpid(), CreatedAt: time.Now().UTC()}
	if err := e.States.SaveIntent(intent); err != nil {
		return StepResult{}, err
	}

	rc := registry.Context{RunID: e.RunID, TaskID: task.VirtualID(), Values: fr.workflow.Export, RootDir: e.Root}
	attempt := fr.workflow.Attempts[task.VirtualID()] + 1
	delay := DelayForAttempt(attempt-1, e.Config.Backoff, jitterSeed(e.RunID, task.VirtualID(), attempt))
	if attempt > 1 && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		}
	}

	if _, err := e.Events.Append("step_started", task.VirtualID(), map[string]any{"atom": atomName, "attempt": attempt}, false); err != nil {
		return StepResult{}, err
	}

	res, err := e.Registry.Dispatch(ctx, atomName, rc, nil)
	if cerr := e.States.ClearIntent(e.RunID); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return StepResult{}, err
	}

	if _, evErr := e.Events.Append("step_finished", task.VirtualID(), map[string]any{"atom": atomName, "status": res.Status}, false); evErr != nil {
		return StepResult{}, evErr
	}
	return StepResult{TaskID: task.VirtualID(), AtomName: atomName, Result: res}, nil
}

// applyStepResult folds an atom's (or a zoomed-into sub-workflow's) result
// into fr's tree and export overlay. The export merge is last-writer-wins;
// keys beginning with "_" are treated as internal bookkeeping and discarded
// rather than merged into the caller-visible context. UpdateTask's own
// activation/completion bubbles take care of propagating a DONE leaf up to
// its ancestors, so this only ever sets the one task sr names.
func (e *Engine) applyStepResult(fr *frame, sr StepResult) error {
	if _, err := fr.tree.Get(sr.TaskID); err != nil {
		return err
	}

	for k, v := range sr.Result.ContextUpdate {
		if strings.HasPrefix(k, "_") {
			continue
		}
		fr.workflow.Export[k] = v
	}

	switch sr.Result.Status {
	case registry.ResultDone:
		e.Breaker.RecordSuccess(sr.TaskID)
		delete(fr.workflow.Attempts, sr.TaskID)
		return fr.tree.UpdateTask(sr.TaskID, "", func(t *status.Task) { t.Status = status.Done })
	case registry.ResultSkip:
		e.Breaker.RecordSuccess(sr.TaskID)
		delete(fr.workflow.Attempts, sr.TaskID)
		return fr.tree.UpdateTask(sr.TaskID, "", func(t *status.Task) { t.Status = status.Skipped })
	case registry.ResultPending:
		return fr.tree.UpdateTask(sr.TaskID, "", func(t *status.Task) { t.Status = status.Active })
	case registry.ResultRetry, registry.ResultFail:
		fr.workflow.Attempts[sr.TaskID]++
		tripped := e.Breaker.RecordFailure(sr.TaskID)
		if sr.Result.Status == registry.ResultFail || tripped || fr.workflow.Attempts[sr.TaskID] > e.Config.MaxRetries {
			fr.workflow.Phase = state.PhaseFailed
			return fr.tree.UpdateTask(sr.TaskID, "", func(t *status.Task) { t.Status = status.Active })
		}
		return nil
	default:
		return fmt.Errorf("engine: unhandled result status %q", sr.Result.Status)
	}
}

func (e *Engine) checkpointFrame(fr *frame) error {
	if err := e.persistFrame(fr); err != nil {
		return err
	}
	return e.States.Save(fr.workflow)
}

func (e *Engine) persistFrame(fr *frame) error {
	raw := status.Write(fr.tree.Doc)
	if err := atomicWriteFile(fr.docPath, raw); err != nil {
		return err
	}
	_, err := fr.integ.Accept(raw)
	return err
}

func (e *Engine) referencedBlobs() map[string]bool {
	return map[string]bool{}
}

// NewEnvironmentForRole builds a toolscope.Environment for role using the
// globs configured in config.json's "roles" section, with Loom's lock
// staleness window tuned by the run's Config.
func (e *Engine) NewEnvironmentForRole(role string) *toolscope.Environment {
	staleness := time.Duration(e.Config.LockStalenessMS) * time.Millisecond
	return toolscope.NewEnvironment(role, e.Roles[role], e.Resolver, staleness)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".engine-tmp-*")
	if err != nil {
		return fmt.Errorf("engine: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("engine: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("engine: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("engine: close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
