package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vsavkov/statusflow/internal/flow/atoms"
	"github.com/vsavkov/statusflow/internal/flow/engine"
	"github.com/vsavkov/statusflow/internal/flow/registry"
	"github.com/vsavkov/statusflow/internal/flow/safepath"
	"github.com/vsavkov/statusflow/internal/flow/state"
	"github.com/vsavkov/statusflow/internal/flow/status"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "resume":
		return runResume(args[1:])
	case "status":
		return runStatus(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "reset":
		return runReset(args[1:])
	case "reopen":
		return runReopen(args[1:])
	case "version", "--version", "-v":
		fmt.Println("statusflow (development build)")
		return 0
	default:
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  statusflow start [task_id]")
	fmt.Fprintln(os.Stderr, "  statusflow resume")
	fmt.Fprintln(os.Stderr, "  statusflow status [--json]")
	fmt.Fprintln(os.Stderr, "  statusflow validate")
	fmt.Fprintln(os.Stderr, "  statusflow reset [task_id]")
	fmt.Fprintln(os.Stderr, "  statusflow reopen [task_id]")
	fmt.Fprintln(os.Stderr, "  statusflow version")
}

func buildRegistry() *registry.Registry {
	reg := registry.NewRegistry()
	_ = reg.Register(atoms.ManualIntervention{})
	return reg
}

func runStart(args []string) int {
	root, err := findRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	runID := state.NewRunID()
	e, err := engine.Hydrate(root, runID, "", buildRegistry())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	if len(args) > 0 {
		if err := e.Tree.SetActive(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return classifyExitCode(err)
		}
	}
	ctx, cleanup := signalCancelContext()
	defer cleanup()
	phase, err := e.Run(ctx)
	fmt.Printf("run %s: %s\n", runID, phase)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return classifyExitCode(err)
}

func runResume(args []string) int {
	root, err := findRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	runID, err := latestRunID(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	e, err := engine.Hydrate(root, runID, "", buildRegistry())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	ctx, cleanup := signalCancelContext()
	defer cleanup()
	phase, err := e.Run(ctx)
	fmt.Printf("run %s: %s\n", runID, phase)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return classifyExitCode(err)
}

func runStatus(args []string) int {
	jsonOut := false
	for _, a := range args {
		if a == "--json" {
			jsonOut = true
		}
	}
	root, err := findRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	doc, err := loadDocument(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	tree := status.NewTree(doc)
	if jsonOut {
		type taskView struct {
			ID       string     `json:"id"`
			Name     string     `json:"name"`
			Status   string     `json:"status"`
			Children []taskView `json:"children,omitempty"`
		}
		var toView func(t *status.Task) taskView
		toView = func(t *status.Task) taskView {
			v := taskView{ID: t.VirtualID(), Name: t.Name, Status: string(t.Status)}
			for _, c := range t.Children {
				v.Children = append(v.Children, toView(c))
			}
			return v
		}
		var views []taskView
		for _, r := range tree.Doc.Roots {
			views = append(views, toView(r))
		}
		b, _ := json.MarshalIndent(views, "", "  ")
		fmt.Println(string(b))
		return 0
	}
	tree.Walk(func(t *status.Task) bool {
		fmt.Printf("%s [%s] %s\n", t.VirtualID(), t.Status, t.Name)
		return true
	})
	return 0
}

func runValidate(args []string) int {
	root, err := findRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	doc, err := loadDocument(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	tree := status.NewTree(doc)
	var opts []status.ValidateOption
	if resolver, rerr := safepath.NewResolver(filepath.Join(root, ".flow")); rerr == nil {
		opts = append(opts, status.WithRefResolver(resolver.Resolve, os.ReadFile))
	}
	diags := tree.Validate(opts...)
	for _, d := range diags {
		fmt.Println(d.String())
	}
	if status.HasErrors(diags) {
		return 2
	}
	return 0
}

func runReset(args []string) int {
	root, err := findRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	doc, err := loadDocument(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	tree := status.NewTree(doc)
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "reset: task_id required")
		return 1
	}
	if err := tree.Reset(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	return saveDocument(root, doc)
}

func runReopen(args []string) int {
	root, err := findRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	doc, err := loadDocument(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	tree := status.NewTree(doc)
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "reopen: task_id required")
		return 1
	}
	// reopen moves a finished task back into focus: DONE -> ACTIVE, not back
	// to PENDING, so it resumes exactly where a fresh SetActive would.
	if err := tree.SetActive(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExitCode(err)
	}
	return saveDocument(root, doc)
}

// classifyExitCode maps an error into the process's exit status:
//
//	0   success
//	1   usage / generic error
//	2   integrity/validation failure (status.md invariant violation, or a
//	    safepath jailbreak rejection, which the document layer also
//	    surfaces as a ValidationError)
//	3   tamper detected (the document's digest no longer matches its
//	    sidecar record)
//	130 interrupted (SIGINT/SIGTERM)
func classifyExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	if isIntegrityError(err) {
		return 3
	}
	if isValidationError(err) || isSecurityError(err) {
		return 2
	}
	return 1
}
