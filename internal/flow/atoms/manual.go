// Package atoms provides the built-in atoms every registry ships with.
package atoms

import (
	"context"

	"github.com/vsavkov/statusflow/internal/flow/registry"
)

// ManualIntervention is the fallback atom dispatched when a task name
// matches no inline intent marker and no registered prefix. It always
// reports pending: a human has to act on the task before the engine can
// make progress, so the engine should stop advancing this branch rather
// than loop on it.
type ManualIntervention struct{}

func (ManualIntervention) Name() string                { return "manual_intervention" }
func (ManualIntervention) ParamSchema() map[string]any { return nil }

func (ManualIntervention) Run(ctx context.Context, rc registry.Context, params map[string]any) (registry.Result, error) {
	return registry.Result{
		Status: registry.ResultPending,
		Notes:  "no atom claimed this task; waiting for manual action on " + rc.TaskID,
	}, nil
}
