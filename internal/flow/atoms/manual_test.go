package atoms

import (
	"context"
	"testing"

	"github.com/vsavkov/statusflow/internal/flow/registry"
)

func TestManualIntervention_ReportsPending(t *testing.T) {
	a := ManualIntervention{}
	res, err := a.Run(context.Background(), registry.Context{TaskID: "1.2"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.ResultPending {
		t.Fatalf("status = %v, want Pending", res.Status)
	}
}
