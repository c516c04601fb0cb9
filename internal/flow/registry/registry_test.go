package registry

import (
	"context"
	"testing"
)

type echoAtom struct {
	schema map[string]any
}

func (e *echoAtom) Name() string                { return "echo" }
func (e *echoAtom) ParamSchema() map[string]any { return e.schema }
func (e *echoAtom) Run(ctx context.Context, rc Context, params map[string]any) (Result, error) {
	return Result{Status: ResultDone, ContextUpdate: params}, nil
}

func TestRegister_And_Dispatch(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoAtom{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := r.Dispatch(context.Background(), "echo", Context{}, map[string]any{"x": 1.0})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != ResultDone {
		t.Errorf("status = %v", res.Status)
	}
}

func TestDispatch_UnknownAtom(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Dispatch(context.Background(), "missing", Context{}, nil); err == nil {
		t.Fatal("expected error for unknown atom")
	}
}

func TestDispatch_SchemaViolation(t *testing.T) {
	r := NewRegistry()
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"count": map[string]any{"type": "integer"}},
		"required":   []any{"count"},
	}
	if err := r.Register(&echoAtom{schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Dispatch(context.Background(), "echo", Context{}, map[string]any{})
	if err == nil {
		t.Fatal("expected ContractViolation")
	}
	if _, ok := err.(*ContractViolation); !ok {
		t.Fatalf("expected *ContractViolation, got %T: %v", err, err)
	}
}

func TestDispatch_SchemaSatisfied(t *testing.T) {
	r := NewRegistry()
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"count": map[string]any{"type": "integer"}},
		"required":   []any{"count"},
	}
	if err := r.Register(&echoAtom{schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Dispatch(context.Background(), "echo", Context{}, map[string]any{"count": 3.0}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestResult_Validate_RequiresFailureReason(t *testing.T) {
	r := Result{Status: ResultFail}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error for missing failure_reason")
	}
	r.FailureReason = "boom"
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCheckConsistency_NoBrokenAtoms(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&echoAtom{})
	broken := r.CheckConsistency()
	if len(broken) != 0 {
		t.Fatalf("expected no broken atoms, got %v", broken)
	}
}
