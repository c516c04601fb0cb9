package procwatch

import (
	"os"
	"testing"
)

func TestAlive_SelfProcess(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("expected current process to be reported alive")
	}
}

func TestOwner_IsStale_ZeroPID(t *testing.T) {
	o := Owner{PID: 0}
	if !o.IsStale() {
		t.Fatal("expected zero PID to be stale")
	}
}

func TestOwner_IsStale_NegativePID(t *testing.T) {
	o := Owner{PID: -5}
	if !o.IsStale() {
		t.Fatal("expected negative PID to be stale")
	}
}

func TestOwner_IsStale_ImplausiblyHighPID(t *testing.T) {
	o := Owner{PID: 1 << 30}
	if !o.IsStale() {
		t.Fatal("expected unassigned PID to be reported stale")
	}
}
