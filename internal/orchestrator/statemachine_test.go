package orchestrator

import "testing"

func TestCheckTransitionRejectsDoubleStart(t *testing.T) {
	if err := checkTransition("start", StateRunning, false); err == nil {
		t.Fatal("expected ErrStateConflict starting an already-running instance")
	}
}

func TestCheckTransitionAllowsStartFromStopped(t *testing.T) {
	if err := checkTransition("start", StateStopped, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckTransitionForceOverridesStop(t *testing.T) {
	if err := checkTransition("stop", StateCreating, false); err == nil {
		t.Fatal("expected rejection without force")
	}
	if err := checkTransition("stop", StateCreating, true); err != nil {
		t.Fatalf("force stop should be permitted from any state: %v", err)
	}
}
