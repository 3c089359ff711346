package orchestrator

import "fmt"

// ErrStateConflict is returned when an operation is attempted from a
// VMState that does not permit it, before any driver call is made.
type ErrStateConflict struct {
	Op    string
	State VMState
}

func (e *ErrStateConflict) Error() string {
	return fmt.Sprintf("orchestrator: cannot %s instance in state %q", e.Op, e.State)
}

// legalFrom lists, for each verb, the states from which it may run. Any
// state absent from a verb's list fails fast with ErrStateConflict before
// the platform driver is ever invoked.
var legalFrom = map[string][]VMState{
	"create": {},          // only legal on a not-yet-registered name
	"start":  {StateStopped},
	"stop":   {StateRunning, StatePaused, StateStopping},
	"delete": {StateStopped},
	"deploy": {StateStopped, StateRunning},
	"run":    {StateRunning},
}

// checkTransition validates that op may run against an instance currently
// in state cur. force bypasses the check for stop/delete only, matching
// the documented force-stop/force-delete escape hatches.
func checkTransition(op string, cur VMState, force bool) error {
	allowed, ok := legalFrom[op]
	if !ok {
		return nil
	}
	for _, s := range allowed {
		if s == cur {
			return nil
		}
	}
	if force && (op == "stop" || op == "delete") {
		return nil
	}
	return &ErrStateConflict{Op: op, State: cur}
}
