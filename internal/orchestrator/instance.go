// Package orchestrator implements the VM lifecycle verbs (init, start,
// stop, delete, status, deploy, logs, run, data_sync/list), the on-disk
// instance registry, and the state machine that guards which driver calls
// are legal from which VMState. The config_get/set/list verbs are served
// by internal/server/config's UserConfig, not by this package.
package orchestrator

import (
	"time"

	"github.com/polunzh/aiva/internal/orchestrator/vmconfig"
)

// VMState is the lifecycle stage of a managed instance.
type VMState string

const (
	StateCreating VMState = "creating"
	StateRunning  VMState = "running"
	StatePaused   VMState = "paused"
	StateStopping VMState = "stopping"
	StateStopped  VMState = "stopped"
	StateError    VMState = "error"
)

// RuntimeInfo captures what's actually running for an instance, populated
// once Create/Start succeed and cleared on Delete.
type RuntimeInfo struct {
	PID          *int           `json:"pid,omitempty"`
	APISocket    string         `json:"api_socket,omitempty"`
	VsockCID     uint32         `json:"vsock_cid,omitempty"`
	TapDevice    string         `json:"tap_device,omitempty"`
	SerialSocket string         `json:"serial_socket,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Instance is the persisted record for one managed microVM.
type Instance struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	State     VMState         `json:"state"`
	ErrorMsg  string          `json:"error_message,omitempty"`
	Config    vmconfig.Config `json:"config"`
	Runtime   RuntimeInfo     `json:"runtime"`
	Platform  string          `json:"platform,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep-enough copy safe to mutate independently of the
// original (used before handing a record out of the registry's lock).
func (i Instance) Clone() Instance {
	out := i
	out.Config = i.Config.Clone()
	if i.Runtime.PID != nil {
		pid := *i.Runtime.PID
		out.Runtime.PID = &pid
	}
	if i.Runtime.Extra != nil {
		out.Runtime.Extra = make(map[string]any, len(i.Runtime.Extra))
		for k, v := range i.Runtime.Extra {
			out.Runtime.Extra[k] = v
		}
	}
	return out
}
