// Package events defines the lifecycle event payloads the orchestrator
// publishes to an EventBus as instances transition between states.
package events

import "time"

// VMStatus is the lifecycle stage carried on an event payload.
type VMStatus string

const (
	VMStatusPending  VMStatus = "pending"
	VMStatusStarting VMStatus = "starting"
	VMStatusRunning  VMStatus = "running"
	VMStatusStopped  VMStatus = "stopped"
	VMStatusCrashed  VMStatus = "crashed"
)

// VMEvent describes a significant change in an instance's lifecycle.
type VMEvent struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Status    VMStatus  `json:"status"`
	PID       *int64    `json:"pid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

const (
	TypeVMCreated = "VM_CREATED"
	TypeVMRunning = "VM_RUNNING"
	TypeVMStopped = "VM_STOPPED"
	TypeVMCrashed = "VM_CRASHED"
	TypeVMDeleted = "VM_DELETED"
)

// TopicVMEvents is the event bus topic the orchestrator publishes to.
const TopicVMEvents = "orchestrator.vm.events"
