// Package platform defines the Driver contract shared by the three
// concrete hypervisor backends (Linux-direct, nested-macOS, nested-WSL)
// and the probe-based selector that picks one at daemon startup.
package platform

import (
	"context"

	"github.com/polunzh/aiva/internal/commandpool"
)

// Capabilities reports what a driver found when probed.
type Capabilities struct {
	Virtualization bool
	Details        string
}

// StatusReport is returned by Driver.Status.
type StatusReport struct {
	Running bool
	Metrics *Metrics
}

// Metrics mirrors the guest-reported or /proc-sampled resource usage of a
// running instance.
type Metrics struct {
	CPUUsagePercent float64
	MemoryUsedMB    uint64
	MemoryTotalMB   uint64
	RxBytes         uint64
	TxBytes         uint64
	UptimeSeconds   uint64
	Stub            bool // true when the value came from a hardcoded fallback
}

// InstanceView is the minimal read-only shape a Driver needs about the
// instance it's operating on; kept narrow so platform doesn't import
// orchestrator (which imports platform), avoiding a cycle.
type InstanceView interface {
	InstanceName() string
	APISocketPath() string
	TapDevice() string
	VsockCID() uint32
	CPUCores() int
	MemoryMB() int
	DiskGB() int
	KernelPath() string
	RootFSPath() string
	KernelCmdline() string
	GuestIP() string
	HostIP() string
	Gateway() string
	// AdditionalDrives lists extra block devices to attach beyond the root
	// filesystem, in the order they should be configured.
	AdditionalDrives() []BlockDevice
}

// BlockDevice is an extra drive a driver attaches beyond the root
// filesystem. Mirrors vmconfig.BlockDevice without importing orchestrator.
type BlockDevice struct {
	Name     string
	Path     string
	ReadOnly bool
}

// RuntimeInfo carries the host-side resources a driver allocated back to the
// orchestrator so it can persist them onto the instance record. Fields left
// zero-valued are left untouched by the caller's merge.
type RuntimeInfo struct {
	PID          *int
	APISocket    string
	VsockCID     uint32
	TapDevice    string
	SerialSocket string
}

// Driver is the contract every hypervisor backend implements.
type Driver interface {
	// Probe reports whether this driver's virtualization prerequisites are
	// present, without mutating host state. Idempotent.
	Probe(ctx context.Context) (Capabilities, error)
	// EnsureHostReady performs one-time host setup (bridge, NAT rules, or
	// nested helper VM bring-up). Idempotent.
	EnsureHostReady(ctx context.Context) error
	// Create allocates host-side resources (rootfs image, tap device) for
	// inst but does not start it, returning the allocated TapDevice for the
	// orchestrator to persist. Idempotent.
	Create(ctx context.Context, inst InstanceView) (RuntimeInfo, error)
	// Start boots inst and blocks until its command endpoint responds to a
	// health probe or ctx expires, returning the process/vsock identifiers
	// the orchestrator persists onto the instance record. Not idempotent:
	// calling Start on an already-running instance is a caller error caught
	// by the state machine before it reaches here.
	Start(ctx context.Context, inst InstanceView) (RuntimeInfo, error)
	// Stop halts inst. force skips graceful shutdown and kills outright.
	// Idempotent.
	Stop(ctx context.Context, inst InstanceView, force bool) error
	// Delete removes inst's host-side resources. Idempotent.
	Delete(ctx context.Context, inst InstanceView) error
	// Status reports whether inst is running and, best-effort, its metrics.
	// Idempotent.
	Status(ctx context.Context, inst InstanceView) (StatusReport, error)
	// CommandPool returns the command-channel pool bound to inst's command
	// endpoint, creating it on first call and reusing it thereafter.
	CommandPool(inst InstanceView) (*commandpool.Pool, error)
}
