// Package linux implements the Firecracker-based platform.Driver for hosts
// with native KVM and AF_VSOCK support.

//go:build linux

package linux

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/polunzh/aiva/internal/commandchannel"
	"github.com/polunzh/aiva/internal/commandpool"
	"github.com/polunzh/aiva/internal/platform"
	"github.com/polunzh/aiva/internal/platform/network"
	"github.com/polunzh/aiva/internal/shared/logging"
	"github.com/polunzh/aiva/internal/transport"
	"github.com/polunzh/aiva/internal/transport/vsocktransport"
)

const (
	commandPort   = uint32(52000)
	vsockCIDBase  = uint32(1000)
	socketTimeout = 6 * time.Second
)

var driverLogger = logging.New("platform.linux")

// bootStep is one named call in the machine-config -> ... -> InstanceStart
// sequence Start drives the firecracker API socket through.
type bootStep struct {
	name string
	run  func() error
}

// bootClient is the subset of FirecrackerClient the boot sequence calls,
// narrowed so buildBootSteps can be exercised against a fake in tests.
type bootClient interface {
	ConfigureMachine(ctx context.Context, vcpuCount, memSizeMiB int) error
	ConfigureBootSource(ctx context.Context, kernelPath, bootArgs string) error
	ConfigureDrive(ctx context.Context, driveID, pathOnHost string, readOnly bool) error
	ConfigureNetwork(ctx context.Context, ifaceID, tapDevice string) error
	ConfigureVsock(ctx context.Context, guestCID uint32, udsPath string) error
	StartInstance(ctx context.Context) error
}

// buildBootSteps returns the boot-configuration call sequence in the strict
// order Firecracker requires: machine-config, boot-source, drives/rootfs,
// network-interfaces/eth0, one drives/<id> per additional disk (network must
// be attached before any extra drives are), vsock, then actions/InstanceStart.
func buildBootSteps(ctx context.Context, client bootClient, inst platform.InstanceView, rootFSPath, tap, udsPath string) []bootStep {
	steps := []bootStep{
		{"machine-config", func() error { return client.ConfigureMachine(ctx, inst.CPUCores(), inst.MemoryMB()) }},
		{"boot-source", func() error { return client.ConfigureBootSource(ctx, inst.KernelPath(), inst.KernelCmdline()) }},
		{"drives/rootfs", func() error { return client.ConfigureDrive(ctx, "rootfs", rootFSPath, false) }},
		{"network-interfaces/eth0", func() error { return client.ConfigureNetwork(ctx, "eth0", tap) }},
	}
	for _, drive := range inst.AdditionalDrives() {
		drive := drive
		steps = append(steps, bootStep{"drives/" + drive.Name, func() error {
			return client.ConfigureDrive(ctx, drive.Name, drive.Path, drive.ReadOnly)
		}})
	}
	return append(steps,
		bootStep{"vsock", func() error { return client.ConfigureVsock(ctx, inst.VsockCID(), udsPath) }},
		bootStep{"actions/InstanceStart", func() error { return client.StartInstance(ctx) }},
	)
}

// Driver implements platform.Driver against a local Firecracker binary and
// native Linux bridge networking.
type Driver struct {
	BridgeName string

	images *ImageStore
	bridge network.Manager
	launch *Launcher
	dialer *vsocktransport.Dialer

	poolsMu sync.Mutex
	pools   map[string]*commandpool.Pool

	procMu sync.Mutex
	procs  map[string]Instance

	cidMu sync.Mutex
	cids  map[string]uint32
}

// NewDriver wires up a Linux-direct driver. baseImage is the shared rootfs
// image new instances are copied from.
func NewDriver(binary, runtimeDir, logDir, bridgeName, baseImage, imagesDir string) *Driver {
	return &Driver{
		BridgeName: bridgeName,
		images:     NewImageStore(baseImage, imagesDir),
		bridge:     network.NewBridgeManager(bridgeName),
		launch:     New(binary, runtimeDir, logDir),
		dialer:     vsocktransport.New(),
		pools:      make(map[string]*commandpool.Pool),
		procs:      make(map[string]Instance),
		cids:       make(map[string]uint32),
	}
}

// Probe reports whether /dev/kvm is accessible.
func (d *Driver) Probe(ctx context.Context) (platform.Capabilities, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return platform.Capabilities{Virtualization: false, Details: "no /dev/kvm: " + err.Error()}, nil
	}
	return platform.Capabilities{Virtualization: true, Details: "kvm available"}, nil
}

// EnsureHostReady is a no-op here; bridge and NAT provisioning is a
// separate, explicit setup step (internal/platform/linux/hostsetup) run
// once by an operator, not on every daemon start.
func (d *Driver) EnsureHostReady(ctx context.Context) error {
	return nil
}

// Create prepares the rootfs image and tap device for inst.
func (d *Driver) Create(ctx context.Context, inst platform.InstanceView) (platform.RuntimeInfo, error) {
	if _, err := d.images.Prepare(ctx, inst.InstanceName(), inst.DiskGB()); err != nil {
		return platform.RuntimeInfo{}, fmt.Errorf("linux: prepare rootfs: %w", err)
	}

	mac := deriveMAC(inst.InstanceName())
	tap, err := d.bridge.PrepareTap(ctx, inst.InstanceName(), mac)
	if err != nil {
		return platform.RuntimeInfo{}, fmt.Errorf("linux: prepare tap: %w", err)
	}

	cid := d.allocateCID(inst.InstanceName())
	return platform.RuntimeInfo{TapDevice: tap, VsockCID: cid}, nil
}

// Start launches the firecracker process and drives it through the
// machine-config -> boot-source -> drives -> network -> vsock ->
// InstanceStart sequence, then waits for the guest command endpoint to
// answer a ping.
func (d *Driver) Start(ctx context.Context, inst platform.InstanceView) (platform.RuntimeInfo, error) {
	driverLogger.Info("starting instance", "name", inst.InstanceName(), "vsock_cid", inst.VsockCID())

	// A prior stop tears the tap down; recreate it here rather than assuming
	// Create already provisioned one still standing.
	mac := deriveMAC(inst.InstanceName())
	tap, err := d.bridge.PrepareTap(ctx, inst.InstanceName(), mac)
	if err != nil {
		return platform.RuntimeInfo{}, fmt.Errorf("linux: prepare tap: %w", err)
	}

	spec := LaunchSpec{
		Name:          inst.InstanceName(),
		CPUCores:      inst.CPUCores(),
		MemoryMB:      inst.MemoryMB(),
		KernelCmdline: inst.KernelCmdline(),
		TapDevice:     tap,
		VsockCID:      inst.VsockCID(),
		RootFS:        d.images.PathFor(inst.InstanceName()),
	}

	proc, err := d.launch.Launch(ctx, spec)
	if err != nil {
		return platform.RuntimeInfo{}, fmt.Errorf("linux: launch: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, socketTimeout)
	defer cancel()
	if err := WaitForSocket(waitCtx, proc.APISocketPath(), socketTimeout); err != nil {
		_ = proc.Stop(ctx)
		return platform.RuntimeInfo{}, fmt.Errorf("linux: api socket never ready: %w", err)
	}

	client := NewFirecrackerClient(proc.APISocketPath())
	udsPath := proc.APISocketPath() + ".vsock"

	steps := buildBootSteps(ctx, client, inst, spec.RootFS, tap, udsPath)
	for _, step := range steps {
		if err := step.run(); err != nil {
			_ = proc.Stop(ctx)
			return platform.RuntimeInfo{}, fmt.Errorf("linux: %s: %w", step.name, err)
		}
	}

	d.procMu.Lock()
	d.procs[inst.InstanceName()] = proc
	d.procMu.Unlock()

	if err := d.waitForPing(ctx, inst); err != nil {
		_ = proc.Stop(ctx)
		d.procMu.Lock()
		delete(d.procs, inst.InstanceName())
		d.procMu.Unlock()
		return platform.RuntimeInfo{}, fmt.Errorf("linux: guest did not become healthy: %w", err)
	}

	pid := proc.PID()
	return platform.RuntimeInfo{
		PID:       &pid,
		APISocket: proc.APISocketPath(),
		VsockCID:  inst.VsockCID(),
		TapDevice: tap,
	}, nil
}

// waitForPing retries a ping command with exponential backoff (100ms up to
// a 2s-per-attempt cap) until it succeeds, 30s pass, or ctx expires.
func (d *Driver) waitForPing(ctx context.Context, inst platform.InstanceView) error {
	pool, err := d.CommandPool(inst)
	if err != nil {
		return err
	}
	ctx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	defer cancelWait()
	backoff := 100 * time.Millisecond
	const capDelay = 2 * time.Second
	for {
		pingCtx, cancel := context.WithTimeout(ctx, backoff)
		_, err := pool.Execute(pingCtx, commandchannel.Request{Cmd: "ping"})
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > capDelay {
			backoff = capDelay
		}
	}
}

// Stop shuts the VM down gracefully via the firecracker API, falling back
// to killing the tracked process group when force is set, the API call
// fails, or no api socket is on record (e.g. a crashed process).
func (d *Driver) Stop(ctx context.Context, inst platform.InstanceView, force bool) error {
	driverLogger.Info("stopping instance", "name", inst.InstanceName(), "force", force)
	d.procMu.Lock()
	proc, tracked := d.procs[inst.InstanceName()]
	d.procMu.Unlock()

	if !tracked {
		return nil
	}

	if !force && inst.APISocketPath() != "" {
		client := NewFirecrackerClient(inst.APISocketPath())
		graceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.ShutdownVM(graceCtx)
		cancel()
		if err == nil {
			select {
			case <-proc.Wait():
			case <-time.After(5 * time.Second):
			}
		}
	}

	err := proc.Stop(ctx)
	d.procMu.Lock()
	delete(d.procs, inst.InstanceName())
	d.procMu.Unlock()
	if err != nil {
		return fmt.Errorf("linux: stop: %w", err)
	}

	if inst.TapDevice() != "" {
		if err := d.bridge.CleanupTap(ctx, inst.TapDevice()); err != nil {
			return fmt.Errorf("linux: cleanup tap: %w", err)
		}
	}
	return nil
}

// Delete cleans up the tap device, command pool, and rootfs image for inst.
func (d *Driver) Delete(ctx context.Context, inst platform.InstanceView) error {
	if inst.TapDevice() != "" {
		if err := d.bridge.CleanupTap(ctx, inst.TapDevice()); err != nil {
			return fmt.Errorf("linux: cleanup tap: %w", err)
		}
	}

	d.poolsMu.Lock()
	pool, ok := d.pools[inst.InstanceName()]
	delete(d.pools, inst.InstanceName())
	d.poolsMu.Unlock()
	if ok {
		_ = pool.Shutdown(ctx)
	}

	d.cidMu.Lock()
	delete(d.cids, inst.InstanceName())
	d.cidMu.Unlock()

	return d.images.Remove(inst.InstanceName())
}

// Status reports whether the tracked process is still alive and, best
// effort, samples its resource usage.
func (d *Driver) Status(ctx context.Context, inst platform.InstanceView) (platform.StatusReport, error) {
	d.procMu.Lock()
	proc, tracked := d.procs[inst.InstanceName()]
	d.procMu.Unlock()
	if !tracked {
		return platform.StatusReport{Running: false}, nil
	}

	select {
	case <-proc.Wait():
		return platform.StatusReport{Running: false}, nil
	default:
	}

	metrics := sampleMetrics(proc.PID(), inst.TapDevice())
	return platform.StatusReport{Running: true, Metrics: &metrics}, nil
}

// CommandPool returns (creating if necessary) the pool of command-channel
// connections to inst's guest agent, dialed over vsock.
func (d *Driver) CommandPool(inst platform.InstanceView) (*commandpool.Pool, error) {
	d.poolsMu.Lock()
	defer d.poolsMu.Unlock()

	if pool, ok := d.pools[inst.InstanceName()]; ok {
		return pool, nil
	}

	cid := inst.VsockCID()
	dial := func(ctx context.Context) (*commandchannel.Channel, error) {
		conn, err := d.dialer.Connect(ctx, transport.VsockTarget{CID: cid, Port: commandPort}, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return commandchannel.New(conn), nil
	}
	pool := commandpool.New(commandpool.Options{
		Dial:        dial,
		MaxConns:    4,
		IdleTimeout: 30 * time.Second,
	})
	d.pools[inst.InstanceName()] = pool
	return pool, nil
}

func (d *Driver) allocateCID(name string) uint32 {
	d.cidMu.Lock()
	defer d.cidMu.Unlock()
	if cid, ok := d.cids[name]; ok {
		return cid
	}
	cid := vsockCIDBase + uint32(len(d.cids))
	d.cids[name] = cid
	return cid
}

func deriveMAC(name string) string {
	sum := sha256.Sum256([]byte(name))
	// Locally-administered unicast address derived from the instance name so
	// stop/start round-trips recreate the tap with the same MAC each time.
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x", sum[0], sum[1], sum[2], sum[3], sum[4])
}

var _ platform.Driver = (*Driver)(nil)
