//go:build linux

package linux

import (
	"context"
	"regexp"
	"testing"

	"github.com/polunzh/aiva/internal/platform"
)

func TestAllocateCIDIsStableAndUnique(t *testing.T) {
	d := &Driver{cids: make(map[string]uint32)}

	a := d.allocateCID("web")
	b := d.allocateCID("worker")
	again := d.allocateCID("web")

	if a != again {
		t.Errorf("allocateCID(%q) not stable: %d != %d", "web", a, again)
	}
	if a == b {
		t.Errorf("allocateCID assigned the same CID to two different instances: %d", a)
	}
	if a < vsockCIDBase || b < vsockCIDBase {
		t.Errorf("allocated CIDs below base: %d, %d (base %d)", a, b, vsockCIDBase)
	}
}

var macPattern = regexp.MustCompile(`^02(:[0-9a-f]{2}){5}$`)

func TestDeriveMACIsLocallyAdministered(t *testing.T) {
	mac := deriveMAC("web")
	if !macPattern.MatchString(mac) {
		t.Errorf("deriveMAC() = %q, does not match expected pattern", mac)
	}
}

func TestDeriveMACIsStablePerName(t *testing.T) {
	if deriveMAC("web") != deriveMAC("web") {
		t.Error("deriveMAC() should be stable across calls for the same name")
	}
	if deriveMAC("web") == deriveMAC("worker") {
		t.Error("deriveMAC() produced the same MAC for two different names")
	}
}

type fakeBridge struct {
	torn []string
}

func (b *fakeBridge) PrepareTap(ctx context.Context, vmName, mac string) (string, error) {
	return "aiva-" + vmName, nil
}

func (b *fakeBridge) CleanupTap(ctx context.Context, tap string) error {
	b.torn = append(b.torn, tap)
	return nil
}

type fakeProc struct {
	stopped bool
	done    chan error
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan error)} }

func (p *fakeProc) Name() string          { return "web" }
func (p *fakeProc) PID() int              { return 1234 }
func (p *fakeProc) APISocketPath() string { return "" }
func (p *fakeProc) Stop(ctx context.Context) error {
	p.stopped = true
	return nil
}
func (p *fakeProc) Wait() <-chan error { return p.done }

type fakeInstanceView struct {
	name, tap string
	drives    []platform.BlockDevice
}

func (v fakeInstanceView) InstanceName() string                     { return v.name }
func (v fakeInstanceView) APISocketPath() string                    { return "" }
func (v fakeInstanceView) TapDevice() string                        { return v.tap }
func (v fakeInstanceView) VsockCID() uint32                         { return 1000 }
func (v fakeInstanceView) CPUCores() int                            { return 1 }
func (v fakeInstanceView) MemoryMB() int                            { return 512 }
func (v fakeInstanceView) DiskGB() int                              { return 2 }
func (v fakeInstanceView) KernelPath() string                       { return "" }
func (v fakeInstanceView) RootFSPath() string                       { return "" }
func (v fakeInstanceView) KernelCmdline() string                    { return "" }
func (v fakeInstanceView) GuestIP() string                          { return "" }
func (v fakeInstanceView) HostIP() string                           { return "" }
func (v fakeInstanceView) Gateway() string                          { return "" }
func (v fakeInstanceView) AdditionalDrives() []platform.BlockDevice { return v.drives }

var _ platform.InstanceView = fakeInstanceView{}

// fakeBootClient records nothing about invocation order itself; buildBootSteps
// is what fixes the order, this fake just needs to satisfy bootClient so the
// steps can be built without a real firecracker socket.
type fakeBootClient struct{}

func (fakeBootClient) ConfigureMachine(ctx context.Context, vcpuCount, memSizeMiB int) error {
	return nil
}
func (fakeBootClient) ConfigureBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return nil
}
func (fakeBootClient) ConfigureDrive(ctx context.Context, driveID, pathOnHost string, readOnly bool) error {
	return nil
}
func (fakeBootClient) ConfigureNetwork(ctx context.Context, ifaceID, tapDevice string) error {
	return nil
}
func (fakeBootClient) ConfigureVsock(ctx context.Context, guestCID uint32, udsPath string) error {
	return nil
}
func (fakeBootClient) StartInstance(ctx context.Context) error { return nil }

func TestBuildBootStepsOrdersNetworkBeforeAdditionalDrives(t *testing.T) {
	inst := fakeInstanceView{
		name: "web",
		drives: []platform.BlockDevice{
			{Name: "data", Path: "/var/lib/aiva/web/data.img"},
			{Name: "scratch", Path: "/var/lib/aiva/web/scratch.img"},
		},
	}
	steps := buildBootSteps(context.Background(), fakeBootClient{}, inst, "/var/lib/aiva/web/rootfs.img", "aiva-web", "/run/aiva/web.vsock")

	got := make([]string, len(steps))
	for i, s := range steps {
		got[i] = s.name
	}
	want := []string{
		"machine-config",
		"boot-source",
		"drives/rootfs",
		"network-interfaces/eth0",
		"drives/data",
		"drives/scratch",
		"vsock",
		"actions/InstanceStart",
	}
	if len(got) != len(want) {
		t.Fatalf("buildBootSteps() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buildBootSteps() step %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestStopCleansUpTapDevice(t *testing.T) {
	bridge := &fakeBridge{}
	proc := newFakeProc()
	d := &Driver{
		bridge: bridge,
		procs:  map[string]Instance{"web": proc},
	}

	inst := fakeInstanceView{name: "web", tap: "aiva-web"}
	if err := d.Stop(context.Background(), inst, true); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if !proc.stopped {
		t.Error("Stop() did not stop the tracked process")
	}
	if len(bridge.torn) != 1 || bridge.torn[0] != "aiva-web" {
		t.Errorf("Stop() tap cleanup = %v, want [aiva-web]", bridge.torn)
	}
}
