package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/polunzh/aiva/internal/commandchannel"
	"github.com/polunzh/aiva/internal/commandpool"
	"github.com/polunzh/aiva/internal/orchestrator/portledger"
	"github.com/polunzh/aiva/internal/orchestrator/vmconfig"
	"github.com/polunzh/aiva/internal/platform"
)

// fakeDriver is a scriptable platform.Driver for exercising Engine without
// any real virtualization backend.
type fakeDriver struct {
	createErr error
	startErr  error
	stopErr   error
	deleteErr error

	createCalls int
	startCalls  int
	stopCalls   int
	deleteCalls int
}

func (d *fakeDriver) Probe(ctx context.Context) (platform.Capabilities, error) {
	return platform.Capabilities{Virtualization: true}, nil
}
func (d *fakeDriver) EnsureHostReady(ctx context.Context) error { return nil }

func (d *fakeDriver) Create(ctx context.Context, inst platform.InstanceView) (platform.RuntimeInfo, error) {
	d.createCalls++
	if d.createErr != nil {
		return platform.RuntimeInfo{}, d.createErr
	}
	return platform.RuntimeInfo{TapDevice: "tap-" + inst.InstanceName(), VsockCID: 1000}, nil
}

func (d *fakeDriver) Start(ctx context.Context, inst platform.InstanceView) (platform.RuntimeInfo, error) {
	d.startCalls++
	if d.startErr != nil {
		return platform.RuntimeInfo{}, d.startErr
	}
	pid := 4242
	return platform.RuntimeInfo{PID: &pid, APISocket: "/tmp/fake.sock"}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, inst platform.InstanceView, force bool) error {
	d.stopCalls++
	return d.stopErr
}

func (d *fakeDriver) Delete(ctx context.Context, inst platform.InstanceView) error {
	d.deleteCalls++
	return d.deleteErr
}

func (d *fakeDriver) Status(ctx context.Context, inst platform.InstanceView) (platform.StatusReport, error) {
	return platform.StatusReport{Running: true, Metrics: &platform.Metrics{MemoryUsedMB: 128}}, nil
}

func (d *fakeDriver) CommandPool(inst platform.InstanceView) (*commandpool.Pool, error) {
	dial := func(ctx context.Context) (*commandchannel.Channel, error) {
		return nil, errors.New("fakeDriver: no real command channel available")
	}
	return commandpool.New(commandpool.Options{Dial: dial}), nil
}

var _ platform.Driver = (*fakeDriver)(nil)

func newTestEngine(t *testing.T) (Engine, *Registry, *fakeDriver) {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "instances"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ledger, err := portledger.Open(filepath.Join(dir, "ports.db"))
	if err != nil {
		t.Fatalf("portledger.Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	driver := &fakeDriver{}
	eng, err := New(Params{
		HomeDir:    dir,
		Registry:   reg,
		PortLedger: ledger,
		Driver:     driver,
		Platform:   "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, reg, driver
}

func TestInitStartStopDeleteRoundTrip(t *testing.T) {
	ctx := t.Context()
	eng, reg, driver := newTestEngine(t)

	inst, err := eng.Init(ctx, InitRequest{Name: "web-1", Template: "python3-uv"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if inst.State != StateStopped {
		t.Fatalf("Init: state = %q, want %q", inst.State, StateStopped)
	}

	inst, err = eng.Start(ctx, "web-1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.State != StateRunning {
		t.Fatalf("Start: state = %q, want %q", inst.State, StateRunning)
	}
	if inst.Runtime.PID == nil || *inst.Runtime.PID != 4242 {
		t.Fatalf("Start: runtime PID not persisted: %+v", inst.Runtime)
	}

	if err := eng.Stop(ctx, "web-1", false); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := eng.Delete(ctx, "web-1", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := reg.Get("web-1"); err == nil {
		t.Fatal("Delete: registry entry still present")
	}

	if driver.createCalls != 1 || driver.startCalls != 1 || driver.stopCalls != 1 || driver.deleteCalls != 1 {
		t.Fatalf("unexpected driver call counts: %+v", driver)
	}
}

func TestDoubleStartReturnsStateConflictAndLeavesRegistryUntouched(t *testing.T) {
	ctx := t.Context()
	eng, reg, _ := newTestEngine(t)

	if _, err := eng.Init(ctx, InitRequest{Name: "web-2", Template: "python3-uv"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := eng.Start(ctx, "web-2", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before, err := reg.Get("web-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	beforeJSON, _ := json.Marshal(before)

	_, err = eng.Start(ctx, "web-2", nil)
	var conflict *ErrStateConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrStateConflict on double start, got %v", err)
	}

	after, err := reg.Get("web-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	afterJSON, _ := json.Marshal(after)
	if string(beforeJSON) != string(afterJSON) {
		t.Fatalf("registry entry changed after a rejected double start:\nbefore: %s\nafter:  %s", beforeJSON, afterJSON)
	}
}

func TestInitRequiresTemplateOrConfig(t *testing.T) {
	ctx := t.Context()
	eng, _, _ := newTestEngine(t)

	if _, err := eng.Init(ctx, InitRequest{Name: "web-3"}); err == nil {
		t.Fatal("expected validation error for init with no template or config")
	}
}

func TestDeleteReleasesPortLedgerReservations(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "instances"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ledger, err := portledger.Open(filepath.Join(dir, "ports.db"))
	if err != nil {
		t.Fatalf("portledger.Open: %v", err)
	}
	defer ledger.Close()

	eng, err := New(Params{HomeDir: dir, Registry: reg, PortLedger: ledger, Driver: &fakeDriver{}, Platform: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := vmconfig.Config{
		Resources: vmconfig.Resources{CPUCores: 1, MemoryMB: 512, DiskGB: 2},
		Network: vmconfig.NetworkConfig{
			PortMappings: []vmconfig.PortMapping{{HostPort: 8080, GuestPort: 80, Protocol: "tcp"}},
		},
	}
	if _, err := eng.Init(ctx, InitRequest{Name: "web-4", Config: &cfg}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ledger.Reserve("web-4", 8080, "tcp"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := eng.Delete(ctx, "web-4", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	count, err := ledger.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("port ledger still has %d reservations after delete", count)
	}
}
