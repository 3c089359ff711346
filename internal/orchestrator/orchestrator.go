package orchestrator

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/polunzh/aiva/internal/commandchannel"
	"github.com/polunzh/aiva/internal/orchestrator/events"
	"github.com/polunzh/aiva/internal/orchestrator/portledger"
	"github.com/polunzh/aiva/internal/orchestrator/vmconfig"
	"github.com/polunzh/aiva/internal/platform"
	"github.com/polunzh/aiva/internal/shared/logging"
)

// EventBus is the narrow publish surface Engine uses to announce lifecycle
// transitions. internal/server/eventbus.Bus satisfies this; passing nil
// disables event publication entirely.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload any) error
}

var engineLogger = logging.New("orchestrator")

// ErrValidation groups user-input errors: bad names, missing templates,
// invalid overrides. Never wraps a driver or I/O failure.
var ErrValidation = errors.New("orchestrator: validation error")

// ErrTransition records a lifecycle step that failed partway through, the
// step name, and the underlying cause, always followed by a rollback
// attempt by the caller.
type ErrTransition struct {
	Step string
	Name string
	Err  error
}

func (e *ErrTransition) Error() string {
	return fmt.Sprintf("orchestrator: %s transition failed for %q: %v", e.Step, e.Name, e.Err)
}
func (e *ErrTransition) Unwrap() error { return e.Err }

// Engine is the method set every public verb hangs off. HTTP and CLI
// surfaces are thin adapters over this interface.
type Engine interface {
	Init(ctx context.Context, req InitRequest) (Instance, error)
	Start(ctx context.Context, name string, overrides *vmconfig.ResourcesPatch) (Instance, error)
	Stop(ctx context.Context, name string, force bool) error
	Delete(ctx context.Context, name string, force bool) error
	Status(ctx context.Context, name string) (InstanceStatus, error)
	StatusAll(ctx context.Context) ([]InstanceStatus, error)
	Deploy(ctx context.Context, name, imagePath string, restart bool) (Instance, error)
	Logs(ctx context.Context, name string, tail int) ([]string, error)
	LogsFollow(ctx context.Context, name string, w LineWriter) error
	Run(ctx context.Context, name, commandLine string, timeout time.Duration) (commandchannel.Response, error)
	DataSync(ctx context.Context, name, localPath, remotePath string) error
	DataList(ctx context.Context, name, remotePath string) ([]string, error)
	Shutdown(ctx context.Context) error
}

// LineWriter receives log lines as LogsFollow tails a running instance's
// log file.
type LineWriter interface {
	WriteLine(line string) error
}

// InitRequest carries init()'s inputs: either a named template or an
// explicit Config, never neither.
type InitRequest struct {
	Name     string
	Template string
	Config   *vmconfig.Config
}

// InstanceStatus is Status/StatusAll's return shape: the registry record
// plus a best-effort live metrics probe.
type InstanceStatus struct {
	Instance    Instance
	Metrics     *platform.Metrics
	ProbeError  string
}

// Params configures a new Engine.
type Params struct {
	HomeDir    string
	Registry   *Registry
	PortLedger *portledger.Ledger
	Driver     platform.Driver
	Platform   string
	DataChunkBytes int
	RunTimeout     time.Duration
	Events     EventBus
}

type engine struct {
	homeDir    string
	registry   *Registry
	ports      *portledger.Ledger
	driver     platform.Driver
	platform   string
	locks      *lockTable
	chunkBytes int
	runTimeout time.Duration
	events     EventBus
}

// New constructs the orchestrator Engine.
func New(p Params) (Engine, error) {
	if p.Registry == nil {
		return nil, fmt.Errorf("orchestrator: Registry is required")
	}
	if p.Driver == nil {
		return nil, fmt.Errorf("orchestrator: Driver is required")
	}
	chunk := p.DataChunkBytes
	if chunk <= 0 {
		chunk = 4 << 20 // 4 MiB, per spec.md's data_sync default
	}
	timeout := p.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &engine{
		homeDir:    p.HomeDir,
		registry:   p.Registry,
		ports:      p.PortLedger,
		driver:     p.Driver,
		platform:   p.Platform,
		locks:      newLockTable(filepath.Join(p.HomeDir, "instances")),
		chunkBytes: chunk,
		runTimeout: timeout,
		events:     p.Events,
	}, nil
}

// publish announces a lifecycle transition on the configured EventBus. A
// publish failure is logged, never propagated — event delivery is
// best-effort and must not fail an otherwise-successful verb.
func (e *engine) publish(ctx context.Context, typ string, status events.VMStatus, inst *Instance, message string) {
	if e.events == nil {
		return
	}
	evt := events.VMEvent{
		Type:      typ,
		Name:      inst.Name,
		Status:    status,
		Timestamp: time.Now(),
		Message:   message,
	}
	if inst.Runtime.PID != nil {
		pid := int64(*inst.Runtime.PID)
		evt.PID = &pid
	}
	if err := e.events.Publish(ctx, events.TopicVMEvents, evt); err != nil {
		engineLogger.Debug("event publish failed", "name", inst.Name, "type", typ, "error", err)
	}
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: instance name must not be empty", ErrValidation)
	}
	for _, r := range name {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		isDash := r == '-'
		if !isLower && !isDigit && !isDash {
			return fmt.Errorf("%w: instance name %q must be lowercase alphanumeric with dashes", ErrValidation, name)
		}
	}
	return nil
}

// Init validates name, resolves the sizing (a named template or an
// explicit Config), writes the Creating record, calls Driver.Create, and
// transitions to Stopped.
func (e *engine) Init(ctx context.Context, req InitRequest) (Instance, error) {
	if err := validateName(req.Name); err != nil {
		return Instance{}, err
	}

	held, err := e.locks.acquire(req.Name)
	if err != nil {
		return Instance{}, err
	}
	defer held.release()

	cfg, err := e.resolveInitConfig(req)
	if err != nil {
		return Instance{}, err
	}

	now := time.Now()
	inst := Instance{
		ID:        uuid.NewString(),
		Name:      req.Name,
		State:     StateCreating,
		Config:    cfg,
		Platform:  e.platform,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// registry.Create itself enforces the "not yet registered" precondition
	// legalFrom["create"] describes, by rejecting an existing name with
	// ErrExists.
	if err := e.registry.Create(inst); err != nil {
		return Instance{}, err
	}

	runtimeInfo, err := e.driver.Create(ctx, View(&inst))
	if err != nil {
		inst.State = StateError
		inst.ErrorMsg = err.Error()
		inst.UpdatedAt = time.Now()
		_ = e.registry.Update(inst)
		return Instance{}, &ErrTransition{Step: "create", Name: req.Name, Err: err}
	}

	mergeRuntimeInfo(&inst, runtimeInfo)
	inst.State = StateStopped
	inst.UpdatedAt = time.Now()
	if err := e.registry.Update(inst); err != nil {
		return Instance{}, err
	}
	engineLogger.Info("instance initialized", "name", req.Name)
	e.publish(ctx, events.TypeVMCreated, events.VMStatusStopped, &inst, "")
	return inst, nil
}

func (e *engine) resolveInitConfig(req InitRequest) (vmconfig.Config, error) {
	if req.Config != nil {
		cfg := *req.Config
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return vmconfig.Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return cfg, nil
	}
	if req.Template == "" {
		return vmconfig.Config{}, fmt.Errorf("%w: init requires either a template or an explicit config", ErrValidation)
	}
	res, err := ResourcesForTemplate(req.Template)
	if err != nil {
		return vmconfig.Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	cfg := vmconfig.Config{Template: req.Template, Resources: res}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return vmconfig.Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return cfg, nil
}

func mergeRuntimeInfo(inst *Instance, ri platform.RuntimeInfo) {
	if ri.PID != nil {
		inst.Runtime.PID = ri.PID
	}
	if ri.APISocket != "" {
		inst.Runtime.APISocket = ri.APISocket
	}
	if ri.VsockCID != 0 {
		inst.Runtime.VsockCID = ri.VsockCID
	}
	if ri.TapDevice != "" {
		inst.Runtime.TapDevice = ri.TapDevice
	}
	if ri.SerialSocket != "" {
		inst.Runtime.SerialSocket = ri.SerialSocket
	}
}

// Start checks the state machine, applies boot-only overrides, calls
// Driver.Start, and persists whatever RuntimeInfo the driver reports. On
// failure it rolls back with a forced Stop before returning, per the
// concurrency model's cancellation contract.
func (e *engine) Start(ctx context.Context, name string, overrides *vmconfig.ResourcesPatch) (Instance, error) {
	held, err := e.locks.acquire(name)
	if err != nil {
		return Instance{}, err
	}
	defer held.release()
	return e.startLocked(ctx, name, overrides)
}

// startLocked is Start's body for a caller that already holds name's lock.
func (e *engine) startLocked(ctx context.Context, name string, overrides *vmconfig.ResourcesPatch) (Instance, error) {
	inst, err := e.registry.Get(name)
	if err != nil {
		return Instance{}, err
	}
	if err := checkTransition("start", inst.State, false); err != nil {
		return Instance{}, err
	}

	if overrides != nil {
		cfg, err := vmconfig.Apply(inst.Config, vmconfig.Patch{Resources: overrides})
		if err != nil {
			return Instance{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		inst.Config = cfg
	}

	runtimeInfo, err := e.driver.Start(ctx, View(&inst))
	if err != nil {
		e.rollbackStart(context.WithoutCancel(ctx), &inst)
		return Instance{}, &ErrTransition{Step: "start", Name: name, Err: err}
	}

	mergeRuntimeInfo(&inst, runtimeInfo)
	inst.State = StateRunning
	inst.ErrorMsg = ""
	inst.UpdatedAt = time.Now()
	if err := e.registry.Update(inst); err != nil {
		return Instance{}, err
	}
	engineLogger.Info("instance started", "name", name)
	e.publish(ctx, events.TypeVMRunning, events.VMStatusRunning, &inst, "")
	return inst, nil
}

// rollbackStart force-stops a partially started instance so a failed
// Start never leaves an orphaned process behind.
func (e *engine) rollbackStart(ctx context.Context, inst *Instance) {
	if err := e.driver.Stop(ctx, View(inst), true); err != nil {
		engineLogger.Warn("rollback stop failed", "name", inst.Name, "error", err)
	}
	inst.State = StateError
	inst.ErrorMsg = "start failed, rolled back"
	inst.UpdatedAt = time.Now()
	_ = e.registry.Update(*inst)
	e.publish(ctx, events.TypeVMCrashed, events.VMStatusCrashed, inst, inst.ErrorMsg)
}

// Stop transitions Running/Paused/Stopping -> Stopping -> driver Stop ->
// Stopped.
func (e *engine) Stop(ctx context.Context, name string, force bool) error {
	held, err := e.locks.acquire(name)
	if err != nil {
		return err
	}
	defer held.release()

	inst, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := checkTransition("stop", inst.State, force); err != nil {
		return err
	}

	inst.State = StateStopping
	inst.UpdatedAt = time.Now()
	if err := e.registry.Update(inst); err != nil {
		return err
	}

	if err := e.driver.Stop(ctx, View(&inst), force); err != nil {
		inst.State = StateError
		inst.ErrorMsg = err.Error()
		inst.UpdatedAt = time.Now()
		_ = e.registry.Update(inst)
		return &ErrTransition{Step: "stop", Name: name, Err: err}
	}

	inst.State = StateStopped
	inst.ErrorMsg = ""
	inst.UpdatedAt = time.Now()
	if err := e.registry.Update(inst); err != nil {
		return err
	}
	engineLogger.Info("instance stopped", "name", name)
	e.publish(ctx, events.TypeVMStopped, events.VMStatusStopped, &inst, "")
	return nil
}

// Delete requires Stopped unless force, in which case a forced Stop runs
// first. On success it removes the driver's host resources, the port
// ledger's reservations, and the registry entry.
func (e *engine) Delete(ctx context.Context, name string, force bool) error {
	held, err := e.locks.acquire(name)
	if err != nil {
		return err
	}
	defer held.release()

	inst, err := e.registry.Get(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // idempotent
		}
		return err
	}

	if err := checkTransition("delete", inst.State, force); err != nil {
		return err
	}
	if inst.State != StateStopped {
		if err := e.driver.Stop(ctx, View(&inst), true); err != nil {
			return &ErrTransition{Step: "delete", Name: name, Err: err}
		}
	}

	if err := e.driver.Delete(ctx, View(&inst)); err != nil {
		return &ErrTransition{Step: "delete", Name: name, Err: err}
	}

	if e.ports != nil {
		if err := e.ports.ReleaseAll(name); err != nil {
			engineLogger.Warn("port ledger release failed", "name", name, "error", err)
		}
	}

	if err := e.registry.Delete(name); err != nil {
		return err
	}
	engineLogger.Info("instance deleted", "name", name)
	e.publish(ctx, events.TypeVMDeleted, events.VMStatusStopped, &inst, "")
	return nil
}

// Status is a lock-free read: the registry entry plus, for a Running
// instance, a best-effort Driver.Status probe. A probe failure never
// fails the call, it only downgrades to registry-only data.
func (e *engine) Status(ctx context.Context, name string) (InstanceStatus, error) {
	inst, err := e.registry.Get(name)
	if err != nil {
		return InstanceStatus{}, err
	}
	return e.probeStatus(ctx, inst), nil
}

// StatusAll lists every registered instance with the same best-effort
// metrics probe as Status.
func (e *engine) StatusAll(ctx context.Context) ([]InstanceStatus, error) {
	instances, errs := e.registry.List()
	for _, err := range errs {
		engineLogger.Warn("registry entry skipped", "error", err)
	}
	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, e.probeStatus(ctx, inst))
	}
	return out, nil
}

func (e *engine) probeStatus(ctx context.Context, inst Instance) InstanceStatus {
	status := InstanceStatus{Instance: inst}
	if inst.State != StateRunning {
		return status
	}
	report, err := e.driver.Status(ctx, View(&inst))
	if err != nil {
		status.ProbeError = err.Error()
		engineLogger.Warn("status probe failed", "name", inst.Name, "error", err)
		return status
	}
	status.Metrics = report.Metrics
	return status
}

// Deploy holds the instance's lock for the full sequence: validate the
// new image exists, stop (if running), swap the rootfs, and either
// restart or leave it Stopped for a manual start.
func (e *engine) Deploy(ctx context.Context, name, imagePath string, restart bool) (Instance, error) {
	held, err := e.locks.acquire(name)
	if err != nil {
		return Instance{}, err
	}
	defer held.release()

	if _, err := os.Stat(imagePath); err != nil {
		return Instance{}, fmt.Errorf("%w: image %q: %v", ErrValidation, imagePath, err)
	}

	inst, err := e.registry.Get(name)
	if err != nil {
		return Instance{}, err
	}
	if err := checkTransition("deploy", inst.State, false); err != nil {
		return Instance{}, err
	}

	wasRunning := inst.State == StateRunning
	if wasRunning {
		if err := e.driver.Stop(ctx, View(&inst), false); err != nil {
			return Instance{}, &ErrTransition{Step: "deploy", Name: name, Err: err}
		}
		inst.State = StateStopped
		inst.UpdatedAt = time.Now()
		if err := e.registry.Update(inst); err != nil {
			return Instance{}, err
		}
	}

	if err := swapRootFS(imagePath, inst.Config.RootFSPath); err != nil {
		return Instance{}, &ErrTransition{Step: "deploy", Name: name, Err: err}
	}
	inst.UpdatedAt = time.Now()
	if err := e.registry.Update(inst); err != nil {
		return Instance{}, err
	}

	if !restart {
		engineLogger.Info("instance deployed", "name", name, "restart", false)
		return inst, nil
	}

	return e.startLocked(ctx, name, nil)
}

func swapRootFS(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open new image: %w", err)
	}
	defer src.Close()

	tmp := dstPath + ".deploy-tmp"
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy new image: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync staging file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return fmt.Errorf("rename staging file into place: %w", err)
	}
	return nil
}

func (e *engine) logPath(name string) string {
	return filepath.Join(e.homeDir, "logs", name+".log")
}

// Logs reads up to tail lines from the instance's log file. tail<=0
// returns the whole file.
func (e *engine) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	f, err := os.Open(e.logPath(name))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open log for %q: %w", name, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: scan log for %q: %w", name, err)
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

// LogsFollow tails the instance's log file, writing appended lines to w
// until ctx is canceled.
func (e *engine) LogsFollow(ctx context.Context, name string, w LineWriter) error {
	path := e.logPath(name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("orchestrator: open log for %q: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("orchestrator: seek log for %q: %w", name, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("orchestrator: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("orchestrator: watch log for %q: %w", name, err)
	}

	reader := bufio.NewReader(f)
	drain := func() error {
		for {
			line, readErr := reader.ReadString('\n')
			if line != "" {
				if err := w.WriteLine(line); err != nil {
					return err
				}
			}
			if readErr != nil {
				return nil
			}
		}
	}
	if err := drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("orchestrator: watch error for %q: %w", name, err)
		}
	}
}

// Run issues a "run" command against the Running instance's command pool.
func (e *engine) Run(ctx context.Context, name, commandLine string, timeout time.Duration) (commandchannel.Response, error) {
	inst, err := e.registry.Get(name)
	if err != nil {
		return commandchannel.Response{}, err
	}
	if err := checkTransition("run", inst.State, false); err != nil {
		return commandchannel.Response{}, err
	}
	pool, err := e.driver.CommandPool(View(&inst))
	if err != nil {
		return commandchannel.Response{}, err
	}
	if timeout <= 0 {
		timeout = e.runTimeout
	}
	args, err := json.Marshal(map[string]string{"command_line": commandLine})
	if err != nil {
		return commandchannel.Response{}, err
	}
	return pool.Execute(ctx, commandchannel.Request{
		Cmd:       "run",
		Args:      args,
		TimeoutMS: uint32(timeout.Milliseconds()),
	})
}

// DataSync uploads localPath to remotePath inside the guest by issuing
// chunked fs.write commands over the command channel, base64-encoding
// each chunk (the wire's json envelope has no room for raw binary).
func (e *engine) DataSync(ctx context.Context, name, localPath, remotePath string) error {
	inst, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := checkTransition("run", inst.State, false); err != nil {
		return err
	}
	pool, err := e.driver.CommandPool(View(&inst))
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("orchestrator: open %q: %w", localPath, err)
	}
	defer f.Close()

	buf := make([]byte, e.chunkBytes)
	offset := int64(0)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			args, err := json.Marshal(map[string]any{
				"path":   remotePath,
				"offset": offset,
				"data":   base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if err != nil {
				return err
			}
			resp, err := pool.Execute(ctx, commandchannel.Request{Cmd: "fs.write", Args: args, TimeoutMS: uint32(e.runTimeout.Milliseconds())})
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				return &commandchannel.RemoteError{Message: resp.Error}
			}
			offset += int64(n)
		}
		if readErr != nil {
			break
		}
	}
	return nil
}

// DataList issues fs.list against remotePath inside the guest and returns
// the entry names the guest reports.
func (e *engine) DataList(ctx context.Context, name, remotePath string) ([]string, error) {
	inst, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := checkTransition("run", inst.State, false); err != nil {
		return nil, err
	}
	pool, err := e.driver.CommandPool(View(&inst))
	if err != nil {
		return nil, err
	}

	args, err := json.Marshal(map[string]string{"path": remotePath})
	if err != nil {
		return nil, err
	}
	resp, err := pool.Execute(ctx, commandchannel.Request{Cmd: "fs.list", Args: args, TimeoutMS: uint32(e.runTimeout.Milliseconds())})
	if err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, &commandchannel.RemoteError{Message: resp.Error}
	}
	var entries []string
	if err := json.Unmarshal(resp.Stdout, &entries); err != nil {
		return nil, fmt.Errorf("orchestrator: decode fs.list response: %w", err)
	}
	return entries, nil
}

// Shutdown closes the port ledger's database handle. Command pools are
// owned by the driver and are shut down by its own Delete/process
// teardown, not here.
func (e *engine) Shutdown(ctx context.Context) error {
	if e.ports != nil {
		return e.ports.Close()
	}
	return nil
}

var _ Engine = (*engine)(nil)
