//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Launcher spawns and supervises the Firecracker process for a microVM.
// Process-spawn, log redirection, and graceful-then-forceful stop are
// grounded on the upstream hypervisor launcher; the arguments passed
// differ since Firecracker is configured entirely over its API socket
// rather than via command-line flags.
type Launcher struct {
	Binary     string
	RuntimeDir string
	LogDir     string
}

// New returns a configured Launcher.
func New(binary, runtimeDir, logDir string) *Launcher {
	return &Launcher{Binary: binary, RuntimeDir: runtimeDir, LogDir: logDir}
}

// Launch starts firecracker for spec.Name, returning once the process has
// been spawned (not once it's ready to accept API requests — callers poll
// the socket separately via fcclient).
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("linux: firecracker binary path required")
	}
	if err := os.MkdirAll(l.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("linux: ensure runtime dir: %w", err)
	}
	logDir := l.LogDir
	if logDir == "" {
		logDir = l.RuntimeDir
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("linux: ensure log dir: %w", err)
	}

	apiSocket := filepath.Join(l.RuntimeDir, fmt.Sprintf("%s.sock", spec.Name))
	_ = os.Remove(apiSocket)

	logPath := filepath.Join(logDir, fmt.Sprintf("%s.log", spec.Name))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("linux: open log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Binary, "--api-sock", apiSocket, "--id", spec.Name)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so a force-stop can signal the whole group instead
	// of leaking a child process on kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("linux: start firecracker: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		done <- err
		close(done)
	}()

	return &instance{
		name:      spec.Name,
		cmd:       cmd,
		apiSocket: apiSocket,
		logFile:   logFile,
		done:      done,
	}, nil
}

type instance struct {
	name      string
	cmd       *exec.Cmd
	apiSocket string
	logFile   *os.File
	done      <-chan error
}

func (i *instance) Name() string          { return i.name }
func (i *instance) PID() int              { return i.cmd.Process.Pid }
func (i *instance) APISocketPath() string { return i.apiSocket }
func (i *instance) Wait() <-chan error    { return i.done }

// Stop sends SIGTERM to the process group, escalating to SIGKILL if the
// process hasn't exited within 30s.
func (i *instance) Stop(ctx context.Context) error {
	defer i.logFile.Close()
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if i.cmd.Process == nil {
		return nil
	}

	pgid := i.cmd.Process.Pid
	if err := unix.Kill(-pgid, syscall.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("linux: signal term: %w", err)
	}

	select {
	case err, ok := <-i.done:
		if ok && err != nil {
			_ = os.Remove(i.apiSocket)
			return fmt.Errorf("linux: wait: %w", err)
		}
	case <-stopCtx.Done():
		_ = unix.Kill(-pgid, syscall.SIGKILL)
		if err, ok := <-i.done; ok && err != nil {
			_ = os.Remove(i.apiSocket)
			return fmt.Errorf("linux: wait after kill: %w", err)
		}
	}

	_ = os.Remove(i.apiSocket)
	return nil
}

var (
	_ ProcessLauncher = (*Launcher)(nil)
	_ Instance        = (*instance)(nil)
)
