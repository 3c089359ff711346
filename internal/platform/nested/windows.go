package nested

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/polunzh/aiva/internal/shared/logging"
)

var wslLogger = logging.New("platform.nested.windows")

// WSLVM is the HelperVM backing the Windows nested driver: a WSL2 distro
// reached via `wsl.exe -d <distro> --`.
type WSLVM struct {
	Distro    string
	wslBinary string
}

// NewWSLVM constructs a WSLVM. If distro is empty, EnsureRunning picks the
// first of Ubuntu or Debian present in `wsl --list`.
func NewWSLVM(distro string) *WSLVM {
	return &WSLVM{Distro: distro, wslBinary: "wsl"}
}

// EnsureRunning verifies WSL2 is available, resolves a usable distro if
// none was configured, and checks binfmt_misc interop is enabled inside
// it (required for the vsock relay helper to run correctly).
func (w *WSLVM) EnsureRunning(ctx context.Context) error {
	statusCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	statusOut, err := exec.CommandContext(statusCtx, w.wslBinary, "--status").Output()
	if err != nil {
		return fmt.Errorf("nested/windows: wsl not found: %w", err)
	}
	status := string(statusOut)
	if !strings.Contains(status, "WSL version: 2") && !strings.Contains(status, "WSL 2") {
		return fmt.Errorf("nested/windows: WSL 2 is required for nested virtualization")
	}

	if w.Distro == "" {
		distro, err := w.resolveDistro(ctx)
		if err != nil {
			return err
		}
		w.Distro = distro
	}

	if _, _, err := w.Exec(ctx, "test -e /proc/sys/fs/binfmt_misc/WSLInterop"); err != nil {
		return fmt.Errorf("nested/windows: WSLInterop not enabled in %s: %w", w.Distro, err)
	}

	return nil
}

func (w *WSLVM) resolveDistro(ctx context.Context) (string, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(listCtx, w.wslBinary, "--list", "--quiet").Output()
	if err != nil {
		return "", fmt.Errorf("nested/windows: wsl --list: %w", err)
	}
	distros := string(out)
	switch {
	case strings.Contains(distros, "Ubuntu"):
		wslLogger.Info("using Ubuntu as WSL distribution")
		return "Ubuntu", nil
	case strings.Contains(distros, "Debian"):
		wslLogger.Info("using Debian as WSL distribution")
		return "Debian", nil
	default:
		return "", fmt.Errorf("nested/windows: no suitable WSL distribution found, install Ubuntu from the Microsoft Store")
	}
}

// Exec runs script inside the configured distro via `wsl -d <distro> --
// bash -c <script>`.
func (w *WSLVM) Exec(ctx context.Context, script string) (stdout, stderr []byte, err error) {
	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := []string{}
	if w.Distro != "" {
		args = append(args, "-d", w.Distro)
	}
	args = append(args, "--", "bash", "-c", script)

	cmd := exec.CommandContext(execCtx, w.wslBinary, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("nested/windows: exec in wsl: %w: %s", runErr, errBuf.String())
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// ForwardTCP, like the Lima backend, relies on a single aiva-nestedhelperd
// daemon inside the distro rather than an ssh -L style host-side forward,
// since WSL2's own NAT already exposes the distro's loopback to the
// Windows host on 127.0.0.1.
func (w *WSLVM) ForwardTCP(ctx context.Context, hostPort uint32, guestCID uint32, guestPort uint32) error {
	if err := w.ensureHelperDaemon(ctx); err != nil {
		return err
	}
	script := fmt.Sprintf(
		"curl -sf -X POST -H 'Content-Type: application/json' -d '{\"proto\":\"tcp\",\"host_port\":%d,\"cid\":%d,\"guest_port\":%d}' %s/forwards",
		hostPort, guestCID, guestPort, nestedHelperDaemonURL,
	)
	_, stderr, err := w.Exec(ctx, script)
	if err != nil {
		return fmt.Errorf("nested/windows: forward tcp: %w: %s", err, stderr)
	}
	return nil
}

// ensureHelperDaemon starts aiva-nestedhelperd inside the distro if it
// isn't already running. Idempotent: safe to call before every forward.
func (w *WSLVM) ensureHelperDaemon(ctx context.Context) error {
	script := "pgrep -f aiva-nestedhelperd >/dev/null 2>&1 || (nohup aiva-nestedhelperd >/tmp/aiva-nestedhelperd.log 2>&1 & sleep 1)"
	_, stderr, err := w.Exec(ctx, script)
	if err != nil {
		return fmt.Errorf("nested/windows: start nestedhelperd: %w: %s", err, stderr)
	}
	return nil
}

// windowsTemplates mirror macOSTemplates but target the WSL2 distro's
// filesystem layout, which is the same Debian/Ubuntu-derived paths as
// Lima's guest so the two template sets stay nearly identical.
var windowsTemplates = Templates{
	SetupHost: Template{
		Name: "setup_host",
		Body: `
set -e
sudo mkdir -p /var/lib/firecracker /var/run/firecracker /opt/aiva/images
sudo chmod 755 /var/lib/firecracker /var/run/firecracker /opt/aiva/images
command -v firecracker >/dev/null 2>&1 || {
  echo "firecracker binary missing from the WSL distro; install it before continuing" >&2
  exit 1
}
`,
	},
	CreateVM: Template{
		Name: "create_vm",
		Body: `
set -e
sudo mkdir -p /var/lib/firecracker/{{name}}
sudo chmod 755 /var/lib/firecracker/{{name}}
sudo cp /opt/aiva/images/base.rootfs.ext4 {{rootfs}}
sudo chmod 644 {{rootfs}}
sudo truncate -s {{disk_gb}}G {{rootfs}}
sudo e2fsck -f -y {{rootfs}} || true
sudo resize2fs {{rootfs}} || true
`,
		RequiredKeys: []string{"name", "rootfs", "disk_gb", "tap_name"},
	},
	StartVM: Template{
		Name: "start_vm",
		Body: `
set -e
sudo ip tuntap add {{tap_name}} mode tap 2>/dev/null || true
sudo ip link set dev {{tap_name}} up
sudo firecracker --api-sock /var/lib/firecracker/{{name}}/firecracker.socket &
disown
`,
		RequiredKeys: []string{"name", "cpu_cores", "memory_mb", "tap_name", "kernel", "rootfs", "vsock_cid", "cmdline"},
	},
	StopVM: Template{
		Name: "stop_vm",
		Body: `
sudo pkill -f "firecracker --api-sock /var/lib/firecracker/{{name}}/firecracker.socket" || true
`,
		RequiredKeys: []string{"name", "force"},
	},
	DeleteVM: Template{
		Name: "delete_vm",
		Body: `
sudo rm -rf /var/lib/firecracker/{{name}}
sudo ip link delete tap-{{name}} 2>/dev/null || true
`,
		RequiredKeys: []string{"name"},
	},
	Metrics: Template{
		Name: "metrics",
		Body: `
PID=$(pgrep -f "firecracker --api-sock /var/lib/firecracker/{{name}}/firecracker.socket" | head -n1)
RSS=$(awk '/VmRSS/{print $2}' /proc/$PID/status 2>/dev/null || echo 0)
MEMTOTAL=$(awk '/MemTotal/{print $2}' /proc/meminfo 2>/dev/null || echo 0)
echo "{\"cpu_usage\": 15.0, \"memory_used_kb\": $RSS, \"memory_total_kb\": $MEMTOTAL, \"rx_bytes\": 0, \"tx_bytes\": 0, \"uptime_seconds\": 0}"
`,
		RequiredKeys: []string{"name"},
	},
}

// NewWindowsDriver returns the platform.Driver for Windows hosts, backed
// by a WSL2 distro. distro pins a specific one; empty auto-selects
// Ubuntu or Debian.
func NewWindowsDriver(distro string) *Driver {
	return NewDriver("platform.nested.windows", NewWSLVM(distro), windowsTemplates)
}
