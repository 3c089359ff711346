//go:build linux

package linux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// FirecrackerClient issues the PUT-sequence configuration calls against a
// running Firecracker process's Unix-socket API. Grounded on the original
// aiva-platform Firecracker client's method set (configure_machine,
// configure_boot_source, configure_drive, configure_network,
// start_instance, pause_vm, resume_vm, shutdown_vm), translated from the
// Rust hyper Unix connector into Go's net/http with a custom
// Transport.DialContext dialing the socket path — the same "custom dial
// over a special transport" idiom the vsock HTTP client already uses.
type FirecrackerClient struct {
	http *http.Client
}

// NewFirecrackerClient returns a client bound to the Firecracker API socket
// at socketPath.
func NewFirecrackerClient(socketPath string) *FirecrackerClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &FirecrackerClient{http: &http.Client{Transport: transport, Timeout: 10 * time.Second}}
}

func (c *FirecrackerClient) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("linux: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return fmt.Errorf("linux: build request %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("linux: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("linux: %s %s: http %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return nil
}

// ConfigureMachine issues PUT /machine-config.
func (c *FirecrackerClient) ConfigureMachine(ctx context.Context, vcpuCount, memSizeMiB int) error {
	return c.do(ctx, http.MethodPut, "/machine-config", map[string]any{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMiB,
		"ht_enabled":   false,
	})
}

// ConfigureBootSource issues PUT /boot-source.
func (c *FirecrackerClient) ConfigureBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.do(ctx, http.MethodPut, "/boot-source", map[string]any{
		"kernel_image_path": kernelPath,
		"boot_args":         bootArgs,
	})
}

// ConfigureDrive issues PUT /drives/{driveID}. driveID "rootfs" is treated
// as the root device.
func (c *FirecrackerClient) ConfigureDrive(ctx context.Context, driveID, pathOnHost string, readOnly bool) error {
	return c.do(ctx, http.MethodPut, "/drives/"+driveID, map[string]any{
		"drive_id":        driveID,
		"path_on_host":    pathOnHost,
		"is_root_device":  driveID == "rootfs",
		"is_read_only":    readOnly,
	})
}

// ConfigureNetwork issues PUT /network-interfaces/{ifaceID}.
func (c *FirecrackerClient) ConfigureNetwork(ctx context.Context, ifaceID, tapDevice string) error {
	return c.do(ctx, http.MethodPut, "/network-interfaces/"+ifaceID, map[string]any{
		"iface_id":      ifaceID,
		"host_dev_name": tapDevice,
	})
}

// ConfigureVsock issues PUT /vsock, exposing the guest command endpoint on
// the given context id over the standard Firecracker vsock device.
func (c *FirecrackerClient) ConfigureVsock(ctx context.Context, guestCID uint32, udsPath string) error {
	return c.do(ctx, http.MethodPut, "/vsock", map[string]any{
		"guest_cid": guestCID,
		"uds_path":  udsPath,
		"vsock_id":  "vsock0",
	})
}

// StartInstance issues PUT /actions {"action_type":"InstanceStart"}.
func (c *FirecrackerClient) StartInstance(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", map[string]any{"action_type": "InstanceStart"})
}

// PauseVM issues PATCH /vm {"state":"Paused"}.
func (c *FirecrackerClient) PauseVM(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", map[string]any{"state": "Paused"})
}

// ResumeVM issues PATCH /vm {"state":"Resumed"}.
func (c *FirecrackerClient) ResumeVM(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", map[string]any{"state": "Resumed"})
}

// ShutdownVM issues PUT /actions {"action_type":"SendCtrlAltDel"}.
func (c *FirecrackerClient) ShutdownVM(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", map[string]any{"action_type": "SendCtrlAltDel"})
}

// WaitForSocket polls for a Unix socket at path to accept connections, up
// to timeout, in the same 200ms-interval style as the reference platform
// implementation's readiness loop.
func WaitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var d net.Dialer
	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		conn, err := d.DialContext(dialCtx, "unix", path)
		cancel()
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("linux: socket %s not ready after %s", path, timeout)
}
