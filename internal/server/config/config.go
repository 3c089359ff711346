package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultHomeDir           = "~/.aiva"
	defaultAPIPort           = "7777"
	defaultAPIListenAddr     = "127.0.0.1:" + defaultAPIPort
	defaultBridgeName        = "aivabr0"
	defaultSubnetCIDR        = "192.168.127.0/24"
	defaultHostIP            = "192.168.127.1"
	defaultFirecrackerBinary = "firecracker"
	defaultKernelPath        = "/var/lib/aiva/kernel/vmlinux"
)

// ServerConfig captures the daemon's runtime configuration. FromEnv reads
// AIVA_*-prefixed environment variables and falls back to these defaults;
// config.yaml (see userconfig.go) is not consulted for these fields.
type ServerConfig struct {
	HomeDir           string
	APIListenAddr     string
	APIAdvertiseAddr  string
	BridgeName        string
	SubnetCIDR        string
	KernelImagePath   string
	FirecrackerBinary string
	HostIP            string
	RuntimeDir        string
	LogDir            string
	InstancesDir      string
	PortLedgerPath    string
}

// FromEnv loads server configuration from environment variables, applying
// opinionated defaults when unset.
func FromEnv() (ServerConfig, error) {
	home := expandPath(getenv("AIVA_HOME", defaultHomeDir))

	cfg := ServerConfig{
		HomeDir:           home,
		APIListenAddr:     getenv("AIVA_API_LISTEN", defaultAPIListenAddr),
		APIAdvertiseAddr:  getenv("AIVA_API_ADVERTISE", ""),
		BridgeName:        getenv("AIVA_BRIDGE", defaultBridgeName),
		SubnetCIDR:        getenv("AIVA_SUBNET", defaultSubnetCIDR),
		HostIP:            getenv("AIVA_HOST_IP", defaultHostIP),
		FirecrackerBinary: getenv("AIVA_FIRECRACKER_BINARY", defaultFirecrackerBinary),
		KernelImagePath:   expandPath(getenv("AIVA_KERNEL_PATH", defaultKernelPath)),
		RuntimeDir:        expandPath(getenv("AIVA_RUNTIME_DIR", filepath.Join(home, "run"))),
		LogDir:            expandPath(getenv("AIVA_LOG_DIR", filepath.Join(home, "logs"))),
	}
	cfg.InstancesDir = expandPath(getenv("AIVA_INSTANCES_DIR", filepath.Join(home, "instances")))
	cfg.PortLedgerPath = expandPath(getenv("AIVA_PORT_LEDGER", filepath.Join(home, "ports.db")))

	if !fileExists(cfg.KernelImagePath) {
		return ServerConfig{}, fmt.Errorf("kernel image not found at %s (set AIVA_KERNEL_PATH)", cfg.KernelImagePath)
	}

	if _, _, err := net.ParseCIDR(cfg.SubnetCIDR); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid subnet cidr %q: %w", cfg.SubnetCIDR, err)
	}
	if net.ParseIP(cfg.HostIP) == nil {
		return ServerConfig{}, fmt.Errorf("invalid host ip %q", cfg.HostIP)
	}

	listenAddr := strings.TrimSpace(cfg.APIListenAddr)
	if listenAddr == "" {
		return ServerConfig{}, fmt.Errorf("api listen address required")
	}
	listenHost, listenPort, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid api listen address %q: %w", listenAddr, err)
	}
	if strings.TrimSpace(listenPort) == "" {
		listenPort = defaultAPIPort
	}
	if strings.TrimSpace(cfg.APIAdvertiseAddr) == "" {
		advHost := cfg.HostIP
		trimmedHost := strings.TrimSpace(listenHost)
		if isRoutableAdvertiseHost(trimmedHost) {
			advHost = trimmedHost
		}
		cfg.APIAdvertiseAddr = net.JoinHostPort(advHost, listenPort)
	}

	for _, dir := range []string{cfg.HomeDir, cfg.RuntimeDir, cfg.LogDir, cfg.InstancesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ServerConfig{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return cfg, nil
}

func isRoutableAdvertiseHost(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	switch lower {
	case "localhost", "0.0.0.0", "::", "[::]":
		return false
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.Trim(host, "[]")
	}
	if ip := net.ParseIP(host); ip != nil {
		return !(ip.IsLoopback() || ip.IsUnspecified())
	}
	return true
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
