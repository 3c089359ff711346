// Package vmconfig models the user-editable configuration of a managed
// microVM: sizing, kernel/rootfs paths, networking, storage, and exposed
// ports. Structure and the clone/normalize/validate/patch pipeline are
// grounded on the upstream VM configuration package; field content is
// grounded on the original Rust VMConfig/NetworkConfig/StorageConfig types.
package vmconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/docker/go-units"
)

// Resources captures compute sizing for a VM.
type Resources struct {
	CPUCores int `json:"cpu_cores"`
	MemoryMB int `json:"memory_mb"`
	DiskGB   int `json:"disk_gb"`
}

// resourcesWire is Resources' JSON shape, except memory_mb/disk_gb may also
// arrive as human-readable strings ("512MB", "2GiB") the way callers write
// them by hand. UnmarshalJSON below accepts either form.
type resourcesWire struct {
	CPUCores int             `json:"cpu_cores"`
	MemoryMB json.RawMessage `json:"memory_mb"`
	DiskGB   json.RawMessage `json:"disk_gb"`
}

// UnmarshalJSON lets memory_mb and disk_gb be given either as plain numbers
// (already in MB/GB) or as a human-readable size string, parsed with the
// same units.RAMInBytes rules the CLI's own flag parsing would use.
func (r *Resources) UnmarshalJSON(data []byte) error {
	var wire resourcesWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.CPUCores = wire.CPUCores
	mb, err := parseSizeField(wire.MemoryMB, 1024*1024)
	if err != nil {
		return fmt.Errorf("vmconfig: memory_mb: %w", err)
	}
	r.MemoryMB = mb
	gb, err := parseSizeField(wire.DiskGB, 1024*1024*1024)
	if err != nil {
		return fmt.Errorf("vmconfig: disk_gb: %w", err)
	}
	r.DiskGB = gb
	return nil
}

// parseSizeField decodes raw as either a bare integer (already in the
// caller's unit) or a human-readable size string, converting the latter to
// that unit by dividing by unitBytes.
func parseSizeField(raw json.RawMessage, unitBytes int64) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("must be a number or a size string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return int(bytes / unitBytes), nil
}

// CacheStrategy selects the Firecracker drive cache mode. Reserved: parsed
// and stored, but not yet wired into drive configuration (see DESIGN.md).
type CacheStrategy string

const (
	CacheWriteback CacheStrategy = "writeback"
	CacheUnsafe    CacheStrategy = "unsafe"
)

// PortMapping exposes a guest port on the host.
type PortMapping struct {
	HostPort  uint16 `json:"host_port"`
	GuestPort uint16 `json:"guest_port"`
	Protocol  string `json:"protocol"` // "tcp" | "udp"
}

// NetworkConfig describes the VM's network placement.
type NetworkConfig struct {
	GuestIP      string        `json:"guest_ip"`
	HostIP       string        `json:"host_ip"`
	Subnet       string        `json:"subnet"`
	Gateway      string        `json:"gateway"`
	DNSServers   []string      `json:"dns_servers,omitempty"`
	PortMappings []PortMapping `json:"port_mappings,omitempty"`
}

// BlockDevice is an additional drive attached beyond the root filesystem.
type BlockDevice struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SizeMB   int    `json:"size_mb,omitempty"`
	ReadOnly bool   `json:"read_only"`
}

// StorageConfig describes the VM's disk layout.
type StorageConfig struct {
	CacheStrategy    CacheStrategy `json:"cache_strategy"`
	AdditionalDrives []BlockDevice `json:"additional_drives,omitempty"`
}

// Config is the persisted, user-editable configuration of a VM.
type Config struct {
	Template      string            `json:"template,omitempty"`
	KernelPath    string            `json:"kernel_path"`
	RootFSPath    string            `json:"rootfs_path"`
	KernelCmdline string            `json:"kernel_cmdline,omitempty"`
	Resources     Resources         `json:"resources"`
	Network       NetworkConfig     `json:"network"`
	Storage       StorageConfig     `json:"storage"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Patch is a pointer-based partial update applied over a base Config; nil
// fields leave the corresponding base field untouched.
type Patch struct {
	KernelCmdline *string
	Resources     *ResourcesPatch
	Network       *NetworkPatch
	Metadata      map[string]string
}

type ResourcesPatch struct {
	CPUCores *int
	MemoryMB *int
	DiskGB   *int
}

type NetworkPatch struct {
	PortMappings *[]PortMapping
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Network.DNSServers = append([]string(nil), c.Network.DNSServers...)
	out.Network.PortMappings = append([]PortMapping(nil), c.Network.PortMappings...)
	out.Storage.AdditionalDrives = append([]BlockDevice(nil), c.Storage.AdditionalDrives...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Normalize trims and lowercases fields that are compared case-insensitively
// elsewhere (protocol names, cache strategy).
func (c *Config) Normalize() {
	c.Template = strings.TrimSpace(c.Template)
	c.KernelCmdline = strings.TrimSpace(c.KernelCmdline)
	c.Storage.CacheStrategy = CacheStrategy(strings.ToLower(strings.TrimSpace(string(c.Storage.CacheStrategy))))
	if c.Storage.CacheStrategy == "" {
		c.Storage.CacheStrategy = CacheWriteback
	}
	for i := range c.Network.PortMappings {
		c.Network.PortMappings[i].Protocol = strings.ToLower(strings.TrimSpace(c.Network.PortMappings[i].Protocol))
	}
}

// Validate checks structural invariants: positive sizing, valid IPs/CIDR,
// legal protocols, and pairwise-distinct host ports.
func (c Config) Validate() error {
	if c.Resources.CPUCores <= 0 || c.Resources.CPUCores > 64 {
		return fmt.Errorf("vmconfig: cpu_cores must be in [1,64], got %d", c.Resources.CPUCores)
	}
	if c.Resources.MemoryMB < 128 {
		return fmt.Errorf("vmconfig: memory_mb must be at least 128, got %d", c.Resources.MemoryMB)
	}
	if c.Resources.DiskGB <= 0 {
		return fmt.Errorf("vmconfig: disk_gb must be positive, got %d", c.Resources.DiskGB)
	}
	if c.Storage.CacheStrategy != CacheWriteback && c.Storage.CacheStrategy != CacheUnsafe {
		return fmt.Errorf("vmconfig: unknown cache_strategy %q", c.Storage.CacheStrategy)
	}
	if c.Network.Subnet != "" {
		if _, _, err := net.ParseCIDR(c.Network.Subnet); err != nil {
			return fmt.Errorf("vmconfig: invalid subnet %q: %w", c.Network.Subnet, err)
		}
	}
	seen := make(map[uint16]bool, len(c.Network.PortMappings))
	for _, pm := range c.Network.PortMappings {
		if pm.Protocol != "tcp" && pm.Protocol != "udp" {
			return fmt.Errorf("vmconfig: port mapping protocol must be tcp or udp, got %q", pm.Protocol)
		}
		if pm.HostPort == 0 {
			return fmt.Errorf("vmconfig: port mapping host_port must be nonzero")
		}
		if seen[pm.HostPort] {
			return fmt.Errorf("vmconfig: duplicate host_port %d", pm.HostPort)
		}
		seen[pm.HostPort] = true
	}
	return nil
}

// Apply merges patch onto base, normalizing and validating the result.
func Apply(base Config, patch Patch) (Config, error) {
	next := base.Clone()
	if patch.KernelCmdline != nil {
		next.KernelCmdline = *patch.KernelCmdline
	}
	if patch.Resources != nil {
		if patch.Resources.CPUCores != nil {
			next.Resources.CPUCores = *patch.Resources.CPUCores
		}
		if patch.Resources.MemoryMB != nil {
			next.Resources.MemoryMB = *patch.Resources.MemoryMB
		}
		if patch.Resources.DiskGB != nil {
			next.Resources.DiskGB = *patch.Resources.DiskGB
		}
	}
	if patch.Network != nil && patch.Network.PortMappings != nil {
		next.Network.PortMappings = append([]PortMapping(nil), (*patch.Network.PortMappings)...)
	}
	for k, v := range patch.Metadata {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string)
		}
		next.Metadata[k] = v
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	return next, nil
}
