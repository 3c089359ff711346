// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

//go:build linux

package network

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/polunzh/aiva/internal/shared/logging"
)

var bridgeLogger = logging.New("platform.network.bridge")

// BridgeManager attaches every instance's tap device to a single shared
// Linux bridge (see DESIGN.md's Open Question (i)): AIVA does not carve a
// per-instance subnet, so the only per-instance state this type tracks is
// the tap device itself.
type BridgeManager struct {
	BridgeName string
}

// NewBridgeManager constructs a bridge-backed network manager.
func NewBridgeManager(bridge string) Manager {
	return &BridgeManager{BridgeName: bridge}
}

var _ Manager = (*BridgeManager)(nil)

// ensureBridge confirms the shared bridge exists and is up. AIVA never
// creates the bridge itself: internal/platform/linux/hostsetup provisions it
// once as an explicit operator step, so a missing bridge here means the host
// was never set up rather than something PrepareTap can recover from.
func (b *BridgeManager) ensureBridge(ctx context.Context) error {
	link, err := netlink.LinkByName(b.BridgeName)
	if err != nil {
		return fmt.Errorf("platform/network: bridge %s not present, run hostsetup first: %w", b.BridgeName, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("platform/network: bring bridge %s up: %w", b.BridgeName, err)
		}
	}
	return nil
}

// PrepareTap creates a tap device for vmName, attaches it to the shared
// bridge, and brings it up. mac is the deterministic address
// linux.deriveMAC computed from the instance name, so a stop/start
// round-trip asks for the exact same address every time; PrepareTap uses
// that to make the call idempotent instead of always tearing the interface
// down like the teacher implementation this package is adapted from did.
func (b *BridgeManager) PrepareTap(ctx context.Context, vmName, mac string) (string, error) {
	hwAddr, err := net.ParseMAC(mac)
	if err != nil {
		return "", fmt.Errorf("platform/network: invalid mac address %s: %w", mac, err)
	}

	tap := tapNameFor(vmName, hwAddr)

	if err := b.ensureBridge(ctx); err != nil {
		return "", err
	}

	bridge, err := netlink.LinkByName(b.BridgeName)
	if err != nil {
		return "", fmt.Errorf("platform/network: get bridge %s: %w", b.BridgeName, err)
	}

	if existing, err := netlink.LinkByName(tap); err == nil {
		if reusableTap(existing, hwAddr, bridge.Attrs().Index) {
			bridgeLogger.Debug("reusing existing tap with matching address", "tap", tap, "vm", vmName)
			if existing.Attrs().Flags&net.FlagUp == 0 {
				if err := netlink.LinkSetUp(existing); err != nil {
					return "", fmt.Errorf("platform/network: bring existing tap %s up: %w", tap, err)
				}
			}
			return tap, nil
		}
		bridgeLogger.Debug("recreating stale tap", "tap", tap, "vm", vmName)
		_ = netlink.LinkSetDown(existing)
		_ = netlink.LinkSetNoMaster(existing)
		if err := netlink.LinkDel(existing); err != nil {
			return "", fmt.Errorf("platform/network: delete stale tap %s: %w", tap, err)
		}
	}

	la := netlink.NewLinkAttrs()
	la.Name = tap
	la.HardwareAddr = hwAddr
	tuntap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_VNET_HDR,
	}
	if err := netlink.LinkAdd(tuntap); err != nil {
		return "", fmt.Errorf("platform/network: create tap %s: %w", tap, err)
	}

	if err := netlink.LinkSetMaster(tuntap, bridge); err != nil {
		_ = netlink.LinkDel(tuntap)
		return "", fmt.Errorf("platform/network: attach tap %s to bridge %s: %w", tap, b.BridgeName, err)
	}
	if err := netlink.LinkSetUp(tuntap); err != nil {
		_ = netlink.LinkDel(tuntap)
		return "", fmt.Errorf("platform/network: bring tap %s up: %w", tap, err)
	}

	bridgeLogger.Info("tap provisioned", "tap", tap, "vm", vmName, "bridge", b.BridgeName)
	return tap, nil
}

// reusableTap reports whether link is already exactly what PrepareTap would
// otherwise recreate from scratch: a tap with the expected hardware address,
// already attached to the target bridge.
func reusableTap(link netlink.Link, wantMAC net.HardwareAddr, bridgeIndex int) bool {
	if _, ok := link.(*netlink.Tuntap); !ok {
		return false
	}
	attrs := link.Attrs()
	return attrs.MasterIndex == bridgeIndex && bytesEqualMAC(attrs.HardwareAddr, wantMAC)
}

func bytesEqualMAC(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CleanupTap detaches and deletes the tap device. Called from both Stop
// (bridge only, VM stays registered) and Delete (bridge plus rootfs and
// command pool teardown), so a missing tap is success, not an error.
func (b *BridgeManager) CleanupTap(ctx context.Context, tap string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return nil
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("platform/network: bring tap %s down: %w", tap, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("platform/network: delete tap %s: %w", tap, err)
	}
	bridgeLogger.Info("tap removed", "tap", tap)
	return nil
}

const (
	maxInterfaceNameLen = 15 // Linux IFNAMSIZ (16) minus null terminator
	tapPrefix           = "aiva-"
)

// tapNameFor derives the host interface name for an instance. When the
// sanitized instance name fits IFNAMSIZ it's used directly; otherwise the
// name is truncated and disambiguated with a suffix taken from the
// instance's own MAC address rather than a second, independent hash over
// the name, since that address is already the unique per-instance value
// linux.deriveMAC computed and PrepareTap has in hand.
func tapNameFor(vmName string, mac net.HardwareAddr) string {
	sanitized := sanitize(vmName)
	if sanitized == "" {
		sanitized = "vm"
	}

	maxSuffixLen := maxInterfaceNameLen - len(tapPrefix)
	if maxSuffixLen < 1 {
		maxSuffixLen = 1
	}
	if len(sanitized) <= maxSuffixLen {
		return tapPrefix + sanitized
	}

	const macSuffixLen = 6
	prefixLen := maxSuffixLen - macSuffixLen
	if prefixLen < 1 {
		prefixLen = 1
	}
	prefix := sanitized
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}

	macSuffix := hex.EncodeToString([]byte(mac))
	if len(macSuffix) > macSuffixLen {
		macSuffix = macSuffix[:macSuffixLen]
	}
	return tapPrefix + prefix + macSuffix
}

func sanitize(input string) string {
	var b strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else if r >= 'A' && r <= 'Z' {
			b.WriteRune(r + 32)
		}
	}
	return b.String()
}
