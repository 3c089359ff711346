//go:build linux

package network

import (
	"net"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func TestTapNameForShortName(t *testing.T) {
	mac := mustMAC(t, "02:00:00:00:00:01")
	got := tapNameFor("web", mac)
	want := tapPrefix + "web"
	if got != want {
		t.Errorf("tapNameFor(%q, ...) = %q, want %q", "web", got, want)
	}
	if len(got) > maxInterfaceNameLen {
		t.Errorf("tapNameFor(%q, ...) = %q, exceeds IFNAMSIZ-1 (%d)", "web", got, maxInterfaceNameLen)
	}
}

func TestTapNameForLongNameIsTruncatedAndSuffixedByMAC(t *testing.T) {
	long := "a-very-long-instance-name-that-does-not-fit-in-ifnamsiz"
	mac := mustMAC(t, "02:aa:bb:cc:dd:ee")
	got := tapNameFor(long, mac)
	if len(got) > maxInterfaceNameLen {
		t.Errorf("tapNameFor(%q, ...) = %q (len %d), exceeds IFNAMSIZ-1 (%d)", long, got, len(got), maxInterfaceNameLen)
	}
	if !strings.HasPrefix(got, tapPrefix) {
		t.Errorf("tapNameFor(%q, ...) = %q, want prefix %q", long, got, tapPrefix)
	}
	if !strings.HasSuffix(got, "02aabb") {
		t.Errorf("tapNameFor(%q, ...) = %q, want suffix derived from the mac's leading bytes", long, got)
	}
}

func TestTapNameForIsStablePerNameAndMAC(t *testing.T) {
	name := "some-instance-name-long-enough-to-truncate"
	mac := mustMAC(t, "02:11:22:33:44:55")
	a := tapNameFor(name, mac)
	b := tapNameFor(name, mac)
	if a != b {
		t.Errorf("tapNameFor(%q, ...) is not deterministic: %q != %q", name, a, b)
	}

	other := mustMAC(t, "02:66:77:88:99:00")
	if tapNameFor(name, other) == a {
		t.Errorf("tapNameFor should vary its suffix with the mac once the name needs truncating")
	}
}

func TestTapNameForEmptyName(t *testing.T) {
	mac := mustMAC(t, "02:00:00:00:00:02")
	got := tapNameFor("", mac)
	want := tapPrefix + "vm"
	if got != want {
		t.Errorf("tapNameFor(\"\", ...) = %q, want %q", got, want)
	}
}

func TestSanitizeLowercasesAndDropsUnsafeChars(t *testing.T) {
	got := sanitize("Web_App-01!")
	want := "webapp01"
	if got != want {
		t.Errorf("sanitize() = %q, want %q", got, want)
	}
}

func TestReusableTapRequiresMatchingBridgeAndMAC(t *testing.T) {
	attrs := netlink.NewLinkAttrs()
	attrs.MasterIndex = 3
	attrs.HardwareAddr = mustMAC(t, "02:11:22:33:44:55")
	tap := &netlink.Tuntap{LinkAttrs: attrs}

	if !reusableTap(tap, mustMAC(t, "02:11:22:33:44:55"), 3) {
		t.Error("reusableTap should accept a tap already attached with the expected mac")
	}
	if reusableTap(tap, mustMAC(t, "02:11:22:33:44:55"), 4) {
		t.Error("reusableTap should reject a tap attached to a different bridge")
	}
	if reusableTap(tap, mustMAC(t, "02:ff:ff:ff:ff:ff"), 3) {
		t.Error("reusableTap should reject a tap with a stale mac")
	}

	nonTap := &netlink.Bridge{LinkAttrs: attrs}
	if reusableTap(nonTap, mustMAC(t, "02:11:22:33:44:55"), 3) {
		t.Error("reusableTap should reject a link that isn't a tuntap device")
	}
}
