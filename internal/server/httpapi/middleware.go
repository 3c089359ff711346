package httpapi

import (
	"log/slog"
	"net"
	"strings"
)

// parseCIDRs parses a comma-separated allow list, logging and skipping
// any entry that doesn't parse rather than failing startup over a typo.
func parseCIDRs(logger *slog.Logger, cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			raw += "/32"
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			logger.Warn("skipping invalid CIDR in allow list", "value", raw, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

func ipAllowed(remoteAddr string, nets []*net.IPNet) bool {
	if len(nets) == 0 {
		return true
	}
	ip := net.ParseIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
