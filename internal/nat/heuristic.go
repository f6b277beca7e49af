package nat

import (
	"context"
	"net"
	"strings"
)

// HeuristicClassifier inspects the address the server observed for the
// participant. This is the documented lower-fidelity substitution for
// full two-port probing: from the server side only private-vs-public
// can be judged, so the result is advisory.
//
//   - public address: little to no NAT in the way, full-cone, no sync.
//   - private address: NAT or proxy in the way; reported as
//     port-restricted-cone with low confidence. Synchronized release is
//     only requested when coordination is enabled, because a wrong sync
//     flag degrades plain Trickle ICE.
type HeuristicClassifier struct {
	// CoordinationEnabled gates the RequiresSync flag.
	CoordinationEnabled bool
}

func (h *HeuristicClassifier) Classify(_ context.Context, observedAddr string) (Classification, error) {
	ip := NormalizeIP(observedAddr)

	if !isPrivateIP(ip) {
		return Classification{
			Type:           FullCone,
			CanP2P:         true,
			Confidence:     90,
			PublicAddress:  Address{IP: ip},
			Recommendation: "public address observed; direct connection is likely to succeed",
			RequiresSync:   false,
		}, nil
	}

	return Classification{
		Type:           PortRestrictedCone,
		CanP2P:         true,
		Confidence:     50,
		PublicAddress:  Address{IP: ip},
		Recommendation: "private address observed; NAT or proxy in the path, standard trickle ICE will be used",
		RequiresSync:   h.CoordinationEnabled,
	}, nil
}

// NormalizeIP strips a port if present and unwraps the ::ffff: IPv4
// mapping some proxies produce.
func NormalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "::ffff:")
	return addr
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}
