package shield

import (
	"net"
	"strings"
)

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(c); err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		if ip := net.ParseIP(c); ip != nil {
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" {
		return false
	}
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

var authPathMarkers = []string{"/login", "/signin", "/auth", "/token", "/password", "/otp"}

// isAuthPath reports whether the endpoint looks authentication-shaped and so
// falls under the brute-force detector's stricter window.
func isAuthPath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range authPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// originAllowed matches a declared Origin header against the allow-list.
// Entries compare on scheme+host; a bare host entry matches any scheme.
func originAllowed(origin string, allowed []string) bool {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" {
		return true
	}
	host := origin
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "" {
			continue
		}
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// nonIdempotent reports whether the method can mutate state and so needs the
// cross-origin check.
func nonIdempotent(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}
