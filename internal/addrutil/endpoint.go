// Package addrutil builds host:port endpoints from partial address strings.
package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// Endpoint joins the host of the first usable address in candidates with
// port. STUN mappings carry an ephemeral NAT port, so only their host is
// kept; the tunnel listens on its own fixed port.
func Endpoint(port int, candidates ...string) (string, bool) {
	if port <= 0 || port > 65535 {
		return "", false
	}
	for _, c := range candidates {
		if host := Host(c); host != "" {
			return net.JoinHostPort(host, strconv.Itoa(port)), true
		}
	}
	return "", false
}

// Host returns the host part of addr, which may carry a port, brackets or
// neither.
func Host(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if net.ParseIP(a) == nil {
			if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
				if _, err := strconv.Atoi(a[last+1:]); err == nil {
					return a[:last]
				}
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]")
	}
	return a
}
