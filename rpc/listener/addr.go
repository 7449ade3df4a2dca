package listener

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// IsLoopback reports whether a textual peer address, with or without a port,
// is on the loopback interface.
func IsLoopback(addr string) bool {
	ip, ok := parseHost(addr)
	return ok && ip.IsLoopback()
}

func parseHost(addr string) (netip.Addr, bool) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// ParseAllowList turns entries such as "10.0.0.0/8" or "192.168.1.7" into
// prefixes.
func ParseAllowList(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("allow entry %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("allow entry %q: %w", e, err)
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}

// clientAllowed admits loopback peers always and other peers only when a
// prefix in allow contains them.
func clientAllowed(peer string, allow []netip.Prefix) bool {
	ip, ok := parseHost(peer)
	if !ok {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, p := range allow {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func hostKey(peer string) string {
	if ip, ok := parseHost(peer); ok {
		return ip.String()
	}
	return peer
}
