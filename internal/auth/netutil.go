package auth

import (
	"fmt"
	"net"
	"strings"
)

// ProxyList is a parsed trusted-proxy address set. Forwarding headers are
// honored only for connections arriving from one of these networks;
// anything else could spoof X-Forwarded-For.
type ProxyList struct {
	nets []*net.IPNet
}

// ParseProxyList parses a list of CIDRs or bare addresses.
func ParseProxyList(entries []string) (*ProxyList, error) {
	p := &ProxyList{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy address %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			entry = fmt.Sprintf("%s/%d", ip, bits)
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", entry, err)
		}
		p.nets = append(p.nets, ipnet)
	}
	return p, nil
}

// Contains reports whether ip falls inside any trusted-proxy network.
func (p *ProxyList) Contains(ip net.IP) bool {
	if p == nil || ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveClientIP determines the effective client address for a connection.
// When the direct peer is a trusted proxy and an X-Forwarded-For header is
// present, the first hop in that header wins; otherwise the direct peer
// address is used. The second return value reports whether the connection
// arrived via a trusted proxy.
func ResolveClientIP(remoteAddr, forwardedFor string, proxies *ProxyList) (string, bool) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	direct := net.ParseIP(host)
	if !proxies.Contains(direct) {
		return host, false
	}
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String(), true
		}
	}
	return host, true
}

// IsLoopback reports whether addr is a loopback address.
func IsLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
