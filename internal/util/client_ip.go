package util

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is the allowlist of peers whose forwarded headers are
// believed when resolving the caller IP for rate limiting.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses CIDR or plain-IP entries into an allowlist.
// Empty input yields nil, which means trust none.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var nets []*net.IPNet
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, err
			}
			nets = append(nets, cidr)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: entry}
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	if len(nets) == 0 {
		return nil, nil
	}
	return &TrustedProxies{nets: nets}, nil
}

// Contains reports whether ip falls inside the trusted ranges.
func (t *TrustedProxies) Contains(ip net.IP) bool {
	if t == nil || ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller IP for a request. X-Forwarded-For is walked
// right to left and the first hop outside the trusted proxies wins; the
// headers are ignored entirely when the direct peer is untrusted, so a
// client cannot spoof its way past a per-IP limit.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer := parseAddr(r.RemoteAddr)
	if peer == nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	if chain := forwardedChain(r.Header.Get("X-Forwarded-For")); len(chain) > 0 {
		chain = append(chain, peer)
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.Contains(chain[i]) {
				return chain[i].String()
			}
		}
		// Every hop is a trusted proxy; the leftmost is the origin.
		return chain[0].String()
	}

	if realIP := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != nil {
		return realIP.String()
	}
	return peer.String()
}

func forwardedChain(raw string) []net.IP {
	parts := strings.Split(raw, ",")
	chain := make([]net.IP, 0, len(parts))
	for _, part := range parts {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			chain = append(chain, ip)
		}
	}
	return chain
}

// parseAddr accepts both host:port remote addresses and bare IPs.
func parseAddr(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}
