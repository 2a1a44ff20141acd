// Package localnet classifies network addresses as belonging to the local
// machine. Privileged operations (host registration, the passcode endpoint)
// are gated on it.
package localnet

import (
	"net"
	"net/netip"
	"strings"
)

// IsLocal reports whether addr names an address of this machine: a loopback
// address or an address currently bound to a local interface. addr may be a
// bare IP, an ip:port pair, or a bracketed IPv6 literal with optional zone.
// Unparseable or empty input yields false.
//
// The interface set is re-read on every call; interfaces come and go and a
// stale answer here would let a remote peer claim the host slot.
func IsLocal(addr string) bool {
	ip, ok := Normalize(addr)
	if !ok {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, bound := range InterfaceAddrs() {
		if bound == ip {
			return true
		}
	}
	return false
}

// Normalize parses addr into a canonical [netip.Addr]: port and brackets
// removed, IPv6 zone stripped, IPv4-mapped-IPv6 unmapped. ok is false when
// addr does not contain a parseable IP.
func Normalize(addr string) (ip netip.Addr, ok bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "[")
	addr = strings.TrimSuffix(addr, "]")
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, false
	}
	return parsed.Unmap().WithZone(""), true
}

// InterfaceAddrs returns the canonicalized addresses bound to local
// interfaces. Enumeration failure yields an empty set (fail closed).
func InterfaceAddrs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		if parsed, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, parsed.Unmap().WithZone(""))
		}
	}
	return out
}

// LANAddrs returns the non-loopback unicast addresses bound to local
// interfaces, as net.IP values suitable for certificate SAN entries.
func LANAddrs() []net.IP {
	var out []net.IP
	for _, a := range InterfaceAddrs() {
		if a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsMulticast() {
			continue
		}
		out = append(out, net.IP(a.AsSlice()))
	}
	return out
}
