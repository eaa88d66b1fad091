// Package netinfo inspects local network interfaces to pick the address the
// discovery beacon broadcasts to.
package netinfo

import (
	"fmt"
	"net/netip"
	"slices"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// LimitedBroadcast is 255.255.255.255, used when no subnet can be detected.
var LimitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Interface is an up, non-loopback interface with an IPv4 prefix.
type Interface struct {
	Name   string
	MAC    string
	Prefix netip.Prefix
}

// Canonical unmaps IPv4-mapped IPv6 addresses so the same peer compares equal
// whether it was seen on a udp4, tcp4 or dual-stack socket.
func Canonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// BroadcastAddr returns the directed broadcast address of a CIDR range.
func BroadcastAddr(prefix netip.Prefix) (netip.Addr, error) {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("broadcast needs an IPv4 range, got %s", prefix)
	}
	ip := prefix.Addr().As4()
	bits := prefix.Bits()
	for i := range ip {
		var mask byte
		switch {
		case bits >= 8:
			mask = 0xff
		case bits > 0:
			mask = ^byte(0xff >> bits)
		}
		ip[i] |= ^mask
		bits -= 8
		if bits < 0 {
			bits = 0
		}
	}
	return netip.AddrFrom4(ip), nil
}

// DiscoveryTarget resolves the broadcast address for the configured network
// range. An empty range selects the first interface that can broadcast, and
// falls back to the limited broadcast address.
func DiscoveryTarget(networkRange string) (netip.Addr, error) {
	if networkRange != "" {
		prefix, err := netip.ParsePrefix(networkRange)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parsing network range %q: %w", networkRange, err)
		}
		return BroadcastAddr(prefix)
	}

	ifaces, err := Interfaces()
	if err != nil || len(ifaces) == 0 {
		return LimitedBroadcast, nil
	}
	return BroadcastAddr(ifaces[0].Prefix)
}

// Interfaces lists broadcast-capable IPv4 interfaces that are up.
func Interfaces() ([]Interface, error) {
	stats, err := gnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var out []Interface
	for _, st := range stats {
		if !slices.Contains(st.Flags, "up") || slices.Contains(st.Flags, "loopback") {
			continue
		}
		if !slices.Contains(st.Flags, "broadcast") {
			continue
		}
		for _, a := range st.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil || !prefix.Addr().Is4() {
				continue
			}
			out = append(out, Interface{Name: st.Name, MAC: st.HardwareAddr, Prefix: prefix})
			break
		}
	}
	return out, nil
}
