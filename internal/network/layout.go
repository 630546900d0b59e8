// Package network plans and manages a cluster's NAT network: the address
// layout of its subnet, static IP allocation, collision checks against other
// clusters and host interfaces, and the libvirt network object itself.
package network

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
)

// dhcpOffset is the first host number handed out to VMs. Addresses between
// the gateway and this offset are left for infrastructure.
const dhcpOffset = 10

// Layout is the fixed address plan of a cluster subnet.
type Layout struct {
	Prefix    netip.Prefix
	Gateway   netip.Addr
	DHCPStart netip.Addr
	DHCPEnd   netip.Addr
	Broadcast netip.Addr
}

// ParseLayout derives the layout of an IPv4 CIDR: the gateway is the first
// host, the DHCP range runs from host .10 to the address before broadcast.
func ParseLayout(cidr string) (*Layout, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, errdefs.Invalid("network.subnet", cidr, "not a CIDR: %v", err)
	}
	if !prefix.Addr().Is4() {
		return nil, errdefs.Invalid("network.subnet", cidr, "only IPv4 subnets are supported")
	}
	if prefix.Bits() > 28 {
		return nil, errdefs.Invalid("network.subnet", cidr, "subnet too small, need at least a /28")
	}
	prefix = prefix.Masked()

	base := toUint32(prefix.Addr())
	size := uint32(1) << (32 - prefix.Bits())

	return &Layout{
		Prefix:    prefix,
		Gateway:   fromUint32(base + 1),
		DHCPStart: fromUint32(base + dhcpOffset),
		DHCPEnd:   fromUint32(base + size - 2),
		Broadcast: fromUint32(base + size - 1),
	}, nil
}

// Netmask returns the dotted-quad mask, e.g. "255.255.255.0".
func (l *Layout) Netmask() string {
	return net.IP(net.CIDRMask(l.Prefix.Bits(), 32)).String()
}

// Usable reports whether addr may be assigned to a VM: inside the subnet and
// not the network, gateway or broadcast address.
func (l *Layout) Usable(addr netip.Addr) bool {
	return l.Prefix.Contains(addr) &&
		addr != l.Prefix.Addr() &&
		addr != l.Gateway &&
		addr != l.Broadcast
}

// NetworkSpec renders the libvirt network description for this layout.
func (l *Layout) NetworkSpec(name, bridge string, hosts []corrallibvirt.DHCPHost, dns []string) corrallibvirt.NetworkSpec {
	return corrallibvirt.NetworkSpec{
		Name:       name,
		Bridge:     bridge,
		Gateway:    l.Gateway.String(),
		Netmask:    l.Netmask(),
		DHCPStart:  l.DHCPStart.String(),
		DHCPEnd:    l.DHCPEnd.String(),
		Hosts:      hosts,
		DNSServers: dns,
	}
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
