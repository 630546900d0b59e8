package network

import (
	"net/netip"

	"github.com/jbweber/corral/internal/errdefs"
)

// Allocator hands out VM addresses inside a layout. Static addresses are
// reserved first; the rest are allocated from the DHCP start upward.
type Allocator struct {
	layout *Layout
	owners map[netip.Addr]string
	byName map[string]netip.Addr
}

// NewAllocator returns an empty allocator over layout.
func NewAllocator(layout *Layout) *Allocator {
	return &Allocator{
		layout: layout,
		owners: make(map[netip.Addr]string),
		byName: make(map[string]netip.Addr),
	}
}

// Reserve pins ip to owner. Reserving the same address for the same owner
// again is a no-op; an address held by another owner is a
// ResourceConflictError.
func (a *Allocator) Reserve(owner, ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return errdefs.Invalid("ip", ip, "not an IP address")
	}
	if !a.layout.Usable(addr) {
		return errdefs.Invalid("ip", ip, "not a usable host address in %s", a.layout.Prefix)
	}
	if holder, ok := a.owners[addr]; ok {
		if holder == owner {
			return nil
		}
		return &errdefs.ResourceConflictError{Kind: "ip address", Resource: ip, Owner: holder}
	}
	if prev, ok := a.byName[owner]; ok {
		return errdefs.Invalid("ip", ip, "%s already has address %s", owner, prev)
	}

	a.owners[addr] = owner
	a.byName[owner] = addr
	return nil
}

// Next allocates the lowest free address in the DHCP range to owner. An
// owner that already holds an address gets it back.
func (a *Allocator) Next(owner string) (string, error) {
	if addr, ok := a.byName[owner]; ok {
		return addr.String(), nil
	}

	for addr := a.layout.DHCPStart; addr.Compare(a.layout.DHCPEnd) <= 0; addr = addr.Next() {
		if _, taken := a.owners[addr]; taken {
			continue
		}
		a.owners[addr] = owner
		a.byName[owner] = addr
		return addr.String(), nil
	}

	return "", &errdefs.ResourceConflictError{
		Kind:     "ip address",
		Resource: a.layout.Prefix.String(),
		Owner:    "no free address left for " + owner,
	}
}

// Assigned returns owner to address for every allocation.
func (a *Allocator) Assigned() map[string]string {
	out := make(map[string]string, len(a.byName))
	for name, addr := range a.byName {
		out[name] = addr.String()
	}
	return out
}
