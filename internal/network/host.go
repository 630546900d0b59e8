package network

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// HostAddr is an IPv4 address configured on a host interface.
type HostAddr struct {
	Link   string
	Prefix netip.Prefix
}

// HostNetwork reports the host's own interfaces.
//
// In production, this is NetlinkHost. In tests, a static fake.
type HostNetwork interface {
	LinkExists(name string) (bool, error)
	Addrs() ([]HostAddr, error)
}

// NetlinkHost reads host interfaces over netlink.
type NetlinkHost struct{}

// LinkExists reports whether an interface called name exists.
func (NetlinkHost) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up link %s: %w", name, err)
	}
	return true, nil
}

// Addrs lists every IPv4 address on every host interface.
func (NetlinkHost) Addrs() ([]HostAddr, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate links: %w", err)
	}

	var out []HostAddr
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			ip, ok := netip.AddrFromSlice(a.IP.To4())
			if !ok {
				continue
			}
			ones, _ := a.Mask.Size()
			out = append(out, HostAddr{
				Link:   link.Attrs().Name,
				Prefix: netip.PrefixFrom(ip, ones).Masked(),
			})
		}
	}
	return out, nil
}
