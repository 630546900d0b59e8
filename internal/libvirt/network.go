package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// DHCPHost pins an address to a MAC inside a network's DHCP scope.
type DHCPHost struct {
	MAC  string
	Name string
	IP   string
}

// NetworkSpec describes a NAT network with its own bridge and DHCP scope.
type NetworkSpec struct {
	Name       string
	UUID       string
	Bridge     string
	Gateway    string
	Netmask    string
	DHCPStart  string
	DHCPEnd    string
	Hosts      []DHCPHost
	DNSServers []string
}

// GenerateNetworkXML renders libvirt network XML for spec.
func GenerateNetworkXML(spec NetworkSpec) (string, error) {
	if spec.Name == "" || spec.Bridge == "" || spec.Gateway == "" {
		return "", fmt.Errorf("network name, bridge and gateway are required")
	}

	network := &libvirtxml.Network{
		Name: spec.Name,
		UUID: spec.UUID,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
		},
		Bridge: &libvirtxml.NetworkBridge{
			Name:  spec.Bridge,
			STP:   "on",
			Delay: "0",
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: spec.Gateway,
				Netmask: spec.Netmask,
			},
		},
	}

	if spec.DHCPStart != "" {
		dhcp := &libvirtxml.NetworkDHCP{
			Ranges: []libvirtxml.NetworkDHCPRange{
				{Start: spec.DHCPStart, End: spec.DHCPEnd},
			},
		}
		for _, h := range spec.Hosts {
			dhcp.Hosts = append(dhcp.Hosts, libvirtxml.NetworkDHCPHost{
				MAC:  h.MAC,
				Name: h.Name,
				IP:   h.IP,
			})
		}
		network.IPs[0].DHCP = dhcp
	}

	if len(spec.DNSServers) > 0 {
		dns := &libvirtxml.NetworkDNS{}
		for _, s := range spec.DNSServers {
			dns.Forwarders = append(dns.Forwarders, libvirtxml.NetworkDNSForwarder{Addr: s})
		}
		network.DNS = dns
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal network XML: %w", err)
	}
	return xml, nil
}

// GeneratePoolXML renders a directory storage pool rooted at path.
func GeneratePoolXML(name, path string) (string, error) {
	pool := &libvirtxml.StoragePool{
		Type: "dir",
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
		},
	}

	xml, err := pool.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal storage pool XML: %w", err)
	}
	return xml, nil
}
