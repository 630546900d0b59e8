// Package naming holds the naming conventions for libvirt resources owned by
// a cluster: VM, disk, network and pool names, plus MAC addresses and tap
// interface names derived from a VM's IP.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// maxIfaceName is IFNAMSIZ minus the trailing NUL.
const maxIfaceName = 15

// VMName returns the name of a cluster VM. Single-instance roles such as the
// controller pass index 0 and get "<cluster>-<role>"; replicated roles get a
// two digit, one based suffix ("<cluster>-compute-01").
func VMName(cluster, role string, index int) string {
	if index <= 0 {
		return fmt.Sprintf("%s-%s", cluster, role)
	}
	return fmt.Sprintf("%s-%s-%02d", cluster, role, index)
}

// NetworkName returns the libvirt network name for a cluster.
func NetworkName(cluster string) string {
	return cluster + "-network"
}

// PoolName returns the libvirt storage pool name for a cluster.
func PoolName(cluster string) string {
	return cluster + "-pool"
}

// BridgeName returns the default host bridge for a cluster, truncated to fit
// the kernel interface name limit.
func BridgeName(cluster string) string {
	name := "br-" + cluster
	if len(name) > maxIfaceName {
		name = name[:maxIfaceName]
	}
	return name
}

// DiskFileName returns the boot disk file name of a VM.
func DiskFileName(vmName string) string {
	return vmName + ".qcow2"
}

// CloudInitFileName returns the seed ISO file name of a VM.
func CloudInitFileName(vmName string) string {
	return vmName + "-cloudinit.iso"
}

// MACFromIP calculates a deterministic MAC address from an IP address using
// the locally administered prefix be:ef.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	v4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", v4[0], v4[1], v4[2], v4[3]), nil
}

// InterfaceNameFromIP calculates a deterministic tap interface name from an IP address.
//
// Example: IP 10.55.22.22 → vm0a371616
func InterfaceNameFromIP(ip string) (string, error) {
	v4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm%02x%02x%02x%02x", v4[0], v4[1], v4[2], v4[3]), nil
}

// parseIPv4 accepts "10.1.2.3" and "10.1.2.3/24".
func parseIPv4(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		addr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = addr.String()
	}

	parsed := net.ParseIP(ipStr)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return v4, nil
}
