// Package pci discovers host PCIe devices, resolves their IOMMU groups and
// plans passthrough bundles.
//
// Host topology is read fresh on every call and is never cached: the live
// host is the only source of truth for which devices exist and which driver
// they are bound to.
package pci

import (
	"strings"

	"github.com/samber/lo"
)

// DeviceType classifies a PCI function.
type DeviceType string

const (
	DeviceTypeGPU     DeviceType = "gpu"
	DeviceTypeAudio   DeviceType = "audio"
	DeviceTypeNetwork DeviceType = "network"
	DeviceTypeStorage DeviceType = "storage"
	DeviceTypeOther   DeviceType = "other"
)

// Status describes whether a device can be handed to a guest.
type Status string

const (
	// StatusAvailable means no host driver holds the device (or it is bound to vfio).
	StatusAvailable Status = "available"
	// StatusAttached means a host driver other than vfio is bound.
	StatusAttached Status = "attached-to-driver"
	// StatusAssigned means a VM already claims the device.
	StatusAssigned Status = "assigned"
)

// UnknownGroup is the IOMMUGroup of a device whose group cannot be resolved,
// typically because IOMMU is disabled.
const UnknownGroup = -1

// Device is one PCI function on the host.
type Device struct {
	Address    string     `json:"pci_address" yaml:"pci_address"`
	VendorID   string     `json:"vendor_id" yaml:"vendor_id"`
	DeviceID   string     `json:"device_id" yaml:"device_id"`
	Type       DeviceType `json:"device_type" yaml:"device_type"`
	IOMMUGroup int        `json:"iommu_group" yaml:"iommu_group"`
	Driver     string     `json:"bound_driver,omitempty" yaml:"bound_driver,omitempty"`
	Status     Status     `json:"status" yaml:"status"`
	Owner      string     `json:"owner,omitempty" yaml:"owner,omitempty"`

	// Populated by the vendor management tool for driver-attached GPUs.
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	UUID          string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	MemoryMiB     int    `json:"memory_mib,omitempty" yaml:"memory_mib,omitempty"`
	MIGCapable    bool   `json:"mig_capable,omitempty" yaml:"mig_capable,omitempty"`
	MIGMode       string `json:"mig_mode,omitempty" yaml:"mig_mode,omitempty"`
	DriverVersion string `json:"driver_version,omitempty" yaml:"driver_version,omitempty"`

	Source string `json:"source" yaml:"source"`
}

// GroupKnown reports whether the IOMMU group was resolved.
func (d Device) GroupKnown() bool {
	return d.IOMMUGroup != UnknownGroup
}

// BoundToVFIO reports whether the passthrough driver holds the device.
func (d Device) BoundToVFIO() bool {
	return strings.HasPrefix(d.Driver, "vfio")
}

// conflictingDrivers are host drivers that must be unbound before passthrough.
var conflictingDrivers = []string{"nvidia", "nouveau", "radeon", "amdgpu"}

// HasConflictingDriver reports whether a GPU host driver holds the device.
func (d Device) HasConflictingDriver() bool {
	return lo.Contains(conflictingDrivers, d.Driver)
}

// Bundle is a set of devices sharing one IOMMU group that must be passed to
// the same guest together. The primary device is first.
type Bundle struct {
	IOMMUGroup int      `json:"iommu_group" yaml:"iommu_group"`
	Devices    []Device `json:"devices" yaml:"devices"`
}

// Primary returns the device the bundle was planned for.
func (b Bundle) Primary() Device {
	return b.Devices[0]
}

// Addresses returns the bundle's addresses in attach order.
func (b Bundle) Addresses() []string {
	return lo.Map(b.Devices, func(d Device, _ int) string { return d.Address })
}

// ApplyClaims marks devices present in claims as assigned to their owner.
func ApplyClaims(devices []Device, claims map[string]string) []Device {
	return lo.Map(devices, func(d Device, _ int) Device {
		if owner, ok := claims[d.Address]; ok {
			d.Status = StatusAssigned
			d.Owner = owner
		}
		return d
	})
}

func statusFor(driver string) Status {
	if driver == "" || strings.HasPrefix(driver, "vfio") {
		return StatusAvailable
	}
	return StatusAttached
}

// typeFromClass maps a PCI class code ("0x030000", "0300", "0403") to a DeviceType.
func typeFromClass(class string) DeviceType {
	class = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(class)), "0x")
	if len(class) < 4 {
		return DeviceTypeOther
	}
	switch {
	case strings.HasPrefix(class, "03"):
		return DeviceTypeGPU
	case strings.HasPrefix(class, "0403"), strings.HasPrefix(class, "0401"):
		return DeviceTypeAudio
	case strings.HasPrefix(class, "02"):
		return DeviceTypeNetwork
	case strings.HasPrefix(class, "01"):
		return DeviceTypeStorage
	default:
		return DeviceTypeOther
	}
}

// isBridgeClass reports PCI bridges, which VFIO does not require in a bundle.
func isBridgeClass(class string) bool {
	class = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(class)), "0x")
	return strings.HasPrefix(class, "06")
}
