package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/corral/internal/pci"
)

// Disk is a file-backed disk attached to a domain.
type Disk struct {
	Path   string
	Format string // qcow2 when empty
	Target string // vda, vdb, ... or sda for a cdrom
	CDROM  bool
}

// Interface attaches the domain to a libvirt network, or to a host bridge
// when Network is empty.
type Interface struct {
	Network string
	Bridge  string
	MAC     string
	Target  string
}

// DomainSpec is everything needed to render domain XML.
type DomainSpec struct {
	Name       string
	UUID       string
	VCPUs      int
	MemoryMiB  int
	Firmware   string // "efi" or "" for BIOS
	Disks      []Disk
	Interfaces []Interface
	Bundles    []pci.Bundle
}

// GenerateDomainXML renders libvirt domain XML for spec. Passthrough
// bundles are attached in order with each bundle's primary device first.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("domain name is required")
	}
	if spec.VCPUs <= 0 || spec.MemoryMiB <= 0 {
		return "", fmt.Errorf("domain %s needs positive vcpus and memory", spec.Name)
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Firmware: spec.Firmware,
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	for i, d := range spec.Disks {
		domain.Devices.Disks = append(domain.Devices.Disks, diskXML(d, i == 0))
	}

	for _, iface := range spec.Interfaces {
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, interfaceXML(iface))
	}

	if len(spec.Bundles) > 0 {
		hostdevs, err := hostdevsXML(spec.Bundles)
		if err != nil {
			return "", err
		}
		domain.Devices.Hostdevs = hostdevs
		// keep vendor drivers from refusing to load inside a guest
		domain.Features.KVM = &libvirtxml.DomainFeatureKVM{
			Hidden: &libvirtxml.DomainFeatureState{State: "on"},
		}
	}

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: uintPtr(0),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: uintPtr(0),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}

func diskXML(d Disk, boot bool) libvirtxml.DomainDisk {
	if d.CDROM {
		return libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.Path},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: d.Target,
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		}
	}

	format := d.Format
	if format == "" {
		format = "qcow2"
	}
	disk := libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  format,
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: d.Path},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: d.Target,
			Bus: "virtio",
		},
	}
	if boot {
		disk.Boot = &libvirtxml.DomainDeviceBoot{Order: 1}
	}
	return disk
}

func interfaceXML(iface Interface) libvirtxml.DomainInterface {
	out := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}
	if iface.MAC != "" {
		out.MAC = &libvirtxml.DomainInterfaceMAC{Address: iface.MAC}
	}
	if iface.Target != "" {
		out.Target = &libvirtxml.DomainInterfaceTarget{Dev: iface.Target}
	}

	if iface.Network != "" {
		out.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: iface.Network},
		}
	} else {
		out.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: iface.Bridge},
		}
	}
	return out
}

func hostdevsXML(bundles []pci.Bundle) ([]libvirtxml.DomainHostdev, error) {
	var hostdevs []libvirtxml.DomainHostdev
	for _, b := range bundles {
		for _, dev := range b.Devices {
			addr, err := pci.ParseAddress(dev.Address)
			if err != nil {
				return nil, fmt.Errorf("failed to build hostdev for %s: %w", dev.Address, err)
			}
			hostdevs = append(hostdevs, libvirtxml.DomainHostdev{
				Managed: "yes",
				SubsysPCI: &libvirtxml.DomainHostdevSubsysPCI{
					Source: &libvirtxml.DomainHostdevSubsysPCISource{
						Address: &libvirtxml.DomainAddressPCI{
							Domain:   uintPtr(addr.Domain),
							Bus:      uintPtr(addr.Bus),
							Slot:     uintPtr(addr.Slot),
							Function: uintPtr(addr.Function),
						},
					},
				},
			})
		}
	}
	return hostdevs, nil
}

func uintPtr(v uint) *uint {
	return &v
}
