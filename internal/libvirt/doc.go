// Package libvirt wraps github.com/digitalocean/go-libvirt for corral.
//
// It provides:
//   - Connection management (connect, disconnect, ping)
//   - Domain, network and storage pool XML generation with libvirtxml
//   - Error classification: daemon-reported errors versus transport failures
//
// Connection:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Domain XML:
//
//	xml, err := libvirt.GenerateDomainXML(libvirt.DomainSpec{
//	    Name:      "hpc-compute-01",
//	    VCPUs:     8,
//	    MemoryMiB: 16384,
//	    Disks:     []libvirt.Disk{{Path: "/var/lib/corral/hpc/hpc-compute-01.qcow2", Target: "vda"}},
//	    Bundles:   bundles,
//	})
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers (internal/vm,
// internal/network, internal/storage, internal/metadata) declare the subset
// of *libvirt.Libvirt they call, which keeps them testable with hand-written
// mocks.
package libvirt
