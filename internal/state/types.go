// Package state persists cluster state as one JSON document per cluster.
//
// The state file is the sole authority between CLI invocations. It is never
// rebuilt from the live hypervisor: a file that cannot be parsed is an
// errdefs.StateCorruptionError and needs a human.
package state

import (
	"time"

	"github.com/samber/lo"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/vm"
)

// Version is the state file format version written by Save.
const Version = "2.0"

// ClusterState is everything corral knows about one cluster.
type ClusterState struct {
	Version    string                `json:"version"`
	Name       string                `json:"cluster_name"`
	Type       v1alpha1.ClusterType  `json:"cluster_type"`
	ConfigPath string                `json:"config_path,omitempty"`
	Phase      v1alpha1.ClusterPhase `json:"lifecycle"`
	Conditions []v1alpha1.Condition  `json:"conditions,omitempty"`

	Network     *NetworkRecord `json:"network,omitempty"`
	StoragePool string         `json:"storage_pool,omitempty"`
	VMs         []VMRecord     `json:"vms"`
	Disks       []DiskRecord   `json:"disks"`

	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// VMRecord is the persisted view of one VM.
type VMRecord struct {
	Name      string       `json:"name"`
	Role      string       `json:"role"`
	UUID      string       `json:"domain_uuid,omitempty"`
	VCPUs     int          `json:"vcpus"`
	MemoryMiB int          `json:"memory_mib"`
	Disks     []string     `json:"disks"`
	IP        string       `json:"ip_address,omitempty"`
	MAC       string       `json:"mac_address,omitempty"`
	Bundles   []pci.Bundle `json:"bundles,omitempty"`
	State     vm.State     `json:"state"`

	// DefinedByRun marks a VM defined by the provisioning run in progress.
	// It is cleared once the run settles.
	DefinedByRun bool `json:"defined_by_run,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// DeviceAddresses lists the VM's passthrough devices in attach order.
func (v VMRecord) DeviceAddresses() []string {
	return lo.FlatMap(v.Bundles, func(b pci.Bundle, _ int) []string { return b.Addresses() })
}

// NetworkRecord is the persisted view of the cluster network.
type NetworkRecord struct {
	Name       string   `json:"name"`
	Subnet     string   `json:"subnet"`
	Bridge     string   `json:"bridge"`
	Gateway    string   `json:"gateway"`
	DHCPStart  string   `json:"dhcp_start"`
	DHCPEnd    string   `json:"dhcp_end"`
	DNSServers []string `json:"dns_servers"`
	Active     bool     `json:"is_active"`

	// ActiveLeases maps VM name to IP address.
	ActiveLeases map[string]string `json:"active_leases"`
}

// DiskRecord is one disk image created for a VM.
type DiskRecord struct {
	Path         string `json:"path"`
	VM           string `json:"vm"`
	Format       string `json:"format"`
	SizeGB       int    `json:"size_gb"`
	BackingImage string `json:"backing_image,omitempty"`
}

// New returns an empty state for a cluster that has never been provisioned.
func New(name string, typ v1alpha1.ClusterType) *ClusterState {
	return &ClusterState{
		Version: Version,
		Name:    name,
		Type:    typ,
		VMs:     []VMRecord{},
		Disks:   []DiskRecord{},
	}
}

// VM returns the record for name.
func (cs *ClusterState) VM(name string) (*VMRecord, bool) {
	for i := range cs.VMs {
		if cs.VMs[i].Name == name {
			return &cs.VMs[i], true
		}
	}
	return nil, false
}

// UpsertVM replaces the record with the same name or appends rec.
func (cs *ClusterState) UpsertVM(rec VMRecord) {
	now := time.Now().UTC()
	rec.LastModified = now
	if existing, ok := cs.VM(rec.Name); ok {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
		*existing = rec
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	cs.VMs = append(cs.VMs, rec)
}

// SetVMState records an observed VM state. Unknown VMs are ignored.
func (cs *ClusterState) SetVMState(name string, s vm.State) {
	if rec, ok := cs.VM(name); ok {
		rec.State = s
		rec.LastModified = time.Now().UTC()
	}
}

// RemoveVM drops the record for name.
func (cs *ClusterState) RemoveVM(name string) {
	cs.VMs = lo.Reject(cs.VMs, func(v VMRecord, _ int) bool { return v.Name == name })
}

// AddDisk records a disk, replacing any record with the same path.
func (cs *ClusterState) AddDisk(d DiskRecord) {
	cs.Disks = append(lo.Reject(cs.Disks, func(x DiskRecord, _ int) bool { return x.Path == d.Path }), d)
}

// HasDisk reports whether path is recorded.
func (cs *ClusterState) HasDisk(path string) bool {
	return lo.ContainsBy(cs.Disks, func(d DiskRecord) bool { return d.Path == path })
}

// Holds reports whether the cluster still holds host resources: devices,
// a bridge and a subnet.
func (cs *ClusterState) Holds() bool {
	return cs.Phase != v1alpha1.ClusterPhaseDestroyed
}
