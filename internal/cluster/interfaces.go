package cluster

import (
	"context"

	"github.com/jbweber/corral/internal/ansible"
	"github.com/jbweber/corral/internal/disk"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
	"github.com/jbweber/corral/internal/vm"
)

// VMs is the part of *vm.Manager the orchestrator drives.
type VMs interface {
	Define(ctx context.Context, spec vm.Spec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, force bool) error
	Undefine(ctx context.Context, name string) error
	GetState(ctx context.Context, name string) (vm.State, error)
}

// Disks is the part of *disk.Manager the orchestrator drives.
type Disks interface {
	CreateFromBase(ctx context.Context, base, dest string, sizeGB int) (disk.Image, error)
	Inspect(ctx context.Context, path string) (disk.Info, error)
	Delete(ctx context.Context, path string) error
}

// Networks is the part of *network.Manager the orchestrator drives.
type Networks interface {
	EnsureNetwork(ctx context.Context, spec corrallibvirt.NetworkSpec) (bool, error)
	DeleteNetwork(ctx context.Context, name string) error
	IsActive(ctx context.Context, name string) (bool, error)
}

// Pools is the part of *storage.Manager the orchestrator drives.
type Pools interface {
	EnsurePool(ctx context.Context, name, path string) (bool, error)
	DeletePool(ctx context.Context, name string) error
}

// Devices plans passthrough bundles. Satisfied by *pci.Inventory.
type Devices interface {
	PlanPassthrough(ctx context.Context, requested []string, claims map[string]string) ([]pci.Bundle, error)
}

// HostChecker runs host capability checks. Satisfied by *preflight.Checker.
type HostChecker interface {
	Run(ctx context.Context, req preflight.Requirements) preflight.Report
}

// Provisioner runs the post-boot playbook. Satisfied by *ansible.Provisioner.
type Provisioner interface {
	Provision(ctx context.Context, cs *state.ClusterState, run ansible.Run) error
}
