// Package ansible runs the optional provisioning playbook against a running
// cluster. The inventory is generated from cluster state, never from the
// hypervisor.
package ansible

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/state"
)

// Host is the variable set of one inventory host.
type Host struct {
	AnsibleHost string   `yaml:"ansible_host"`
	AnsibleUser string   `yaml:"ansible_user"`
	CPUCores    int      `yaml:"cpu_cores"`
	MemoryGB    int      `yaml:"memory_gb"`
	NodeRole    string   `yaml:"node_role"`
	HasGPU      bool     `yaml:"has_gpu"`
	GPUCount    int      `yaml:"gpu_count"`
	GPUDevices  []string `yaml:"gpu_devices,omitempty"`
}

// Group is an inventory group.
type Group struct {
	Hosts map[string]Host `yaml:"hosts"`
}

// NetworkVars describes the cluster network to playbooks.
type NetworkVars struct {
	Name    string `yaml:"name"`
	Subnet  string `yaml:"subnet"`
	Gateway string `yaml:"gateway"`
	Bridge  string `yaml:"bridge"`
}

// ClusterVars are the variables shared by every host.
type ClusterVars struct {
	ClusterName string       `yaml:"cluster_name"`
	ClusterType string       `yaml:"cluster_type"`
	Network     *NetworkVars `yaml:"network,omitempty"`
}

// Inventory is a static YAML inventory rooted at the "all" group.
type Inventory struct {
	All struct {
		Vars     ClusterVars      `yaml:"vars"`
		Children map[string]Group `yaml:"children"`
	} `yaml:"all"`
}

// Group names per cluster type. GPU nodes of either role get their own group
// so playbooks can target driver installs.
var groupNames = map[v1alpha1.ClusterType]struct{ controller, worker, gpu string }{
	v1alpha1.ClusterTypeHPC:   {"hpc_controllers", "hpc_compute_nodes", "hpc_gpu_nodes"},
	v1alpha1.ClusterTypeCloud: {"k8s_control_plane", "k8s_workers", "k8s_gpu_workers"},
}

// BuildInventory generates the inventory for cs. Every VM must have an IP.
func BuildInventory(cs *state.ClusterState, user string) (*Inventory, error) {
	names, ok := groupNames[cs.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported cluster type %q", cs.Type)
	}
	if user == "" {
		user = "root"
	}

	inv := &Inventory{}
	inv.All.Vars = ClusterVars{ClusterName: cs.Name, ClusterType: string(cs.Type)}
	if cs.Network != nil {
		inv.All.Vars.Network = &NetworkVars{
			Name:    cs.Network.Name,
			Subnet:  cs.Network.Subnet,
			Gateway: cs.Network.Gateway,
			Bridge:  cs.Network.Bridge,
		}
	}
	inv.All.Children = map[string]Group{}

	for _, v := range cs.VMs {
		if v.IP == "" {
			return nil, fmt.Errorf("vm %s has no IP address", v.Name)
		}

		gpus := gpuAddresses(v)
		host := Host{
			AnsibleHost: v.IP,
			AnsibleUser: user,
			CPUCores:    v.VCPUs,
			MemoryGB:    v.MemoryMiB / 1024,
			NodeRole:    v.Role,
			HasGPU:      len(gpus) > 0,
			GPUCount:    len(gpus),
			GPUDevices:  gpus,
		}

		group := names.worker
		switch {
		case v.Role == "controller" || v.Role == "control-plane":
			group = names.controller
		case host.HasGPU:
			group = names.gpu
		}
		addHost(inv, group, v.Name, host)
	}

	return inv, nil
}

func addHost(inv *Inventory, group, name string, h Host) {
	g, ok := inv.All.Children[group]
	if !ok {
		g = Group{Hosts: map[string]Host{}}
		inv.All.Children[group] = g
	}
	g.Hosts[name] = h
}

// gpuAddresses returns the primary device of each bundle; companions such as
// the GPU's audio function are not counted.
func gpuAddresses(v state.VMRecord) []string {
	var out []string
	for _, b := range v.Bundles {
		if len(b.Devices) > 0 {
			out = append(out, b.Primary().Address)
		}
	}
	return out
}

// Marshal renders the inventory as YAML.
func (inv *Inventory) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inventory: %w", err)
	}
	return data, nil
}

// WriteInventory writes the inventory for cs to path.
func WriteInventory(fs afero.Fs, path string, cs *state.ClusterState, user string) error {
	inv, err := BuildInventory(cs, user)
	if err != nil {
		return err
	}
	data, err := inv.Marshal()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write inventory %s: %w", path, err)
	}
	return nil
}
