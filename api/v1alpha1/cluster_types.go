package v1alpha1

// Cluster describes a set of VMs that share one isolated network on a
// single host: a controller (or control plane) and any number of workers.
//
// +kubebuilder:object:root=true
// +kubebuilder:resource:shortName=cl
type Cluster struct {
	TypeMeta `json:",inline" yaml:",inline"`

	// +optional
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Spec defines the desired state of the Cluster.
	Spec ClusterSpec `json:"spec" yaml:"spec"`
}

// ClusterType selects node roles and naming.
type ClusterType string

const (
	// ClusterTypeHPC is a controller plus compute nodes.
	ClusterTypeHPC ClusterType = "hpc"
	// ClusterTypeCloud is a control plane plus worker nodes.
	ClusterTypeCloud ClusterType = "cloud"
)

// ClusterSpec defines the desired state of a Cluster.
type ClusterSpec struct {
	// +kubebuilder:validation:Enum=hpc;cloud
	Type ClusterType `json:"type" yaml:"type"`

	// BaseImage is the path of the qcow2 or raw image every node boots from
	// unless the node overrides it. It is never written to.
	BaseImage string `json:"baseImage" yaml:"baseImage"`

	// Network is the isolated NAT network all nodes attach to.
	Network NetworkSpec `json:"network" yaml:"network"`

	// Controller is the controller (hpc) or control plane (cloud) node.
	Controller NodeSpec `json:"controller" yaml:"controller"`

	// Workers are the compute (hpc) or worker (cloud) nodes, in order.
	// +optional
	Workers []NodeSpec `json:"workers,omitempty" yaml:"workers,omitempty"`

	// +optional
	CloudInit *CloudInitSpec `json:"cloudInit,omitempty" yaml:"cloudInit,omitempty"`

	// Provisioner runs after every node is running.
	// +optional
	Provisioner *ProvisionerSpec `json:"provisioner,omitempty" yaml:"provisioner,omitempty"`

	// Parallelism bounds how many nodes are brought up at once. Zero uses
	// the host default.
	// +optional
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
}

// NetworkSpec defines the cluster network.
type NetworkSpec struct {
	// Subnet in CIDR notation, e.g. "192.168.100.0/24". The gateway is the
	// first host address.
	Subnet string `json:"subnet" yaml:"subnet"`

	// Bridge is the host bridge libvirt creates. Defaults to br-<cluster>.
	// +optional
	Bridge string `json:"bridge,omitempty" yaml:"bridge,omitempty"`

	// +optional
	DNSServers []string `json:"dnsServers,omitempty" yaml:"dnsServers,omitempty"`
}

// NodeSpec defines one VM.
type NodeSpec struct {
	// +kubebuilder:validation:Minimum=1
	VCPUs int `json:"vcpus" yaml:"vcpus"`

	// +kubebuilder:validation:Minimum=1
	MemoryGiB int `json:"memoryGiB" yaml:"memoryGiB"`

	// DiskGB is the virtual size of the copy-on-write boot disk.
	// +kubebuilder:validation:Minimum=1
	DiskGB int `json:"diskGB" yaml:"diskGB"`

	// BaseImage overrides the cluster base image for this node.
	// +optional
	BaseImage string `json:"baseImage,omitempty" yaml:"baseImage,omitempty"`

	// IP is a static address inside the cluster subnet. Allocated from
	// .10 upward when empty.
	// +optional
	IP string `json:"ip,omitempty" yaml:"ip,omitempty"`

	// Firmware is "efi" or empty for BIOS.
	// +optional
	// +kubebuilder:validation:Enum=efi
	Firmware string `json:"firmware,omitempty" yaml:"firmware,omitempty"`

	// Passthrough lists PCI addresses to hand to the guest. Every device
	// sharing an IOMMU group with a listed device is passed through too.
	// +optional
	Passthrough []string `json:"passthrough,omitempty" yaml:"passthrough,omitempty"`

	// Autostart starts the VM when the host boots. Defaults to false.
	// +optional
	Autostart *bool `json:"autostart,omitempty" yaml:"autostart,omitempty"`
}

// CloudInitSpec defines the cloud-init seed every node receives.
type CloudInitSpec struct {
	// +optional
	SSHAuthorizedKeys []string `json:"sshAuthorizedKeys,omitempty" yaml:"sshAuthorizedKeys,omitempty"`

	// PasswordHash is the hashed password for the root user.
	// Generate with: mkpasswd --method=SHA-512
	// +optional
	PasswordHash string `json:"passwordHash,omitempty" yaml:"passwordHash,omitempty"`

	// +optional
	SSHPasswordAuth bool `json:"sshPasswordAuth,omitempty" yaml:"sshPasswordAuth,omitempty"`

	// Domain is appended to each node name to form its FQDN.
	// +optional
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// ProvisionerSpec runs an Ansible playbook against the cluster.
type ProvisionerSpec struct {
	Playbook string `json:"playbook" yaml:"playbook"`

	// +optional
	ExtraVars map[string]string `json:"extraVars,omitempty" yaml:"extraVars,omitempty"`

	// Timeout is a Go duration string. Defaults to 30m.
	// +optional
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ClusterPhase is the lifecycle phase of a cluster.
type ClusterPhase string

const (
	// ClusterPhaseAbsent means no state exists for the cluster.
	ClusterPhaseAbsent ClusterPhase = ""
	// ClusterPhasePlanned means resources are reserved but nothing is created yet.
	ClusterPhasePlanned ClusterPhase = "planned"
	// ClusterPhaseProvisioning means resources are being created.
	ClusterPhaseProvisioning ClusterPhase = "provisioning"
	// ClusterPhaseRunning means every VM reached RUNNING.
	ClusterPhaseRunning ClusterPhase = "running"
	// ClusterPhaseStopped means every VM is shut off; disks and network remain.
	ClusterPhaseStopped ClusterPhase = "stopped"
	// ClusterPhasePartiallyProvisioned means provisioning failed or was
	// cancelled part way. VMs that started are still running.
	ClusterPhasePartiallyProvisioned ClusterPhase = "partially-provisioned"
	// ClusterPhaseDestroyed means every resource was removed.
	ClusterPhaseDestroyed ClusterPhase = "destroyed"
)

// Standard condition types for clusters.
const (
	// ConditionReady indicates every VM is running and provisioning finished.
	ConditionReady = "Ready"

	// ConditionNetworkReady indicates the cluster network is defined and active.
	ConditionNetworkReady = "NetworkReady"

	// ConditionStorageProvisioned indicates the storage pool and all disks exist.
	ConditionStorageProvisioned = "StorageProvisioned"

	// ConditionVMsRunning indicates every VM reached RUNNING.
	ConditionVMsRunning = "VMsRunning"

	// ConditionConfigured indicates the provisioner playbook succeeded.
	ConditionConfigured = "Configured"
)

// DeepCopy creates a deep copy of Cluster.
func (in *Cluster) DeepCopy() *Cluster {
	if in == nil {
		return nil
	}
	out := new(Cluster)
	out.TypeMeta = *in.TypeMeta.DeepCopy()
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = *in.Spec.DeepCopy()
	return out
}

// DeepCopy creates a deep copy of ClusterSpec.
func (in *ClusterSpec) DeepCopy() *ClusterSpec {
	if in == nil {
		return nil
	}
	out := new(ClusterSpec)
	*out = *in
	out.Network.DNSServers = copyStrings(in.Network.DNSServers)
	out.Controller = *in.Controller.DeepCopy()
	if in.Workers != nil {
		out.Workers = make([]NodeSpec, len(in.Workers))
		for i := range in.Workers {
			out.Workers[i] = *in.Workers[i].DeepCopy()
		}
	}
	if in.CloudInit != nil {
		out.CloudInit = in.CloudInit.DeepCopy()
	}
	if in.Provisioner != nil {
		p := *in.Provisioner
		p.ExtraVars = copyStringMap(in.Provisioner.ExtraVars)
		out.Provisioner = &p
	}
	return out
}

// DeepCopy creates a deep copy of NodeSpec.
func (in *NodeSpec) DeepCopy() *NodeSpec {
	if in == nil {
		return nil
	}
	out := new(NodeSpec)
	*out = *in
	out.Passthrough = copyStrings(in.Passthrough)
	if in.Autostart != nil {
		autostart := *in.Autostart
		out.Autostart = &autostart
	}
	return out
}

// DeepCopy creates a deep copy of CloudInitSpec.
func (in *CloudInitSpec) DeepCopy() *CloudInitSpec {
	if in == nil {
		return nil
	}
	out := new(CloudInitSpec)
	*out = *in
	out.SSHAuthorizedKeys = copyStrings(in.SSHAuthorizedKeys)
	return out
}
