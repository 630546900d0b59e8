package v1alpha1

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for corral resources.
	GroupName = "corral.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// ClusterKind is the kind string for Cluster resources.
	ClusterKind = "Cluster"

	// AnnotationConfigPath records the file a cluster was loaded from.
	AnnotationConfigPath = GroupName + "/config-path"

	// DefaultProvisionerTimeout bounds a playbook run without an explicit timeout.
	DefaultProvisionerTimeout = 30 * time.Minute
)

// DefaultDNSServers are used when the network spec names none.
var DefaultDNSServers = []string{"8.8.8.8", "1.1.1.1"}

// NewCluster creates a new Cluster with TypeMeta and ObjectMeta defaults.
func NewCluster(name string, typ ClusterType) *Cluster {
	return &Cluster{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       ClusterKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			UID:               uuid.New().String(),
			CreationTimestamp: Now(),
			Generation:        1,
		},
		Spec: ClusterSpec{Type: typ},
	}
}

// SetDefaultAPIVersion ensures the cluster has the correct apiVersion and kind.
func SetDefaultAPIVersion(c *Cluster) {
	if c.APIVersion == "" {
		c.APIVersion = GroupName + "/" + Version
	}
	if c.Kind == "" {
		c.Kind = ClusterKind
	}
}

// ControllerRole is the role name of the controller node.
func (c *Cluster) ControllerRole() string {
	if c.Spec.Type == ClusterTypeCloud {
		return "control-plane"
	}
	return "controller"
}

// WorkerRole is the role name of the worker nodes.
func (c *Cluster) WorkerRole() string {
	if c.Spec.Type == ClusterTypeCloud {
		return "worker"
	}
	return "compute"
}

// GetDNSServers returns the network DNS servers with default fallback.
func (c *Cluster) GetDNSServers() []string {
	if len(c.Spec.Network.DNSServers) == 0 {
		return copyStrings(DefaultDNSServers)
	}
	return c.Spec.Network.DNSServers
}

// GetBaseImage returns the image a node boots from.
func (c *Cluster) GetBaseImage(node NodeSpec) string {
	if node.BaseImage != "" {
		return node.BaseImage
	}
	return c.Spec.BaseImage
}

// GetProvisionerTimeout parses the provisioner timeout with default fallback.
func (c *Cluster) GetProvisionerTimeout() (time.Duration, error) {
	if c.Spec.Provisioner == nil || c.Spec.Provisioner.Timeout == "" {
		return DefaultProvisionerTimeout, nil
	}
	return time.ParseDuration(c.Spec.Provisioner.Timeout)
}

// ConfigPath returns the file the cluster was loaded from, if known.
func (c *Cluster) ConfigPath() string {
	return c.Annotations[AnnotationConfigPath]
}

// IsAutostart returns true if the node should start with the host.
func (n NodeSpec) IsAutostart() bool {
	return n.Autostart != nil && *n.Autostart
}

// Normalize sanitizes user input to consistent formats.
// This is called automatically before validation.
func (c *Cluster) Normalize() {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	c.Spec.Type = ClusterType(strings.ToLower(strings.TrimSpace(string(c.Spec.Type))))
	c.Spec.Network.Subnet = strings.TrimSpace(c.Spec.Network.Subnet)

	// Bridge names are NOT lowercased - they must match the host exactly

	normalizeNode(&c.Spec.Controller)
	for i := range c.Spec.Workers {
		normalizeNode(&c.Spec.Workers[i])
	}
	if c.Spec.CloudInit != nil {
		c.Spec.CloudInit.Domain = strings.ToLower(strings.TrimSpace(c.Spec.CloudInit.Domain))
	}
}

func normalizeNode(n *NodeSpec) {
	n.IP = strings.TrimSpace(n.IP)
	n.Firmware = strings.ToLower(strings.TrimSpace(n.Firmware))
	for i, addr := range n.Passthrough {
		n.Passthrough[i] = strings.ToLower(strings.TrimSpace(addr))
	}
}
