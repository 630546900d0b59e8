// Package loader reads Cluster resources from YAML files and validates them
// before anything touches the host.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/network"
	"github.com/jbweber/corral/internal/pci"
)

// maxNameLength keeps "<cluster>-control-plane" and the default bridge
// within interface and hostname limits.
const maxNameLength = 32

var (
	// Must start and end with alphanumeric, can contain hyphens.
	namePattern   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	bridgePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,14}$`)
)

// LoadFromFile loads a Cluster resource from a YAML file.
// The file must be in the corral.cofront.xyz/v1alpha1 format.
func LoadFromFile(fs afero.Fs, path string) (*v1alpha1.Cluster, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	c, err := LoadFromYAML(data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if c.Annotations == nil {
		c.Annotations = map[string]string{}
	}
	c.Annotations[v1alpha1.AnnotationConfigPath] = path
	return c, nil
}

// LoadFromYAML loads a Cluster resource from YAML bytes. Unknown fields are
// rejected.
func LoadFromYAML(data []byte) (*v1alpha1.Cluster, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c v1alpha1.Cluster
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errdefs.Invalid("document", "", "file is empty")
		}
		return nil, errdefs.Invalid("document", "", "failed to unmarshal YAML: %v", err)
	}

	if c.APIVersion == "" {
		return nil, errdefs.Invalid("apiVersion", "", "missing required field")
	}
	if c.Kind == "" {
		return nil, errdefs.Invalid("kind", "", "missing required field")
	}

	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if c.APIVersion != expectedAPIVersion {
		return nil, errdefs.Invalid("apiVersion", c.APIVersion, "unsupported, expected %s", expectedAPIVersion)
	}
	if c.Kind != v1alpha1.ClusterKind {
		return nil, errdefs.Invalid("kind", c.Kind, "unsupported, expected %s", v1alpha1.ClusterKind)
	}

	c.Normalize()
	normalizePassthrough(&c)

	if err := Validate(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// SaveToFile saves a Cluster resource to a YAML file.
func SaveToFile(fs afero.Fs, c *v1alpha1.Cluster, path string) error {
	v1alpha1.SetDefaultAPIVersion(c)

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster to YAML: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

func normalizePassthrough(c *v1alpha1.Cluster) {
	nodes := append([]*v1alpha1.NodeSpec{&c.Spec.Controller}, workerPtrs(c)...)
	for _, n := range nodes {
		for i, addr := range n.Passthrough {
			n.Passthrough[i] = pci.NormalizeAddress(addr)
		}
	}
}

func workerPtrs(c *v1alpha1.Cluster) []*v1alpha1.NodeSpec {
	out := make([]*v1alpha1.NodeSpec, len(c.Spec.Workers))
	for i := range c.Spec.Workers {
		out[i] = &c.Spec.Workers[i]
	}
	return out
}

// Validate checks a normalized cluster for required fields and consistency.
// It does not look at the host: images, devices and bridges are checked
// when the cluster is planned.
func Validate(c *v1alpha1.Cluster) error {
	if c.Name == "" {
		return errdefs.Invalid("metadata.name", "", "is required")
	}
	if len(c.Name) > maxNameLength {
		return errdefs.Invalid("metadata.name", c.Name, "must be at most %d characters", maxNameLength)
	}
	if !namePattern.MatchString(c.Name) {
		return errdefs.Invalid("metadata.name", c.Name, "must start and end with alphanumeric characters and contain only alphanumeric characters or hyphens")
	}

	switch c.Spec.Type {
	case v1alpha1.ClusterTypeHPC, v1alpha1.ClusterTypeCloud:
	default:
		return errdefs.Invalid("spec.type", string(c.Spec.Type), "must be %s or %s", v1alpha1.ClusterTypeHPC, v1alpha1.ClusterTypeCloud)
	}

	if err := validateNetwork(c); err != nil {
		return err
	}

	nodes := append([]v1alpha1.NodeSpec{c.Spec.Controller}, c.Spec.Workers...)
	ipsSeen := map[string]string{}
	devicesSeen := map[string]string{}
	for i, n := range nodes {
		field := "spec.controller"
		if i > 0 {
			field = fmt.Sprintf("spec.workers[%d]", i-1)
		}
		if err := validateNode(c, field, n); err != nil {
			return err
		}

		if n.IP != "" {
			if other, dup := ipsSeen[n.IP]; dup {
				return errdefs.Invalid(field+".ip", n.IP, "duplicated, also used by %s", other)
			}
			ipsSeen[n.IP] = field
		}
		for _, addr := range n.Passthrough {
			if other, dup := devicesSeen[addr]; dup {
				return errdefs.Invalid(field+".passthrough", addr, "duplicated, also requested by %s", other)
			}
			devicesSeen[addr] = field
		}
	}

	if ci := c.Spec.CloudInit; ci != nil {
		if err := validateCloudInit(ci); err != nil {
			return err
		}
	}

	if p := c.Spec.Provisioner; p != nil {
		if p.Playbook == "" {
			return errdefs.Invalid("spec.provisioner.playbook", "", "is required")
		}
		if _, err := c.GetProvisionerTimeout(); err != nil {
			return errdefs.Invalid("spec.provisioner.timeout", p.Timeout, "not a duration: %v", err)
		}
	}

	if c.Spec.Parallelism < 0 {
		return errdefs.Invalid("spec.parallelism", fmt.Sprint(c.Spec.Parallelism), "must not be negative")
	}

	return nil
}

func validateNetwork(c *v1alpha1.Cluster) error {
	n := c.Spec.Network
	if n.Subnet == "" {
		return errdefs.Invalid("spec.network.subnet", "", "is required")
	}
	if _, err := network.ParseLayout(n.Subnet); err != nil {
		var verr *errdefs.ValidationError
		if errors.As(err, &verr) {
			return errdefs.Invalid("spec."+verr.Field, verr.Value, "%s", verr.Reason)
		}
		return err
	}
	if n.Bridge != "" && !bridgePattern.MatchString(n.Bridge) {
		return errdefs.Invalid("spec.network.bridge", n.Bridge, "must be a valid interface name of at most 15 characters")
	}
	for i, dns := range n.DNSServers {
		if _, err := netip.ParseAddr(dns); err != nil {
			return errdefs.Invalid(fmt.Sprintf("spec.network.dnsServers[%d]", i), dns, "not a valid IP address")
		}
	}
	return nil
}

func validateNode(c *v1alpha1.Cluster, field string, n v1alpha1.NodeSpec) error {
	if n.VCPUs <= 0 {
		return errdefs.Invalid(field+".vcpus", fmt.Sprint(n.VCPUs), "must be greater than 0")
	}
	if n.MemoryGiB <= 0 {
		return errdefs.Invalid(field+".memoryGiB", fmt.Sprint(n.MemoryGiB), "must be greater than 0")
	}
	if n.DiskGB <= 0 {
		return errdefs.Invalid(field+".diskGB", fmt.Sprint(n.DiskGB), "must be greater than 0")
	}
	if c.GetBaseImage(n) == "" {
		return errdefs.Invalid(field+".baseImage", "", "no base image set for the node or the cluster")
	}
	if n.Firmware != "" && n.Firmware != "efi" {
		return errdefs.Invalid(field+".firmware", n.Firmware, "must be efi or empty for BIOS")
	}

	if n.IP != "" {
		addr, err := netip.ParseAddr(n.IP)
		if err != nil {
			return errdefs.Invalid(field+".ip", n.IP, "not a valid IP address")
		}
		layout, err := network.ParseLayout(c.Spec.Network.Subnet)
		if err != nil {
			return err
		}
		if !layout.Usable(addr) {
			return errdefs.Invalid(field+".ip", n.IP, "not a usable host address in %s", c.Spec.Network.Subnet)
		}
	}

	for _, addr := range n.Passthrough {
		if err := pci.ValidateAddress(addr); err != nil {
			return errdefs.Invalid(field+".passthrough", addr, "expected domain:bus:slot.function, e.g. 0000:01:00.0")
		}
	}
	return nil
}

func validateCloudInit(ci *v1alpha1.CloudInitSpec) error {
	if ci.Domain != "" && !domainPattern.MatchString(ci.Domain) {
		return errdefs.Invalid("spec.cloudInit.domain", ci.Domain, "must be a valid DNS domain")
	}

	for i, key := range ci.SSHAuthorizedKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return errdefs.Invalid(fmt.Sprintf("spec.cloudInit.sshAuthorizedKeys[%d]", i), truncate(key), "not a valid SSH public key: %v", err)
		}
	}

	if ci.PasswordHash != "" {
		if len(ci.PasswordHash) < 10 || !strings.HasPrefix(ci.PasswordHash, "$") {
			return errdefs.Invalid("spec.cloudInit.passwordHash", "", "must be a crypt hash starting with $")
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}
