package loader

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/errdefs"
)

const testSSHKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com"

const validCluster = `
apiVersion: corral.cofront.xyz/v1alpha1
kind: Cluster
metadata:
  name: HPC
spec:
  type: hpc
  baseImage: /var/lib/corral/images/rocky-9.qcow2
  network:
    subnet: 192.168.100.0/24
  controller:
    vcpus: 4
    memoryGiB: 8
    diskGB: 100
    ip: 192.168.100.10
  workers:
    - vcpus: 8
      memoryGiB: 16
      diskGB: 200
      passthrough: ["65:00.0"]
    - vcpus: 8
      memoryGiB: 16
      diskGB: 200
  cloudInit:
    domain: HPC.Lab
    sshAuthorizedKeys:
      - ` + testSSHKey + `
  provisioner:
    playbook: /srv/playbooks/slurm.yml
    timeout: 45m
`

func TestLoadFromYAML_Valid(t *testing.T) {
	c, err := LoadFromYAML([]byte(validCluster))
	if err != nil {
		t.Fatalf("LoadFromYAML() error = %v", err)
	}

	if c.Name != "hpc" {
		t.Errorf("Expected normalized name 'hpc', got %s", c.Name)
	}
	if c.Spec.Type != v1alpha1.ClusterTypeHPC {
		t.Errorf("Expected type hpc, got %s", c.Spec.Type)
	}
	if len(c.Spec.Workers) != 2 {
		t.Fatalf("Expected 2 workers, got %d", len(c.Spec.Workers))
	}
	if got := c.Spec.Workers[0].Passthrough[0]; got != "0000:65:00.0" {
		t.Errorf("Expected short PCI address to gain its domain, got %s", got)
	}
	if c.Spec.CloudInit.Domain != "hpc.lab" {
		t.Errorf("Expected lowercased domain, got %s", c.Spec.CloudInit.Domain)
	}
	if c.Spec.Controller.IsAutostart() {
		t.Error("Expected autostart to default to false")
	}
}

func TestLoadFromYAML_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name:      "empty document",
			yaml:      "",
			wantField: "document",
		},
		{
			name:      "invalid yaml",
			yaml:      "apiVersion: [",
			wantField: "document",
		},
		{
			name:      "unknown field",
			yaml:      strings.Replace(validCluster, "  type: hpc", "  type: hpc\n  gpus: 2", 1),
			wantField: "document",
		},
		{
			name:      "missing apiVersion",
			yaml:      strings.Replace(validCluster, "apiVersion: corral.cofront.xyz/v1alpha1\n", "", 1),
			wantField: "apiVersion",
		},
		{
			name:      "wrong apiVersion",
			yaml:      strings.Replace(validCluster, "corral.cofront.xyz/v1alpha1", "other.example.com/v1alpha1", 1),
			wantField: "apiVersion",
		},
		{
			name:      "missing kind",
			yaml:      strings.Replace(validCluster, "kind: Cluster\n", "", 1),
			wantField: "kind",
		},
		{
			name:      "wrong kind",
			yaml:      strings.Replace(validCluster, "kind: Cluster", "kind: VirtualMachine", 1),
			wantField: "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromYAML([]byte(tt.yaml))
			var verr *errdefs.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Expected field %q, got %q (%v)", tt.wantField, verr.Field, err)
			}
			if errdefs.ExitCode(err) != errdefs.ExitFailure {
				t.Errorf("Expected exit code 1, got %d", errdefs.ExitCode(err))
			}
		})
	}
}

// validSpec returns a cluster that passes Validate.
func validSpec() *v1alpha1.Cluster {
	c := v1alpha1.NewCluster("hpc", v1alpha1.ClusterTypeHPC)
	c.Spec.BaseImage = "/images/rocky.qcow2"
	c.Spec.Network.Subnet = "10.20.0.0/24"
	c.Spec.Controller = v1alpha1.NodeSpec{VCPUs: 2, MemoryGiB: 4, DiskGB: 50}
	c.Spec.Workers = []v1alpha1.NodeSpec{
		{VCPUs: 4, MemoryGiB: 8, DiskGB: 50, Passthrough: []string{"0000:65:00.0"}},
		{VCPUs: 4, MemoryGiB: 8, DiskGB: 50},
	}
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*v1alpha1.Cluster)
		wantField string
	}{
		{"valid", func(*v1alpha1.Cluster) {}, ""},
		{"missing name", func(c *v1alpha1.Cluster) { c.Name = "" }, "metadata.name"},
		{"name with underscore", func(c *v1alpha1.Cluster) { c.Name = "hpc_lab" }, "metadata.name"},
		{"name ends with hyphen", func(c *v1alpha1.Cluster) { c.Name = "hpc-" }, "metadata.name"},
		{"name too long", func(c *v1alpha1.Cluster) { c.Name = strings.Repeat("a", 33) }, "metadata.name"},
		{"bad type", func(c *v1alpha1.Cluster) { c.Spec.Type = "grid" }, "spec.type"},
		{"missing subnet", func(c *v1alpha1.Cluster) { c.Spec.Network.Subnet = "" }, "spec.network.subnet"},
		{"subnet too small", func(c *v1alpha1.Cluster) { c.Spec.Network.Subnet = "10.20.0.0/29" }, "spec.network.subnet"},
		{"bridge too long", func(c *v1alpha1.Cluster) { c.Spec.Network.Bridge = "br-way-too-long-name" }, "spec.network.bridge"},
		{"bad dns", func(c *v1alpha1.Cluster) { c.Spec.Network.DNSServers = []string{"dns.google"} }, "spec.network.dnsServers[0]"},
		{"zero vcpus", func(c *v1alpha1.Cluster) { c.Spec.Controller.VCPUs = 0 }, "spec.controller.vcpus"},
		{"zero memory", func(c *v1alpha1.Cluster) { c.Spec.Workers[1].MemoryGiB = 0 }, "spec.workers[1].memoryGiB"},
		{"zero disk", func(c *v1alpha1.Cluster) { c.Spec.Workers[0].DiskGB = 0 }, "spec.workers[0].diskGB"},
		{"no base image", func(c *v1alpha1.Cluster) { c.Spec.BaseImage = "" }, "spec.controller.baseImage"},
		{"bad firmware", func(c *v1alpha1.Cluster) { c.Spec.Controller.Firmware = "uboot" }, "spec.controller.firmware"},
		{"ip outside subnet", func(c *v1alpha1.Cluster) { c.Spec.Controller.IP = "10.30.0.5" }, "spec.controller.ip"},
		{"ip is gateway", func(c *v1alpha1.Cluster) { c.Spec.Controller.IP = "10.20.0.1" }, "spec.controller.ip"},
		{
			"duplicate ip",
			func(c *v1alpha1.Cluster) {
				c.Spec.Controller.IP = "10.20.0.10"
				c.Spec.Workers[1].IP = "10.20.0.10"
			},
			"spec.workers[1].ip",
		},
		{"bad pci address", func(c *v1alpha1.Cluster) { c.Spec.Workers[1].Passthrough = []string{"gpu0"} }, "spec.workers[1].passthrough"},
		{
			"device requested twice",
			func(c *v1alpha1.Cluster) { c.Spec.Workers[1].Passthrough = []string{"0000:65:00.0"} },
			"spec.workers[1].passthrough",
		},
		{
			"bad ssh key",
			func(c *v1alpha1.Cluster) {
				c.Spec.CloudInit = &v1alpha1.CloudInitSpec{SSHAuthorizedKeys: []string{"ssh-rsa nope"}}
			},
			"spec.cloudInit.sshAuthorizedKeys[0]",
		},
		{
			"plaintext password",
			func(c *v1alpha1.Cluster) { c.Spec.CloudInit = &v1alpha1.CloudInitSpec{PasswordHash: "hunter2"} },
			"spec.cloudInit.passwordHash",
		},
		{
			"bad domain",
			func(c *v1alpha1.Cluster) { c.Spec.CloudInit = &v1alpha1.CloudInitSpec{Domain: "-lab"} },
			"spec.cloudInit.domain",
		},
		{
			"provisioner without playbook",
			func(c *v1alpha1.Cluster) { c.Spec.Provisioner = &v1alpha1.ProvisionerSpec{} },
			"spec.provisioner.playbook",
		},
		{
			"provisioner bad timeout",
			func(c *v1alpha1.Cluster) {
				c.Spec.Provisioner = &v1alpha1.ProvisionerSpec{Playbook: "site.yml", Timeout: "forever"}
			},
			"spec.provisioner.timeout",
		},
		{"negative parallelism", func(c *v1alpha1.Cluster) { c.Spec.Parallelism = -1 }, "spec.parallelism"},
		{
			"node base image override",
			func(c *v1alpha1.Cluster) {
				c.Spec.BaseImage = ""
				c.Spec.Controller.BaseImage = "/images/a.qcow2"
				c.Spec.Workers[0].BaseImage = "/images/a.qcow2"
				c.Spec.Workers[1].BaseImage = "/images/b.qcow2"
			},
			"",
		},
		{
			"valid cloud-init",
			func(c *v1alpha1.Cluster) {
				c.Spec.CloudInit = &v1alpha1.CloudInitSpec{
					Domain:            "hpc.lab",
					SSHAuthorizedKeys: []string{testSSHKey},
					PasswordHash:      "$6$rounds=4096$saltsalt$hash",
				}
			},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validSpec()
			tt.mutate(c)

			err := Validate(c)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error = %v", err)
				}
				return
			}

			var verr *errdefs.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Expected field %q, got %q (%v)", tt.wantField, verr.Field, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/clusters/hpc.yaml", []byte(validCluster), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFromFile(fs, "/clusters/hpc.yaml")
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if c.Name != "hpc" {
		t.Errorf("Expected name hpc, got %s", c.Name)
	}
	if c.ConfigPath() != "/clusters/hpc.yaml" {
		t.Errorf("Expected config path annotation, got %q", c.ConfigPath())
	}

	if _, err := LoadFromFile(fs, "/clusters/missing.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := validSpec()
	c.APIVersion = ""
	c.Kind = ""

	if err := SaveToFile(fs, c, "/out.yaml"); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(fs, "/out.yaml")
	if err != nil {
		t.Fatalf("saved file should load: %v", err)
	}
	if loaded.Kind != v1alpha1.ClusterKind {
		t.Errorf("Expected kind to be defaulted, got %q", loaded.Kind)
	}
	if len(loaded.Spec.Workers) != 2 || loaded.Spec.Workers[0].Passthrough[0] != "0000:65:00.0" {
		t.Errorf("Unexpected workers after round trip: %+v", loaded.Spec.Workers)
	}
}
