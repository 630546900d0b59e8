package v1alpha1

import (
	"testing"
	"time"
)

func TestNewCluster(t *testing.T) {
	c := NewCluster("hpc", ClusterTypeHPC)

	if c.APIVersion != "corral.cofront.xyz/v1alpha1" {
		t.Errorf("Expected APIVersion 'corral.cofront.xyz/v1alpha1', got %s", c.APIVersion)
	}
	if c.Kind != "Cluster" {
		t.Errorf("Expected Kind 'Cluster', got %s", c.Kind)
	}
	if c.Name != "hpc" {
		t.Errorf("Expected Name hpc, got %s", c.Name)
	}
	if c.UID == "" {
		t.Error("Expected UID to be set, got empty string")
	}
	if c.Generation != 1 {
		t.Errorf("Expected Generation 1, got %d", c.Generation)
	}
	if c.CreationTimestamp.IsZero() {
		t.Error("Expected CreationTimestamp to be set")
	}
}

func TestSetDefaultAPIVersion(t *testing.T) {
	c := &Cluster{}
	SetDefaultAPIVersion(c)
	if c.APIVersion != GroupName+"/"+Version || c.Kind != ClusterKind {
		t.Errorf("defaults not applied: %+v", c.TypeMeta)
	}

	c = &Cluster{TypeMeta: TypeMeta{APIVersion: "custom/v1", Kind: "Custom"}}
	SetDefaultAPIVersion(c)
	if c.APIVersion != "custom/v1" || c.Kind != "Custom" {
		t.Errorf("existing values overwritten: %+v", c.TypeMeta)
	}
}

func TestRoles(t *testing.T) {
	tests := []struct {
		typ        ClusterType
		controller string
		worker     string
	}{
		{ClusterTypeHPC, "controller", "compute"},
		{ClusterTypeCloud, "control-plane", "worker"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			c := NewCluster("x", tt.typ)
			if got := c.ControllerRole(); got != tt.controller {
				t.Errorf("ControllerRole() = %s, want %s", got, tt.controller)
			}
			if got := c.WorkerRole(); got != tt.worker {
				t.Errorf("WorkerRole() = %s, want %s", got, tt.worker)
			}
		})
	}
}

func TestGetDNSServers(t *testing.T) {
	c := NewCluster("x", ClusterTypeHPC)
	got := c.GetDNSServers()
	if len(got) != 2 || got[0] != "8.8.8.8" || got[1] != "1.1.1.1" {
		t.Errorf("GetDNSServers() default = %v", got)
	}
	got[0] = "9.9.9.9"
	if DefaultDNSServers[0] != "8.8.8.8" {
		t.Error("GetDNSServers() must not return the shared default slice")
	}

	c.Spec.Network.DNSServers = []string{"10.0.0.53"}
	if got := c.GetDNSServers(); len(got) != 1 || got[0] != "10.0.0.53" {
		t.Errorf("GetDNSServers() = %v", got)
	}
}

func TestGetBaseImage(t *testing.T) {
	c := NewCluster("x", ClusterTypeHPC)
	c.Spec.BaseImage = "/images/rocky.qcow2"

	if got := c.GetBaseImage(NodeSpec{}); got != "/images/rocky.qcow2" {
		t.Errorf("GetBaseImage() = %s", got)
	}
	if got := c.GetBaseImage(NodeSpec{BaseImage: "/images/cuda.qcow2"}); got != "/images/cuda.qcow2" {
		t.Errorf("GetBaseImage() override = %s", got)
	}
}

func TestGetProvisionerTimeout(t *testing.T) {
	c := NewCluster("x", ClusterTypeHPC)
	if d, err := c.GetProvisionerTimeout(); err != nil || d != DefaultProvisionerTimeout {
		t.Errorf("GetProvisionerTimeout() = %v, %v", d, err)
	}

	c.Spec.Provisioner = &ProvisionerSpec{Playbook: "site.yml", Timeout: "45m"}
	if d, err := c.GetProvisionerTimeout(); err != nil || d != 45*time.Minute {
		t.Errorf("GetProvisionerTimeout() = %v, %v", d, err)
	}

	c.Spec.Provisioner.Timeout = "soon"
	if _, err := c.GetProvisionerTimeout(); err == nil {
		t.Error("expected error for an invalid duration")
	}
}

func TestIsAutostart(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		ptr  *bool
		want bool
	}{
		{"nil defaults to false", nil, false},
		{"explicit true", &yes, true},
		{"explicit false", &no, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (NodeSpec{Autostart: tt.ptr}).IsAutostart(); got != tt.want {
				t.Errorf("IsAutostart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	c := &Cluster{
		ObjectMeta: ObjectMeta{Name: "  HPC-Lab "},
		Spec: ClusterSpec{
			Type:    " HPC",
			Network: NetworkSpec{Subnet: " 192.168.100.0/24 ", Bridge: "BrLab"},
			Controller: NodeSpec{
				IP:          " 192.168.100.5 ",
				Passthrough: []string{" 0000:01:00.0 "},
			},
			Workers:   []NodeSpec{{Firmware: "EFI", Passthrough: []string{"0000:0A:00.0"}}},
			CloudInit: &CloudInitSpec{Domain: " Lab.Example.COM"},
		},
	}

	c.Normalize()

	if c.Name != "hpc-lab" {
		t.Errorf("Name = %q", c.Name)
	}
	if c.Spec.Type != ClusterTypeHPC {
		t.Errorf("Type = %q", c.Spec.Type)
	}
	if c.Spec.Network.Subnet != "192.168.100.0/24" {
		t.Errorf("Subnet = %q", c.Spec.Network.Subnet)
	}
	if c.Spec.Network.Bridge != "BrLab" {
		t.Errorf("Bridge should not be normalized, got %q", c.Spec.Network.Bridge)
	}
	if c.Spec.Controller.IP != "192.168.100.5" || c.Spec.Controller.Passthrough[0] != "0000:01:00.0" {
		t.Errorf("Controller not normalized: %+v", c.Spec.Controller)
	}
	if c.Spec.Workers[0].Firmware != "efi" || c.Spec.Workers[0].Passthrough[0] != "0000:0a:00.0" {
		t.Errorf("Worker not normalized: %+v", c.Spec.Workers[0])
	}
	if c.Spec.CloudInit.Domain != "lab.example.com" {
		t.Errorf("Domain = %q", c.Spec.CloudInit.Domain)
	}
}
