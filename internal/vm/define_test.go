package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/metadata"
	"github.com/jbweber/corral/internal/pci"
)

func computeSpec(name string) Spec {
	return Spec{
		Name:      name,
		Cluster:   "hpc",
		Role:      "compute",
		VCPUs:     8,
		MemoryMiB: 16384,
		Disks:     []corrallibvirt.Disk{{Path: "/var/lib/corral/hpc/" + name + ".qcow2", Target: "vda"}},
		Interfaces: []corrallibvirt.Interface{
			{Network: "hpc-network", MAC: "be:ef:c0:a8:64:0b"},
		},
		Bundles: []pci.Bundle{{
			IOMMUGroup: 5,
			Devices: []pci.Device{
				{Address: "0000:01:00.0", Type: pci.DeviceTypeGPU},
				{Address: "0000:01:00.1", Type: pci.DeviceTypeAudio},
			},
		}},
	}
}

func TestDefine_Success(t *testing.T) {
	ctx := context.Background()
	lv := newMockLibvirtClient()
	m := newManagerWithDeps(lv, staticClaims{})

	spec := computeSpec("hpc-compute-01")
	spec.Autostart = true
	if err := m.Define(ctx, spec); err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	if len(lv.domainDefineXMLCalls) != 1 {
		t.Fatalf("expected 1 DomainDefineXML call, got %d", len(lv.domainDefineXMLCalls))
	}
	xml := lv.domainDefineXMLCalls[0]
	for _, want := range []string{"<hostdev", "bus=\"0x01\"", "hpc-network"} {
		if !strings.Contains(xml, want) {
			t.Errorf("domain XML missing %q", want)
		}
	}

	state, ok := lv.stateOf("hpc-compute-01")
	if !ok || state != domainStateShutoff {
		t.Errorf("expected domain defined and shut off, got state=%d defined=%v", state, ok)
	}
	if len(lv.domainSetAutostartCalls) != 1 {
		t.Errorf("expected autostart to be set once, got %d", len(lv.domainSetAutostartCalls))
	}

	own, found, err := metadata.Load(lv, libvirt.Domain{Name: "hpc-compute-01"})
	if err != nil || !found {
		t.Fatalf("metadata.Load() found=%v err=%v", found, err)
	}
	if own.Cluster != "hpc" || own.Role != "compute" {
		t.Errorf("unexpected ownership %+v", own)
	}
	if len(own.Devices) != 2 || own.Devices[0] != "0000:01:00.0" {
		t.Errorf("expected primary device first in ownership, got %v", own.Devices)
	}
}

func TestDefine_ExistingDomain(t *testing.T) {
	ctx := context.Background()
	lv := newMockLibvirtClient()
	m := newManagerWithDeps(lv, nil)

	if err := m.Define(ctx, computeSpec("hpc-compute-01")); err != nil {
		t.Fatalf("first Define() error = %v", err)
	}

	err := m.Define(ctx, computeSpec("hpc-compute-01"))
	var conflict *errdefs.ResourceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ResourceConflictError, got %v", err)
	}
	if conflict.Owner != "cluster hpc" {
		t.Errorf("expected owner 'cluster hpc', got %q", conflict.Owner)
	}
	if len(lv.domainDefineXMLCalls) != 1 {
		t.Errorf("second Define must not reach DomainDefineXML")
	}
}

func TestDefine_ExistingForeignDomain(t *testing.T) {
	lv := newMockLibvirtClient()
	lv.addDomain("hpc-compute-01", domainStateRunning, "")
	m := newManagerWithDeps(lv, nil)

	err := m.Define(context.Background(), computeSpec("hpc-compute-01"))
	var conflict *errdefs.ResourceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ResourceConflictError, got %v", err)
	}
	if !strings.Contains(conflict.Owner, "not managed by corral") {
		t.Errorf("unexpected owner %q", conflict.Owner)
	}
}

func TestDefine_DeviceClaimedByAnotherVM(t *testing.T) {
	lv := newMockLibvirtClient()
	claims := staticClaims{"0000:01:00.1": "compute-2"}
	m := newManagerWithDeps(lv, claims)

	err := m.Define(context.Background(), computeSpec("compute-1"))
	var conflict *errdefs.ResourceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ResourceConflictError, got %v", err)
	}
	if conflict.Owner != "compute-2" {
		t.Errorf("expected conflict naming compute-2, got %q", conflict.Owner)
	}
	if !strings.Contains(err.Error(), "compute-2") {
		t.Errorf("error message should name the owner: %v", err)
	}
	if len(lv.domainDefineXMLCalls) != 0 {
		t.Error("should not define a domain when a device is claimed")
	}
}

func TestDefine_OwnClaimIsNotAConflict(t *testing.T) {
	lv := newMockLibvirtClient()
	claims := staticClaims{"0000:01:00.0": "compute-1", "0000:01:00.1": "compute-1"}
	m := newManagerWithDeps(lv, claims)

	if err := m.Define(context.Background(), computeSpec("compute-1")); err != nil {
		t.Fatalf("Define() error = %v", err)
	}
}

func TestDefine_MetadataFailureUndefines(t *testing.T) {
	lv := newMockLibvirtClient()
	lv.domainSetMetadataFunc = func(libvirt.Domain) error {
		return libvirt.Error{Code: uint32(libvirt.ErrOperationFailed), Message: "metadata write failed"}
	}
	m := newManagerWithDeps(lv, nil)

	err := m.Define(context.Background(), computeSpec("hpc-compute-01"))
	if err == nil {
		t.Fatal("expected error when metadata cannot be stored")
	}
	if len(lv.domainUndefineFlagsCalls) != 1 {
		t.Fatalf("expected cleanup undefine, got %d calls", len(lv.domainUndefineFlagsCalls))
	}
	if _, ok := lv.stateOf("hpc-compute-01"); ok {
		t.Error("domain should not remain defined after a failed Define")
	}
}

func TestDefine_DefineFailureCleansLeftover(t *testing.T) {
	lv := newMockLibvirtClient()
	lv.domainDefineXMLFunc = func(string) (libvirt.Domain, error) {
		// registered, then failed
		lv.domains["hpc-compute-01"] = &mockDomain{state: domainStateShutoff}
		return libvirt.Domain{}, libvirt.Error{Code: uint32(libvirt.ErrInternalError), Message: "boom"}
	}
	m := newManagerWithDeps(lv, nil)

	if err := m.Define(context.Background(), computeSpec("hpc-compute-01")); err == nil {
		t.Fatal("expected define error")
	}
	if len(lv.domainUndefineFlagsCalls) != 1 {
		t.Errorf("expected leftover domain to be undefined, got %d calls", len(lv.domainUndefineFlagsCalls))
	}
}

func TestDefine_TransportError(t *testing.T) {
	lv := newMockLibvirtClient()
	lv.domainLookupByNameFunc = func(string) (libvirt.Domain, error) {
		return libvirt.Domain{}, fmt.Errorf("connection reset by peer")
	}
	m := newManagerWithDeps(lv, nil)

	err := m.Define(context.Background(), computeSpec("hpc-compute-01"))
	if !errdefs.IsTransport(err) {
		t.Fatalf("expected HypervisorTransportError, got %v", err)
	}
	if errdefs.ExitCode(err) != errdefs.ExitSystem {
		t.Errorf("expected exit code %d, got %d", errdefs.ExitSystem, errdefs.ExitCode(err))
	}
}

func TestSpec_DeviceAddresses(t *testing.T) {
	got := computeSpec("x").DeviceAddresses()
	if len(got) != 2 || got[0] != "0000:01:00.0" || got[1] != "0000:01:00.1" {
		t.Errorf("DeviceAddresses() = %v", got)
	}
	if (Spec{}).DeviceAddresses() != nil {
		t.Error("expected nil for a spec without bundles")
	}
}
