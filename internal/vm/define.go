package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/metadata"
	"github.com/jbweber/corral/internal/pci"
)

const (
	// DefaultShutdownTimeout is how long to wait for graceful shutdown before forcing.
	DefaultShutdownTimeout = 60 * time.Second

	pollInterval = 500 * time.Millisecond
)

// Spec is everything needed to define one VM.
type Spec struct {
	Name       string
	Cluster    string
	Role       string
	UUID       string
	VCPUs      int
	MemoryMiB  int
	Firmware   string
	Disks      []corrallibvirt.Disk
	Interfaces []corrallibvirt.Interface
	Bundles    []pci.Bundle
	Autostart  bool
}

// DeviceAddresses lists every passthrough device of s in attach order.
func (s Spec) DeviceAddresses() []string {
	var out []string
	for _, b := range s.Bundles {
		out = append(out, b.Addresses()...)
	}
	return out
}

// Manager drives individual VMs through their lifecycle.
type Manager struct {
	lv     libvirtClient
	claims ClaimSource

	// ShutdownTimeout bounds a graceful Stop before the domain is destroyed.
	ShutdownTimeout time.Duration
	pollInterval    time.Duration
}

// NewManager returns a Manager over a live libvirt connection. claims may
// be nil when no other VM can hold devices.
func NewManager(l *libvirt.Libvirt, claims ClaimSource) *Manager {
	return newManagerWithDeps(l, claims)
}

func newManagerWithDeps(lv libvirtClient, claims ClaimSource) *Manager {
	return &Manager{
		lv:              lv,
		claims:          claims,
		ShutdownTimeout: DefaultShutdownTimeout,
		pollInterval:    pollInterval,
	}
}

// Define registers spec with the hypervisor, leaving the domain SHUTOFF.
//
// A domain with the same name, or a device claimed by another VM, is a
// ResourceConflictError. If anything fails after the domain was registered
// the domain is undefined again before returning.
func (m *Manager) Define(ctx context.Context, spec Spec) (defineErr error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"vm": spec.Name, "cluster": spec.Cluster})

	logger.Debugf("Checking if VM '%s' already exists...", spec.Name)
	if dom, err := m.lv.DomainLookupByName(spec.Name); err == nil {
		owner := "a domain not managed by corral"
		if own, ok, err := metadata.Load(m.lv, dom); err == nil && ok {
			owner = "cluster " + own.Cluster
		}
		return &errdefs.ResourceConflictError{Kind: "domain", Resource: spec.Name, Owner: owner}
	} else if !corrallibvirt.IsNotFound(err) {
		return corrallibvirt.Classify("look up domain "+spec.Name, err)
	}

	if err := m.checkClaims(ctx, spec); err != nil {
		return err
	}

	if spec.UUID == "" {
		spec.UUID = uuid.NewString()
	}

	domainXML, err := corrallibvirt.GenerateDomainXML(corrallibvirt.DomainSpec{
		Name:       spec.Name,
		UUID:       spec.UUID,
		VCPUs:      spec.VCPUs,
		MemoryMiB:  spec.MemoryMiB,
		Firmware:   spec.Firmware,
		Disks:      spec.Disks,
		Interfaces: spec.Interfaces,
		Bundles:    spec.Bundles,
	})
	if err != nil {
		return fmt.Errorf("failed to generate domain XML for %s: %w", spec.Name, err)
	}

	logger.Infof("Defining domain with %d passthrough device(s)...", len(spec.DeviceAddresses()))
	dom, err := m.lv.DomainDefineXML(domainXML)
	if err != nil {
		// a failed define can still leave a registered domain behind
		if leftover, lerr := m.lv.DomainLookupByName(spec.Name); lerr == nil {
			m.cleanupDefine(ctx, leftover)
		}
		return corrallibvirt.Classify("define domain "+spec.Name, err)
	}

	defer func() {
		if defineErr != nil {
			m.cleanupDefine(ctx, dom)
		}
	}()

	own := metadata.Ownership{Cluster: spec.Cluster, Role: spec.Role, Devices: spec.DeviceAddresses()}
	if err := metadata.Store(m.lv, dom, own); err != nil {
		return corrallibvirt.Classify("record ownership of "+spec.Name, err)
	}

	if spec.Autostart {
		logger.Debug("Enabling autostart...")
		if err := m.lv.DomainSetAutostart(dom, 1); err != nil {
			return corrallibvirt.Classify("set autostart on "+spec.Name, err)
		}
	}

	logger.Infof("VM '%s' defined", spec.Name)
	return nil
}

// checkClaims rejects devices already claimed by a different VM.
func (m *Manager) checkClaims(ctx context.Context, spec Spec) error {
	if m.claims == nil || len(spec.Bundles) == 0 {
		return nil
	}

	claims, err := m.claims.DeviceClaims(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device claims: %w", err)
	}
	for _, addr := range spec.DeviceAddresses() {
		if owner, ok := claims[addr]; ok && owner != spec.Name {
			return &errdefs.ResourceConflictError{Kind: "pci device", Resource: addr, Owner: owner}
		}
	}
	return nil
}

// cleanupDefine undefines a domain registered by a failed Define. It is
// best-effort and only logs failures.
func (m *Manager) cleanupDefine(ctx context.Context, dom libvirt.Domain) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"vm": dom.Name})
	logger.Infof("Cleaning up after failed define of '%s'...", dom.Name)
	if err := m.lv.DomainUndefineFlags(dom, undefineFlags); err != nil {
		logger.Warnf("Warning: failed to undefine domain: %v", err)
	}
}
