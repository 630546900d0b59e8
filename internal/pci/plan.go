package pci

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/log"
)

// PlanPassthrough expands requested device addresses into IOMMU bundles.
//
// claims maps addresses already assigned to a VM to that VM's name. Every
// member of a requested device's IOMMU group must be unclaimed, otherwise a
// ResourceConflictError names the owner. Requests that share a group collapse
// into one bundle. Bundles come back in request order.
func (i *Inventory) PlanPassthrough(ctx context.Context, requested []string, claims map[string]string) ([]Bundle, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	addrs := lo.Uniq(lo.Map(requested, func(a string, _ int) string { return NormalizeAddress(a) }))
	for _, addr := range addrs {
		if err := ValidateAddress(addr); err != nil {
			return nil, err
		}
	}

	devices, err := i.DiscoverDevices(ctx)
	if err != nil {
		return nil, err
	}
	known := lo.KeyBy(devices, func(d Device) string { return d.Address })

	lookup := func(addr string) (Device, bool, bool) {
		if d, ok := known[addr]; ok {
			return d, false, true
		}
		return i.describe(ctx, addr)
	}

	var bundles []Bundle
	planned := map[int]bool{}

	for _, addr := range addrs {
		logger := log.GetLogger(ctx).WithFields(logrus.Fields{"device": addr})

		dev, _, ok := lookup(addr)
		if !ok {
			return nil, errNoDevice(addr)
		}
		if !dev.GroupKnown() {
			return nil, errdefs.Invalid("pci address", addr,
				"IOMMU group cannot be resolved; passthrough would be unsafe (enable intel_iommu=on or amd_iommu=on)")
		}
		if planned[dev.IOMMUGroup] {
			continue
		}

		memberAddrs, err := i.groupMembers(dev.IOMMUGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve IOMMU group for %s: %w", addr, err)
		}

		var members []Device
		for _, m := range memberAddrs {
			md, bridge, ok := lookup(m)
			if !ok {
				return nil, fmt.Errorf("IOMMU group %d lists %s which is not present in sysfs", dev.IOMMUGroup, m)
			}
			if bridge {
				logger.Debugf("Skipping PCI bridge %s in IOMMU group %d", m, dev.IOMMUGroup)
				continue
			}
			if owner, claimed := claims[m]; claimed {
				return nil, &errdefs.ResourceConflictError{Kind: "pci device", Resource: m, Owner: owner}
			}
			if md.HasConflictingDriver() {
				logger.Warnf("Device %s is bound to host driver %s; it must be bound to vfio-pci before the VM starts", m, md.Driver)
			}
			members = append(members, md)
		}

		bundles = append(bundles, Bundle{
			IOMMUGroup: dev.IOMMUGroup,
			Devices:    orderBundle(members, dev),
		})
		planned[dev.IOMMUGroup] = true
		logger.Infof("Planned IOMMU group %d bundle with %d device(s)", dev.IOMMUGroup, len(members))
	}

	return bundles, nil
}

// orderBundle puts the primary GPU first and the companions after it in
// address order. The requested device is primary unless it is a companion
// function and the group holds a GPU.
func orderBundle(members []Device, requested Device) []Device {
	primary := requested
	if requested.Type != DeviceTypeGPU {
		if gpu, ok := lo.Find(members, func(d Device) bool { return d.Type == DeviceTypeGPU }); ok {
			primary = gpu
		}
	}

	rest := lo.Filter(members, func(d Device, _ int) bool { return d.Address != primary.Address })
	sort.Slice(rest, func(a, b int) bool { return rest[a].Address < rest[b].Address })
	return append([]Device{primary}, rest...)
}
