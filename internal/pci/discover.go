package pci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/executor"
	"github.com/jbweber/corral/internal/log"
)

const (
	sysPCIDevices  = "/sys/bus/pci/devices"
	sysIOMMUGroups = "/sys/kernel/iommu_groups"

	probeTimeout = 30 * time.Second

	sourceVendor  = "nvidia-smi"
	sourceGeneric = "lspci"
	sourceSysfs   = "sysfs"
)

var (
	lspciClassPattern  = regexp.MustCompile(`\[([0-9a-fA-F]{4})\]:`)
	lspciVendorPattern = regexp.MustCompile(`\[([0-9a-fA-F]{4}):([0-9a-fA-F]{4})\]`)
)

// Inventory discovers devices from the vendor tool, the PCI bus listing and sysfs.
type Inventory struct {
	runner executor.Runner
	fs     afero.Fs
}

// NewInventory returns an Inventory reading sysfs through fs. Production
// callers pass afero.NewOsFs(); tests pass a BasePathFs over a fake tree.
func NewInventory(runner executor.Runner, fs afero.Fs) *Inventory {
	return &Inventory{runner: runner, fs: fs}
}

// DiscoverDevices returns every GPU-class device on the host, each with its
// IOMMU group and bound driver resolved.
//
// A missing PCI listing tool is fatal. A missing vendor tool only empties
// the vendor probe.
func (i *Inventory) DiscoverDevices(ctx context.Context) ([]Device, error) {
	logger := log.GetLogger(ctx)

	vendor, err := i.probeVendor(ctx)
	if err != nil {
		logger.Warnf("Vendor GPU probe unavailable, continuing with PCI listing only: %v", err)
		vendor = nil
	}

	generic, err := i.probeGeneric(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate PCI devices: %w", err)
	}

	devices := mergeDevices(vendor, generic)
	for idx := range devices {
		i.enrich(ctx, &devices[idx])
	}

	sort.Slice(devices, func(a, b int) bool { return devices[a].Address < devices[b].Address })
	return devices, nil
}

// mergeDevices dedupes by address. When both probes report an address the
// vendor record is kept and the generic one dropped.
func mergeDevices(vendor, generic []Device) []Device {
	seen := make(map[string]bool, len(vendor)+len(generic))
	out := make([]Device, 0, len(vendor)+len(generic))
	for _, d := range append(append([]Device{}, vendor...), generic...) {
		if seen[d.Address] {
			continue
		}
		seen[d.Address] = true
		out = append(out, d)
	}
	return out
}

// probeVendor queries nvidia-smi for driver-attached GPUs.
func (i *Inventory) probeVendor(ctx context.Context) ([]Device, error) {
	res, err := i.runner.Run(ctx, executor.Command{
		Name: "nvidia-smi",
		Args: []string{
			"--query-gpu=pci.bus_id,uuid,name,memory.total,mig.mode.current,driver_version",
			"--format=csv,noheader,nounits",
		},
		Timeout: probeTimeout,
	})
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMI(res.Stdout), nil
}

func parseNvidiaSMI(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := lo.Map(strings.Split(line, ","), func(f string, _ int) string { return strings.TrimSpace(f) })
		if len(fields) < 6 {
			continue
		}

		mem, _ := strconv.Atoi(fields[3])
		migMode := fields[4]
		devices = append(devices, Device{
			Address:       NormalizeAddress(fields[0]),
			VendorID:      "10de",
			Type:          DeviceTypeGPU,
			IOMMUGroup:    UnknownGroup,
			Driver:        "nvidia",
			UUID:          fields[1],
			Name:          fields[2],
			MemoryMiB:     mem,
			MIGCapable:    migMode != "[N/A]" && migMode != "N/A",
			MIGMode:       migMode,
			DriverVersion: fields[5],
			Source:        sourceVendor,
		})
	}
	return devices
}

// probeGeneric lists VGA (0300) and 3D (0302) controllers regardless of driver.
func (i *Inventory) probeGeneric(ctx context.Context) ([]Device, error) {
	res, err := i.runner.Run(ctx, executor.Command{
		Name:    "lspci",
		Args:    []string{"-D", "-nn"},
		Timeout: probeTimeout,
	})
	if err != nil {
		return nil, err
	}
	return parseLspci(res.Stdout), nil
}

func parseLspci(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		addr, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		class := lspciClassPattern.FindStringSubmatch(rest)
		if class == nil || (class[1] != "0300" && class[1] != "0302") {
			continue
		}

		d := Device{
			Address:    NormalizeAddress(addr),
			Type:       DeviceTypeGPU,
			IOMMUGroup: UnknownGroup,
			Source:     sourceGeneric,
		}
		if ids := lspciVendorPattern.FindAllStringSubmatch(rest, -1); len(ids) > 0 {
			last := ids[len(ids)-1]
			d.VendorID, d.DeviceID = strings.ToLower(last[1]), strings.ToLower(last[2])
		}
		if _, desc, ok := strings.Cut(rest, "]: "); ok {
			if idx := strings.LastIndex(desc, " ["); idx > 0 {
				desc = desc[:idx]
			}
			d.Name = desc
		}
		devices = append(devices, d)
	}
	return devices
}

// enrich fills IOMMU group, driver and ids from sysfs.
func (i *Inventory) enrich(ctx context.Context, d *Device) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"device": d.Address})
	dir := path.Join(sysPCIDevices, d.Address)

	if group, err := i.readLinkBase(path.Join(dir, "iommu_group")); err == nil {
		if g, err := strconv.Atoi(group); err == nil {
			d.IOMMUGroup = g
		}
	}
	if !d.GroupKnown() {
		logger.Warn("IOMMU group unknown (is IOMMU enabled in firmware and on the kernel command line?)")
	}

	if driver, err := i.readLinkBase(path.Join(dir, "driver")); err == nil {
		d.Driver = driver
	}

	if d.VendorID == "" {
		d.VendorID = i.readHexID(path.Join(dir, "vendor"))
	}
	if d.DeviceID == "" {
		d.DeviceID = i.readHexID(path.Join(dir, "device"))
	}

	d.Status = statusFor(d.Driver)
}

// describe builds a Device for addr purely from sysfs. ok is false when the
// address does not exist on the host.
func (i *Inventory) describe(ctx context.Context, addr string) (dev Device, bridge bool, ok bool) {
	dir := path.Join(sysPCIDevices, addr)
	if exists, _ := afero.DirExists(i.fs, dir); !exists {
		return Device{}, false, false
	}

	class := i.readString(path.Join(dir, "class"))
	dev = Device{
		Address:    addr,
		Type:       typeFromClass(class),
		IOMMUGroup: UnknownGroup,
		Source:     sourceSysfs,
	}
	i.enrich(ctx, &dev)
	return dev, isBridgeClass(class), true
}

// groupMembers lists the addresses in an IOMMU group.
func (i *Inventory) groupMembers(group int) ([]string, error) {
	dir := path.Join(sysIOMMUGroups, strconv.Itoa(group), "devices")
	entries, err := afero.ReadDir(i.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list IOMMU group %d: %w", group, err)
	}

	members := lo.Map(entries, func(e os.FileInfo, _ int) string { return NormalizeAddress(e.Name()) })
	sort.Strings(members)
	return members, nil
}

func (i *Inventory) readLinkBase(p string) (string, error) {
	reader, ok := i.fs.(afero.LinkReader)
	if !ok {
		return "", errors.New("filesystem does not support reading symlinks")
	}
	target, err := reader.ReadlinkIfPossible(p)
	if err != nil {
		return "", err
	}
	return path.Base(target), nil
}

func (i *Inventory) readString(p string) string {
	data, err := afero.ReadFile(i.fs, p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (i *Inventory) readHexID(p string) string {
	return strings.TrimPrefix(strings.ToLower(i.readString(p)), "0x")
}

// DeviceExists reports whether addr is present on the host.
func (i *Inventory) DeviceExists(addr string) bool {
	exists, _ := afero.DirExists(i.fs, path.Join(sysPCIDevices, addr))
	return exists
}

// errNoDevice is wrapped into ValidationErrors for absent addresses.
func errNoDevice(addr string) error {
	return errdefs.Invalid("pci address", addr, "device not present on this host")
}
