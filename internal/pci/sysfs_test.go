package pci

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeSysfs builds a miniature /sys tree under a temp dir with real symlinks
// for iommu_group and driver, the same shape the kernel exposes.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	t.Helper()
	return &fakeSysfs{t: t, root: t.TempDir()}
}

// device adds a function. group < 0 leaves iommu_group absent; an empty
// driver leaves the device unbound.
func (f *fakeSysfs) device(addr, class string, group int, driver string) *fakeSysfs {
	f.t.Helper()
	dir := filepath.Join(f.root, "sys/bus/pci/devices", addr)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "class"), []byte(class+"\n"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "vendor"), []byte("0x10de\n"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "device"), []byte("0x2204\n"), 0o644))

	if group >= 0 {
		g := strconv.Itoa(group)
		groupDir := filepath.Join(f.root, "sys/kernel/iommu_groups", g, "devices")
		require.NoError(f.t, os.MkdirAll(groupDir, 0o755))
		require.NoError(f.t, os.WriteFile(filepath.Join(groupDir, addr), nil, 0o644))
		require.NoError(f.t, os.Symlink("../../../../kernel/iommu_groups/"+g, filepath.Join(dir, "iommu_group")))
	}
	if driver != "" {
		require.NoError(f.t, os.Symlink("../../../../bus/pci/drivers/"+driver, filepath.Join(dir, "driver")))
	}
	return f
}

func (f *fakeSysfs) fs() afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), f.root)
}
