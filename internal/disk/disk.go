// Package disk provisions copy-on-write VM disks with qemu-img.
//
// Every clone is a qcow2 overlay backed by a read-only base image; no
// operation here ever opens a base image for writing. All qemu-img
// invocations go through an executor.Runner.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/executor"
	"github.com/jbweber/corral/internal/log"
)

const (
	// DirPermissions are the permissions for cluster disk directories.
	DirPermissions = 0o755

	// FilePermissions are the permissions for VM disk files.
	FilePermissions = 0o644

	qemuImgTimeout = 10 * time.Minute
)

// Image is a disk file created by the provisioner.
type Image struct {
	Path         string `json:"path"`
	Format       Format `json:"format"`
	SizeBytes    int64  `json:"size_bytes"`
	BackingImage string `json:"backing_image,omitempty"`
}

// Info is the subset of `qemu-img info --output=json` the provisioner uses.
type Info struct {
	Format        string `json:"format"`
	VirtualSize   int64  `json:"virtual-size"`
	ActualSize    int64  `json:"actual-size"`
	BackingFile   string `json:"backing-filename,omitempty"`
	BackingFormat string `json:"backing-filename-format,omitempty"`
	DirtyFlag     bool   `json:"dirty-flag"`
}

// InUseFunc reports whether path is attached to a running VM and, if so, which one.
type InUseFunc func(ctx context.Context, path string) (vm string, inUse bool, err error)

// Manager creates, inspects, resizes and removes disk images.
type Manager struct {
	runner executor.Runner
	fs     afero.Fs
	owner  *Owner

	// InUse guards Resize. Nil means disks are never considered attached.
	InUse InUseFunc
}

// NewManager returns a Manager. owner may be nil, in which case new files
// keep the ownership of the calling process.
func NewManager(runner executor.Runner, fs afero.Fs, owner *Owner) *Manager {
	return &Manager{runner: runner, fs: fs, owner: owner}
}

// CreateFromBase creates dest as a qcow2 overlay of base with a virtual size
// of sizeGB. The base is validated before any subprocess runs.
func (m *Manager) CreateFromBase(ctx context.Context, base, dest string, sizeGB int) (Image, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"disk": dest})

	if sizeGB <= 0 {
		return Image{}, errdefs.Invalid("disk size", strconv.Itoa(sizeGB), "must be a positive number of GB")
	}

	info, err := m.fs.Stat(base)
	if os.IsNotExist(err) {
		return Image{}, errdefs.Invalid("base image", base, "does not exist")
	}
	if err != nil {
		return Image{}, fmt.Errorf("failed to stat base image %s: %w", base, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return Image{}, errdefs.Invalid("base image", base, "is empty or not a regular file")
	}

	format, err := DetectImageFormat(m.fs, base)
	if err != nil {
		return Image{}, errdefs.Invalid("base image", base, "%v", err)
	}

	if exists, _ := afero.Exists(m.fs, dest); exists {
		return Image{}, errdefs.Invalid("disk path", dest, "already exists")
	}

	if err := m.fs.MkdirAll(filepath.Dir(dest), DirPermissions); err != nil {
		return Image{}, fmt.Errorf("failed to create disk directory for %s: %w", dest, err)
	}

	logger.Infof("Creating %dG overlay backed by %s (%s)", sizeGB, base, format)
	_, err = m.runner.Run(ctx, executor.Command{
		Name: "qemu-img",
		Args: []string{
			"create",
			"-f", string(FormatQCOW2),
			"-b", base,
			"-F", string(format),
			dest,
			fmt.Sprintf("%dG", sizeGB),
		},
		Timeout: qemuImgTimeout,
	})
	if err != nil {
		// dest did not exist before this call; a killed qemu-img can leave a partial file
		m.cleanup(ctx, dest)
		return Image{}, fmt.Errorf("failed to create disk %s: %w", dest, err)
	}

	if err := m.applyOwnership(dest); err != nil {
		m.cleanup(ctx, dest)
		return Image{}, err
	}

	return Image{
		Path:         dest,
		Format:       FormatQCOW2,
		SizeBytes:    int64(sizeGB) * units.GiB,
		BackingImage: base,
	}, nil
}

// Resize grows img to newSizeGB. Shrinking, or resizing a disk attached to a
// running VM, is rejected.
func (m *Manager) Resize(ctx context.Context, img Image, newSizeGB int) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"disk": img.Path})

	if m.InUse != nil {
		vm, inUse, err := m.InUse(ctx, img.Path)
		if err != nil {
			return fmt.Errorf("failed to check whether %s is in use: %w", img.Path, err)
		}
		if inUse {
			return errdefs.Invalid("disk", img.Path, "is attached to running VM %s; stop it before resizing", vm)
		}
	}

	info, err := m.Inspect(ctx, img.Path)
	if err != nil {
		return err
	}

	newSize := int64(newSizeGB) * units.GiB
	if newSize <= info.VirtualSize {
		return errdefs.Invalid("disk size", fmt.Sprintf("%dG", newSizeGB),
			"must be larger than the current size %s (disks can only grow)", units.BytesSize(float64(info.VirtualSize)))
	}

	logger.Infof("Resizing from %s to %dG", units.BytesSize(float64(info.VirtualSize)), newSizeGB)
	_, err = m.runner.Run(ctx, executor.Command{
		Name:    "qemu-img",
		Args:    []string{"resize", img.Path, fmt.Sprintf("%dG", newSizeGB)},
		Timeout: qemuImgTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to resize disk %s: %w", img.Path, err)
	}
	return nil
}

// Inspect reads image metadata. --force-share lets it inspect disks held
// open by a running VM.
func (m *Manager) Inspect(ctx context.Context, path string) (Info, error) {
	if exists, _ := afero.Exists(m.fs, path); !exists {
		return Info{}, &errdefs.NotFoundError{Kind: "disk", Name: path}
	}

	res, err := m.runner.Run(ctx, executor.Command{
		Name:    "qemu-img",
		Args:    []string{"info", "--force-share", "--output=json", path},
		Timeout: qemuImgTimeout,
	})
	if err != nil {
		return Info{}, fmt.Errorf("failed to inspect disk %s: %w", path, err)
	}

	var info Info
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return Info{}, fmt.Errorf("failed to parse qemu-img info for %s: %w", path, err)
	}
	return info, nil
}

// Delete removes a disk file. A missing file is not an error.
func (m *Manager) Delete(ctx context.Context, path string) error {
	if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete disk %s: %w", path, err)
	}
	log.GetLogger(ctx).WithFields(logrus.Fields{"disk": path}).Debug("Deleted disk")
	return nil
}

// CheckSpace verifies that dir's filesystem has at least neededGB free.
// Overlays start near zero bytes, so this is a ceiling, not an estimate.
func (m *Manager) CheckSpace(dir string, neededGB int) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to get filesystem stats for %s: %w", dir, err)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	needed := int64(neededGB) * units.GiB
	if needed > available {
		return &errdefs.SystemError{
			Check: "disk space",
			Reason: fmt.Sprintf("need %s in %s, have %s available",
				units.BytesSize(float64(needed)), dir, units.BytesSize(float64(available))),
		}
	}
	return nil
}

func (m *Manager) applyOwnership(path string) error {
	if err := m.fs.Chmod(path, FilePermissions); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if m.owner == nil {
		return nil
	}
	if err := m.fs.Chown(path, m.owner.UID, m.owner.GID); err != nil {
		return fmt.Errorf("failed to set ownership on %s: %w", path, err)
	}
	return nil
}

func (m *Manager) cleanup(ctx context.Context, path string) {
	if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		log.GetLogger(ctx).Warnf("Warning: failed to clean up disk %s: %v", path, err)
	}
}
