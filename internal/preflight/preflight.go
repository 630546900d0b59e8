// Package preflight checks that the host can run cluster VMs before any
// resource is created.
package preflight

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/executor"
	"github.com/jbweber/corral/internal/log"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is one check and what it found.
type Result struct {
	Name    string `json:"name" yaml:"name"`
	Status  Status `json:"status" yaml:"status"`
	Message string `json:"message" yaml:"message"`
}

// Report is the outcome of a full run.
type Report struct {
	Results []Result `json:"results" yaml:"results"`
}

// Failures returns the failed checks.
func (r Report) Failures() []Result {
	return lo.Filter(r.Results, func(res Result, _ int) bool { return res.Status == StatusFail })
}

// Warnings returns the checks that passed with a warning.
func (r Report) Warnings() []Result {
	return lo.Filter(r.Results, func(res Result, _ int) bool { return res.Status == StatusWarn })
}

// Err returns a SystemError naming the first failed check, or nil. Warnings
// never fail a run.
func (r Report) Err() error {
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	reason := failed[0].Message
	if len(failed) > 1 {
		reason = fmt.Sprintf("%s (and %d more failed checks)", reason, len(failed)-1)
	}
	return &errdefs.SystemError{Check: failed[0].Name, Reason: reason}
}

// Requirements describe what the cluster about to be planned needs.
type Requirements struct {
	// Passthrough is set when any node requests PCI devices.
	Passthrough bool

	// DiskDir and DiskGB size the free-space check. Zero DiskGB skips it.
	DiskDir string
	DiskGB  int

	// Tools that must resolve on PATH.
	Tools []string
}

// iommuParams are kernel command line switches that turn on an IOMMU.
var iommuParams = []string{"intel_iommu=on", "amd_iommu=on", "iommu=pt", "iommu=on"}

var vfioModules = []string{"vfio", "vfio_iommu_type1", "vfio_pci"}

// Checker runs the host checks. Its hooks default to the live host.
type Checker struct {
	fs       afero.Fs
	machine  func() (string, error)
	lookPath func(string) (string, error)
	space    func(dir string, neededGB int) error
}

// NewChecker returns a Checker reading procfs and sysfs through fs. space
// is the free-space probe, usually disk.Manager.CheckSpace.
func NewChecker(fs afero.Fs, space func(dir string, neededGB int) error) *Checker {
	return &Checker{
		fs:       fs,
		machine:  unameMachine,
		lookPath: executor.LookPath,
		space:    space,
	}
}

// Run executes every check and returns the report. It never stops early so
// the operator sees every problem at once.
func (c *Checker) Run(ctx context.Context, req Requirements) Report {
	logger := log.GetLogger(ctx)

	var report Report
	add := func(r Result) {
		logger.WithFields(logrus.Fields{"check": r.Name, "status": r.Status}).Debug(r.Message)
		report.Results = append(report.Results, r)
	}

	add(c.checkArch())
	add(c.checkCPUVirt())
	add(c.checkKVMDevice())
	add(c.checkKVMModule())
	add(c.checkIOMMU(req.Passthrough))
	add(c.checkVFIO(req.Passthrough))
	for _, tool := range req.Tools {
		add(c.checkTool(tool))
	}
	if req.DiskGB > 0 && c.space != nil {
		add(c.checkSpace(req.DiskDir, req.DiskGB))
	}

	for _, w := range report.Warnings() {
		logger.Warnf("Warning: %s: %s", w.Name, w.Message)
	}
	return report
}

func (c *Checker) checkArch() Result {
	const name = "arch"
	machine, err := c.machine()
	if err != nil {
		return Result{name, StatusFail, fmt.Sprintf("cannot determine architecture: %v", err)}
	}
	if machine != "x86_64" {
		return Result{name, StatusFail, fmt.Sprintf("unsupported architecture %s, need x86_64", machine)}
	}
	return Result{name, StatusPass, "x86_64"}
}

func (c *Checker) checkCPUVirt() Result {
	const name = "cpu-virtualization"
	data, err := afero.ReadFile(c.fs, "/proc/cpuinfo")
	if err != nil {
		return Result{name, StatusFail, fmt.Sprintf("cannot read /proc/cpuinfo: %v", err)}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "flags") {
			continue
		}
		flags := strings.Fields(line[strings.Index(line, ":")+1:])
		switch {
		case lo.Contains(flags, "vmx"):
			return Result{name, StatusPass, "Intel VT-x (vmx)"}
		case lo.Contains(flags, "svm"):
			return Result{name, StatusPass, "AMD-V (svm)"}
		}
		break
	}
	return Result{name, StatusFail, "CPU does not advertise vmx or svm; enable virtualization in firmware"}
}

func (c *Checker) checkKVMDevice() Result {
	const name = "kvm-device"
	if _, err := c.fs.Stat("/dev/kvm"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{name, StatusFail, "/dev/kvm does not exist"}
		}
		return Result{name, StatusFail, fmt.Sprintf("cannot access /dev/kvm: %v", err)}
	}
	return Result{name, StatusPass, "/dev/kvm present"}
}

func (c *Checker) checkKVMModule() Result {
	const name = "kvm-module"
	modules, err := c.loadedModules()
	if err != nil {
		return Result{name, StatusWarn, fmt.Sprintf("cannot read /proc/modules: %v", err)}
	}
	if modules["kvm"] {
		return Result{name, StatusPass, "kvm module loaded"}
	}
	// kvm may be built into the kernel
	return Result{name, StatusWarn, "kvm module not listed in /proc/modules"}
}

func (c *Checker) checkIOMMU(required bool) Result {
	const name = "iommu"
	miss := StatusWarn
	if required {
		miss = StatusFail
	}

	if groups, err := afero.ReadDir(c.fs, "/sys/kernel/iommu_groups"); err == nil && len(groups) > 0 {
		return Result{name, StatusPass, fmt.Sprintf("%d IOMMU groups", len(groups))}
	}

	cmdline, err := afero.ReadFile(c.fs, "/proc/cmdline")
	if err != nil {
		return Result{name, miss, fmt.Sprintf("cannot read /proc/cmdline: %v", err)}
	}
	for _, param := range iommuParams {
		if lo.Contains(strings.Fields(string(cmdline)), param) {
			return Result{name, miss, fmt.Sprintf("%s set but no IOMMU groups found", param)}
		}
	}
	return Result{name, miss, "IOMMU not enabled; add intel_iommu=on or amd_iommu=on to the kernel command line"}
}

func (c *Checker) checkVFIO(requested bool) Result {
	const name = "vfio-modules"
	if !requested {
		return Result{name, StatusPass, "no passthrough requested"}
	}
	modules, err := c.loadedModules()
	if err != nil {
		return Result{name, StatusWarn, fmt.Sprintf("cannot read /proc/modules: %v", err)}
	}
	missing := lo.Reject(vfioModules, func(m string, _ int) bool { return modules[m] })
	if len(missing) > 0 {
		return Result{name, StatusWarn, fmt.Sprintf("modules not loaded: %s", strings.Join(missing, ", "))}
	}
	return Result{name, StatusPass, "vfio modules loaded"}
}

func (c *Checker) checkTool(tool string) Result {
	name := "tool:" + tool
	path, err := c.lookPath(tool)
	if err != nil {
		return Result{name, StatusFail, fmt.Sprintf("%s not found on PATH", tool)}
	}
	return Result{name, StatusPass, path}
}

func (c *Checker) checkSpace(dir string, neededGB int) Result {
	const name = "disk-space"
	probe := nearestExisting(c.fs, dir)
	if err := c.space(probe, neededGB); err != nil {
		var sysErr *errdefs.SystemError
		if errors.As(err, &sysErr) {
			return Result{name, StatusFail, sysErr.Reason}
		}
		return Result{name, StatusWarn, fmt.Sprintf("could not verify free space: %v", err)}
	}
	return Result{name, StatusPass, fmt.Sprintf("%dGB available in %s", neededGB, probe)}
}

func (c *Checker) loadedModules() (map[string]bool, error) {
	data, err := afero.ReadFile(c.fs, "/proc/modules")
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if fields := strings.Fields(scanner.Text()); len(fields) > 0 {
			out[fields[0]] = true
		}
	}
	return out, scanner.Err()
}

// nearestExisting walks up from dir to the first directory that exists, so
// space can be checked before the cluster directory is created.
func nearestExisting(fs afero.Fs, dir string) string {
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		if ok, _ := afero.DirExists(fs, d); ok || d == filepath.Dir(d) {
			return d
		}
	}
}

func unameMachine() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Machine[:]), nil
}
