package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/ansible"
	"github.com/jbweber/corral/internal/disk"
	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
	"github.com/jbweber/corral/internal/vm"
)

// fakeVMs is a tiny hypervisor: defined VMs are remembered with their state.
type fakeVMs struct {
	mu     sync.Mutex
	states map[string]vm.State
	specs  map[string]vm.Spec

	// per-VM failures; nil entries succeed
	defineErr map[string]error
	startErr  map[string]error
	stopErr   map[string]error
	stateErr  map[string]error

	// onStart runs before a VM starts, outside the lock
	onStart func(name string)

	calls []string
}

func newFakeVMs() *fakeVMs {
	return &fakeVMs{
		states:    map[string]vm.State{},
		specs:     map[string]vm.Spec{},
		defineErr: map[string]error{},
		startErr:  map[string]error{},
		stopErr:   map[string]error{},
		stateErr:  map[string]error{},
	}
}

func (f *fakeVMs) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeVMs) Define(_ context.Context, spec vm.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("define " + spec.Name)
	if err := f.defineErr[spec.Name]; err != nil {
		return err
	}
	if _, ok := f.states[spec.Name]; ok {
		return &errdefs.ResourceConflictError{Kind: "domain", Resource: spec.Name, Owner: "cluster other"}
	}
	f.states[spec.Name] = vm.StateShutoff
	f.specs[spec.Name] = spec
	return nil
}

func (f *fakeVMs) Start(_ context.Context, name string) error {
	if f.onStart != nil {
		f.onStart(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start " + name)
	if err := f.startErr[name]; err != nil {
		return err
	}
	if _, ok := f.states[name]; !ok {
		return &errdefs.NotFoundError{Kind: "vm", Name: name}
	}
	f.states[name] = vm.StateRunning
	return nil
}

func (f *fakeVMs) Stop(_ context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("stop %s force=%t", name, force))
	if err := f.stopErr[name]; err != nil {
		return err
	}
	if _, ok := f.states[name]; !ok {
		return &errdefs.NotFoundError{Kind: "vm", Name: name}
	}
	f.states[name] = vm.StateShutoff
	return nil
}

func (f *fakeVMs) Undefine(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("undefine " + name)
	delete(f.states, name)
	delete(f.specs, name)
	return nil
}

func (f *fakeVMs) GetState(_ context.Context, name string) (vm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stateErr[name]; err != nil {
		return "", err
	}
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return vm.StateUndefined, nil
}

func (f *fakeVMs) state(name string) vm.State {
	s, _ := f.GetState(context.Background(), name)
	return s
}

func (f *fakeVMs) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// fakeDisks creates empty overlay files on the shared filesystem.
type fakeDisks struct {
	mu        sync.Mutex
	fs        afero.Fs
	createErr map[string]error
	infos     map[string]disk.Info
	created   []string
	deleted   []string
}

func (f *fakeDisks) CreateFromBase(_ context.Context, base, dest string, _ int) (disk.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[dest]; err != nil {
		return disk.Image{}, err
	}
	if exists, _ := afero.Exists(f.fs, dest); exists {
		return disk.Image{}, errdefs.Invalid("dest", dest, "disk already exists")
	}
	if err := afero.WriteFile(f.fs, dest, []byte("QFI\xfb"), 0o644); err != nil {
		return disk.Image{}, err
	}
	f.created = append(f.created, dest)
	f.infos[dest] = disk.Info{Format: string(disk.FormatQCOW2), BackingFile: base, BackingFormat: "qcow2"}
	return disk.Image{Path: dest, Format: disk.FormatQCOW2, BackingImage: base}, nil
}

// Inspect fails like qemu-img on a file it cannot parse when no info is set.
func (f *fakeDisks) Inspect(_ context.Context, path string) (disk.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exists, _ := afero.Exists(f.fs, path); !exists {
		return disk.Info{}, &errdefs.NotFoundError{Kind: "disk", Name: path}
	}
	info, ok := f.infos[path]
	if !ok {
		return disk.Info{}, &errdefs.ExternalToolError{
			Kind: errdefs.ToolNonZero, Command: "qemu-img info", ExitCode: 1, Stderr: "Image is not in qcow2 format",
		}
	}
	return info, nil
}

func (f *fakeDisks) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	delete(f.infos, path)
	_ = f.fs.Remove(path)
	return nil
}

type fakeNetworks struct {
	defined   map[string]bool
	specs     []corrallibvirt.NetworkSpec
	ensureErr error
	deleted   []string
}

func (f *fakeNetworks) EnsureNetwork(_ context.Context, spec corrallibvirt.NetworkSpec) (bool, error) {
	if f.ensureErr != nil {
		return false, f.ensureErr
	}
	f.specs = append(f.specs, spec)
	if f.defined[spec.Name] {
		return false, nil
	}
	f.defined[spec.Name] = true
	return true, nil
}

func (f *fakeNetworks) DeleteNetwork(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	delete(f.defined, name)
	return nil
}

func (f *fakeNetworks) IsActive(_ context.Context, name string) (bool, error) {
	if !f.defined[name] {
		return false, &errdefs.NotFoundError{Kind: "network", Name: name}
	}
	return true, nil
}

type fakePools struct {
	defined map[string]string
	deleted []string
}

func (f *fakePools) EnsurePool(_ context.Context, name, path string) (bool, error) {
	if existing, ok := f.defined[name]; ok {
		if existing != path {
			return false, &errdefs.ResourceConflictError{Kind: "storage pool", Resource: name, Owner: "existing pool at " + existing}
		}
		return false, nil
	}
	f.defined[name] = path
	return true, nil
}

func (f *fakePools) DeletePool(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	delete(f.defined, name)
	return nil
}

// fakeDevices plans each requested device as a single-device group.
type fakeDevices struct {
	groups map[string]int
}

func (f *fakeDevices) PlanPassthrough(_ context.Context, requested []string, claims map[string]string) ([]pci.Bundle, error) {
	var out []pci.Bundle
	for _, addr := range requested {
		if owner, ok := claims[addr]; ok {
			return nil, &errdefs.ResourceConflictError{Kind: "pci device", Resource: addr, Owner: owner}
		}
		group, ok := f.groups[addr]
		if !ok {
			return nil, &errdefs.NotFoundError{Kind: "pci device", Name: addr}
		}
		out = append(out, pci.Bundle{
			IOMMUGroup: group,
			Devices:    []pci.Device{{Address: addr, IOMMUGroup: group, Driver: "vfio-pci"}},
		})
	}
	return out, nil
}

type fakeChecker struct {
	report preflight.Report
	got    preflight.Requirements
}

func (f *fakeChecker) Run(_ context.Context, req preflight.Requirements) preflight.Report {
	f.got = req
	return f.report
}

type fakeProvisioner struct {
	err  error
	runs []ansible.Run
	seen *state.ClusterState
}

func (f *fakeProvisioner) Provision(_ context.Context, cs *state.ClusterState, run ansible.Run) error {
	f.runs = append(f.runs, run)
	f.seen = cs
	return f.err
}

// harness wires an orchestrator to fakes over an in-memory filesystem. The
// state lock lives in a real temp directory.
type harness struct {
	o       *Orchestrator
	fs      afero.Fs
	store   *state.Store
	vms     *fakeVMs
	disks   *fakeDisks
	nets    *fakeNetworks
	pools   *fakePools
	devices *fakeDevices
	checker *fakeChecker
	ansible *fakeProvisioner
}

const testDiskDir = "/var/lib/corral/disks"

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testDiskDir, 0o755))

	h := &harness{
		fs:      fs,
		store:   state.NewStore(fs, t.TempDir()),
		vms:     newFakeVMs(),
		disks:   &fakeDisks{fs: fs, createErr: map[string]error{}, infos: map[string]disk.Info{}},
		nets:    &fakeNetworks{defined: map[string]bool{}},
		pools:   &fakePools{defined: map[string]string{}},
		devices: &fakeDevices{groups: map[string]int{"0000:65:00.0": 20, "0000:b3:00.0": 40}},
		checker: &fakeChecker{},
		ansible: &fakeProvisioner{},
	}
	h.o = New(Deps{
		Store:       h.store,
		Fs:          fs,
		VMs:         h.vms,
		Disks:       h.disks,
		Networks:    h.nets,
		Pools:       h.pools,
		Devices:     h.devices,
		Checker:     h.checker,
		Provisioner: h.ansible,
	}, Options{DiskDir: testDiskDir, DiskReserveGB: 10, AnsibleUser: "root"})
	return h
}

// load reads the saved state of name, failing the test if there is none.
func (h *harness) load(t *testing.T, name string) *state.ClusterState {
	t.Helper()
	cs, found, err := h.store.Load(name)
	require.NoError(t, err)
	require.True(t, found, "no state recorded for %s", name)
	return cs
}

// testCluster is an HPC cluster with a controller and n compute nodes.
func testCluster(name string, workers int) *v1alpha1.Cluster {
	c := v1alpha1.NewCluster(name, v1alpha1.ClusterTypeHPC)
	c.Spec.BaseImage = "/var/lib/corral/images/rocky9.qcow2"
	c.Spec.Network = v1alpha1.NetworkSpec{Subnet: "192.168.100.0/24"}
	c.Spec.Controller = v1alpha1.NodeSpec{VCPUs: 4, MemoryGiB: 8, DiskGB: 50}
	for i := 0; i < workers; i++ {
		c.Spec.Workers = append(c.Spec.Workers, v1alpha1.NodeSpec{VCPUs: 8, MemoryGiB: 16, DiskGB: 100})
	}
	c.Spec.CloudInit = &v1alpha1.CloudInitSpec{
		SSHAuthorizedKeys: []string{"ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com"},
	}
	return c
}

// mustPlan plans c and fails the test on error.
func (h *harness) mustPlan(t *testing.T, c *v1alpha1.Cluster) *Plan {
	t.Helper()
	plan, err := h.o.Plan(context.Background(), c)
	require.NoError(t, err)
	return plan
}

// mustProvision plans and provisions c.
func (h *harness) mustProvision(t *testing.T, c *v1alpha1.Cluster) *Plan {
	t.Helper()
	plan := h.mustPlan(t, c)
	require.NoError(t, h.o.Provision(context.Background(), plan))
	return plan
}
