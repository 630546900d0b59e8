package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/ansible"
	"github.com/jbweber/corral/internal/cloudinit"
	"github.com/jbweber/corral/internal/disk"
	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/state"
	"github.com/jbweber/corral/internal/status"
	"github.com/jbweber/corral/internal/vm"
)

// Ready condition reasons recorded when a run does not finish.
const (
	ReasonInterrupted    = "Interrupted"
	ReasonNetworkFailed  = "NetworkFailed"
	ReasonStorageFailed  = "StorageFailed"
	ReasonVMFailed       = "VMFailed"
	ReasonPlaybookFailed = "PlaybookFailed"
	ReasonCancelled      = "Cancelled"
)

// run is one Provision call. mu guards cs and every save of it.
type run struct {
	o      *Orchestrator
	plan   *Plan
	logger *logrus.Entry

	mu sync.Mutex
	cs *state.ClusterState

	netCreated  bool
	poolCreated bool
}

// Provision brings a planned cluster up: network, storage pool and disks,
// then VMs with bounded parallelism, then the optional playbook.
//
// Provision is resumable. Resources recorded by an earlier run are reused,
// VMs that are already running are left alone, and a stopped cluster is
// started again. State is saved after every resource changes.
//
// On failure or cancellation, VMs defined by this run that are not running
// are undefined again, and the network and pool are removed if this run
// created them and no VM still uses them. Disks are kept for the retry.
// The cluster is left partially-provisioned and the returned error is an
// errdefs.StageError naming the resource that failed.
func (o *Orchestrator) Provision(ctx context.Context, plan *Plan) error {
	return o.locked(ctx, errdefs.StageProvision, func() error {
		return o.provision(ctx, plan)
	})
}

func (o *Orchestrator) provision(ctx context.Context, plan *Plan) (err error) {
	name := plan.Name()
	start := time.Now()
	defer func() { o.Metrics.observe(name, errdefs.StageProvision, start, err) }()

	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"cluster": name, "stage": errdefs.StageProvision})
	ctx = log.WithLogger(ctx, logger)

	cs, err := o.prepare(ctx, plan)
	if err != nil {
		return errdefs.InStage(errdefs.StageProvision, name, err)
	}

	r := &run{o: o, plan: plan, logger: logger, cs: cs}
	if reason, err := r.execute(ctx); err != nil {
		if ctx.Err() != nil {
			reason = ReasonCancelled
		}
		r.rollback(context.WithoutCancel(ctx), reason, err)
		return err
	}

	logger.Infof("Cluster is running with %d VM(s)", len(plan.nodes))
	return nil
}

// prepare loads or creates the cluster state, re-checks the reservations
// made at plan time and records the planned resources before anything is
// built.
func (o *Orchestrator) prepare(ctx context.Context, plan *Plan) (*state.ClusterState, error) {
	cs, err := o.existing(plan.Name())
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = state.New(plan.Name(), plan.cluster.Spec.Type)
	}
	settleInterrupted(ctx, cs)

	if err := checkExisting(plan.cluster, cs, plan.nodes); err != nil {
		return nil, err
	}
	if err := o.checkNetwork(plan.Name(), plan.network, cs, nil); err != nil {
		return nil, err
	}
	if err := o.checkDevices(plan); err != nil {
		return nil, err
	}

	record(cs, plan)

	if cs.Phase == v1alpha1.ClusterPhaseAbsent {
		if err := status.TransitionToPlanned(cs); err != nil {
			return nil, err
		}
	}
	if err := status.TransitionToProvisioning(cs); err != nil {
		return nil, err
	}
	if err := o.Store.Save(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// settleInterrupted moves a cluster left provisioning by a run that died
// without settling to partially-provisioned. Callers hold the state lock,
// so no run can still be in progress.
func settleInterrupted(ctx context.Context, cs *state.ClusterState) {
	if cs.Phase != v1alpha1.ClusterPhaseProvisioning {
		return
	}
	log.GetLogger(ctx).Warnf("Warning: an earlier run on cluster %s did not finish", cs.Name)
	_ = status.TransitionToPartiallyProvisioned(cs, ReasonInterrupted, "an earlier provisioning run did not finish")
	for i := range cs.VMs {
		cs.VMs[i].DefinedByRun = false
	}
}

// checkDevices rejects devices claimed since the plan was made.
func (o *Orchestrator) checkDevices(plan *Plan) error {
	claims, err := o.Store.ClaimsExcept(plan.Name())
	if err != nil {
		return err
	}
	for _, n := range plan.nodes {
		for _, b := range n.Bundles {
			for _, addr := range b.Addresses() {
				if owner, ok := claims[addr]; ok {
					return &errdefs.ResourceConflictError{Kind: "pci device", Resource: addr, Owner: owner}
				}
			}
		}
	}
	return nil
}

// record writes the planned network, pool and VMs into cs. Observed VM
// state and domain UUIDs of earlier runs are kept.
func record(cs *state.ClusterState, plan *Plan) {
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	if path := plan.cluster.ConfigPath(); path != "" {
		cs.ConfigPath = path
	}

	active := cs.Network != nil && cs.Network.Active
	leases := make(map[string]string, len(plan.nodes))
	for _, n := range plan.nodes {
		leases[n.Name] = n.IP
	}
	cs.Network = &state.NetworkRecord{
		Name:         plan.network.Name,
		Subnet:       plan.network.Subnet,
		Bridge:       plan.network.Bridge,
		Gateway:      plan.network.Gateway,
		DHCPStart:    plan.network.DHCPStart,
		DHCPEnd:      plan.network.DHCPEnd,
		DNSServers:   append([]string(nil), plan.network.DNSServers...),
		Active:       active,
		ActiveLeases: leases,
	}
	cs.StoragePool = plan.pool.Name

	for _, n := range plan.nodes {
		rec := state.VMRecord{
			Name:      n.Name,
			Role:      n.Role,
			VCPUs:     n.VCPUs,
			MemoryMiB: n.MemoryMiB,
			Disks:     []string{n.DiskPath, n.SeedPath},
			IP:        n.IP,
			MAC:       n.MAC,
			Bundles:   n.Bundles,
			State:     vm.StateUndefined,
		}
		if old, ok := cs.VM(n.Name); ok {
			rec.UUID = old.UUID
			rec.State = old.State
			rec.CreatedAt = old.CreatedAt
		}
		cs.UpsertVM(rec)
	}
}

// update applies fn to the state and saves it.
func (r *run) update(fn func(cs *state.ClusterState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.cs)
	return r.o.Store.Save(r.cs)
}

// updateOrWarn is update on a path that is already failing: the failure
// being reported wins and a failed save is only logged.
func (r *run) updateOrWarn(fn func(cs *state.ClusterState)) {
	if err := r.update(fn); err != nil {
		r.logger.WithError(err).Warn("Warning: failed to save cluster state")
	}
}

// vmRecord returns a copy of the named VM's record.
func (r *run) vmRecord(name string) state.VMRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.cs.VM(name); ok {
		return *rec
	}
	return state.VMRecord{Name: name}
}

// execute runs the stages in order. On failure it returns the Ready reason
// for the stage that failed.
func (r *run) execute(ctx context.Context) (string, error) {
	stages := []struct {
		name   string
		reason string
		fn     func(context.Context) error
	}{
		{"network", ReasonNetworkFailed, r.network},
		{"storage", ReasonStorageFailed, r.storage},
		{"vms", ReasonVMFailed, r.vms},
		{"configure", ReasonPlaybookFailed, r.configure},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return ReasonCancelled, errdefs.InStage(errdefs.StageProvision, r.plan.Name(), err)
		}
		start := time.Now()
		err := s.fn(ctx)
		r.o.Metrics.observe(r.plan.Name(), errdefs.StageProvision+"/"+s.name, start, err)
		if err != nil {
			return s.reason, err
		}
	}

	err := r.update(func(cs *state.ClusterState) {
		for i := range cs.VMs {
			cs.VMs[i].DefinedByRun = false
		}
		if terr := status.TransitionToRunning(cs); terr != nil {
			r.logger.WithError(terr).Warn("Warning: failed to record running phase")
		}
	})
	if err != nil {
		return ReasonVMFailed, errdefs.InStage(errdefs.StageProvision, r.plan.Name(), err)
	}
	r.o.Metrics.setVMs(r.plan.Name(), countStates(r.cs))
	return "", nil
}

func (r *run) network(ctx context.Context) error {
	spec := r.plan.network.Spec(r.plan.nodes)
	resource := "network " + spec.Name

	r.logger.WithField("network", spec.Name).Info("Ensuring cluster network")
	created, err := r.o.Networks.EnsureNetwork(ctx, spec)
	if err != nil {
		r.updateOrWarn(func(cs *state.ClusterState) { status.MarkNetworkFailed(cs, err) })
		return errdefs.InStage(errdefs.StageProvision, resource, err)
	}
	r.netCreated = created

	if err := r.update(func(cs *state.ClusterState) {
		cs.Network.Active = true
		status.MarkNetworkReady(cs)
	}); err != nil {
		return errdefs.InStage(errdefs.StageProvision, resource, err)
	}
	return nil
}

func (r *run) storage(ctx context.Context) error {
	pool := r.plan.pool

	r.logger.WithField("pool", pool.Name).Info("Ensuring storage pool")
	created, err := r.o.Pools.EnsurePool(ctx, pool.Name, pool.Path)
	if err != nil {
		r.updateOrWarn(func(cs *state.ClusterState) { status.MarkStorageFailed(cs, err) })
		return errdefs.InStage(errdefs.StageProvision, "pool "+pool.Name, err)
	}
	r.poolCreated = created

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.plan.parallelism)
	for _, n := range r.plan.nodes {
		n := n
		g.Go(func() error { return r.prepareNode(gctx, n) })
	}
	if err := g.Wait(); err != nil {
		r.updateOrWarn(func(cs *state.ClusterState) { status.MarkStorageFailed(cs, err) })
		return err
	}

	return r.update(status.MarkStorageProvisioned)
}

// prepareNode creates the node's disk unless an earlier run did, and writes
// its seed ISO unless the VM is already defined and using it.
func (r *run) prepareNode(ctx context.Context, n NodePlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := r.logger.WithField("vm", n.Name)

	r.mu.Lock()
	recorded := r.cs.HasDisk(n.DiskPath)
	r.mu.Unlock()

	exists, _ := afero.Exists(r.o.Fs, n.DiskPath)
	create := !exists
	if exists && !recorded {
		adopted, err := r.adoptDisk(ctx, logger, n)
		if err != nil {
			return errdefs.InStage(errdefs.StageProvision, n.Name, err)
		}
		create = !adopted
	}

	if create {
		logger.Infof("Creating %dGB disk from %s", n.DiskGB, n.BaseImage)
		img, err := r.o.Disks.CreateFromBase(ctx, n.BaseImage, n.DiskPath, n.DiskGB)
		if err != nil {
			return errdefs.InStage(errdefs.StageProvision, n.Name, err)
		}
		if err := r.recordDisk(n, img.Path, string(img.Format), img.BackingImage); err != nil {
			return errdefs.InStage(errdefs.StageProvision, n.Name, err)
		}
	}

	seedExists, _ := afero.Exists(r.o.Fs, n.SeedPath)
	if seedExists && r.vmRecord(n.Name).State != vm.StateUndefined {
		return nil
	}
	logger.Debug("Writing cloud-init seed")
	if err := cloudinit.WriteISO(r.o.Fs, n.SeedPath, r.seed(n)); err != nil {
		return errdefs.InStage(errdefs.StageProvision, n.Name, err)
	}
	return nil
}

func (r *run) recordDisk(n NodePlan, path, format, backing string) error {
	return r.update(func(cs *state.ClusterState) {
		cs.AddDisk(state.DiskRecord{
			Path:         path,
			VM:           n.Name,
			Format:       format,
			SizeGB:       n.DiskGB,
			BackingImage: backing,
		})
	})
}

// adoptDisk handles a disk file the state does not know about, left by a run
// that stopped before saving it. An overlay of the node's base image is
// recorded and kept; anything else qemu-img can read, or a file it rejects
// as broken, is removed so the disk can be created again.
func (r *run) adoptDisk(ctx context.Context, logger *logrus.Entry, n NodePlan) (bool, error) {
	info, err := r.o.Disks.Inspect(ctx, n.DiskPath)
	var toolErr *errdefs.ExternalToolError
	switch {
	case err == nil && info.Format == string(disk.FormatQCOW2) && info.BackingFile == n.BaseImage:
		logger.Info("Adopting disk left by an earlier run")
		if err := r.recordDisk(n, n.DiskPath, info.Format, info.BackingFile); err != nil {
			return false, err
		}
		return true, nil
	case err == nil:
		logger.Warnf("Warning: replacing unrecorded disk backed by %q", info.BackingFile)
	case errors.As(err, &toolErr) && toolErr.Kind == errdefs.ToolNonZero:
		logger.WithError(err).Warn("Warning: replacing unreadable unrecorded disk")
	default:
		return false, err
	}

	if err := r.o.Disks.Delete(ctx, n.DiskPath); err != nil {
		return false, err
	}
	return false, nil
}

func (r *run) seed(n NodePlan) *cloudinit.Node {
	node := &cloudinit.Node{
		Name:       n.Name,
		IP:         n.IP,
		PrefixLen:  r.plan.network.PrefixLen(),
		MAC:        n.MAC,
		Gateway:    r.plan.network.Gateway,
		DNSServers: r.plan.network.DNSServers,
	}
	if ci := r.plan.cluster.Spec.CloudInit; ci != nil {
		node.Domain = ci.Domain
		node.SSHAuthorizedKeys = ci.SSHAuthorizedKeys
		node.PasswordHash = ci.PasswordHash
		node.SSHPasswordAuth = ci.SSHPasswordAuth
	}
	return node
}

func (r *run) vms(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.plan.parallelism)
	for _, n := range r.plan.nodes {
		n := n
		g.Go(func() error { return r.bringUp(gctx, n) })
	}
	if err := g.Wait(); err != nil {
		r.updateOrWarn(func(cs *state.ClusterState) { status.MarkVMsFailed(cs, err) })
		return err
	}
	return nil
}

// bringUp defines the VM if the hypervisor does not know it and starts it
// unless it is already running. A cancelled context leaves the VM untouched.
func (r *run) bringUp(ctx context.Context, n NodePlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := r.logger.WithField("vm", n.Name)

	observed, err := r.o.VMs.GetState(ctx, n.Name)
	if err != nil {
		return errdefs.InStage(errdefs.StageProvision, n.Name, err)
	}

	if observed == vm.StateUndefined {
		spec := r.vmSpec(n)
		if err := r.o.VMs.Define(ctx, spec); err != nil {
			return errdefs.InStage(errdefs.StageProvision, n.Name, err)
		}
		if err := r.update(func(cs *state.ClusterState) {
			if rec, ok := cs.VM(n.Name); ok {
				rec.UUID = spec.UUID
				rec.DefinedByRun = true
			}
			cs.SetVMState(n.Name, vm.StateShutoff)
		}); err != nil {
			return errdefs.InStage(errdefs.StageProvision, n.Name, err)
		}
		observed = vm.StateShutoff
	}

	if observed != vm.StateRunning {
		logger.Info("Starting VM")
		if err := r.o.VMs.Start(ctx, n.Name); err != nil {
			return errdefs.InStage(errdefs.StageProvision, n.Name, err)
		}
	} else {
		logger.Debug("VM already running")
	}

	if err := r.update(func(cs *state.ClusterState) { cs.SetVMState(n.Name, vm.StateRunning) }); err != nil {
		return errdefs.InStage(errdefs.StageProvision, n.Name, err)
	}
	return nil
}

func (r *run) vmSpec(n NodePlan) vm.Spec {
	id := r.vmRecord(n.Name).UUID
	if id == "" {
		id = uuid.NewString()
	}
	return vm.Spec{
		Name:      n.Name,
		Cluster:   r.plan.Name(),
		Role:      n.Role,
		UUID:      id,
		VCPUs:     n.VCPUs,
		MemoryMiB: n.MemoryMiB,
		Firmware:  n.Firmware,
		Disks: []corrallibvirt.Disk{
			{Path: n.DiskPath, Format: string(disk.FormatQCOW2), Target: "vda"},
			{Path: n.SeedPath, Format: string(disk.FormatRaw), Target: "sda", CDROM: true},
		},
		Interfaces: []corrallibvirt.Interface{
			{Network: r.plan.network.Name, MAC: n.MAC},
		},
		Bundles:   n.Bundles,
		Autostart: n.Autostart,
	}
}

// configure runs the provisioner playbook when the cluster names one.
func (r *run) configure(ctx context.Context) error {
	spec := r.plan.cluster.Spec.Provisioner
	if spec == nil {
		return nil
	}
	if r.o.Provisioner == nil {
		r.logger.Warn("Warning: no provisioner configured, skipping playbook")
		return nil
	}

	timeout, err := r.plan.cluster.GetProvisionerTimeout()
	if err != nil {
		return errdefs.InStage(errdefs.StageProvision, "playbook", errdefs.Invalid("spec.provisioner.timeout", spec.Timeout, "not a duration"))
	}

	r.mu.Lock()
	snapshot := *r.cs
	snapshot.VMs = append([]state.VMRecord(nil), r.cs.VMs...)
	r.mu.Unlock()

	r.logger.WithField("playbook", spec.Playbook).Info("Running provisioner playbook")
	err = r.o.Provisioner.Provision(ctx, &snapshot, ansible.Run{
		Playbook:  spec.Playbook,
		ExtraVars: spec.ExtraVars,
		Timeout:   timeout,
		User:      r.o.opts.AnsibleUser,
	})
	if err != nil {
		r.updateOrWarn(func(cs *state.ClusterState) { status.MarkConfigureFailed(cs, err) })
		return errdefs.InStage(errdefs.StageProvision, "playbook", err)
	}
	return r.update(status.MarkConfigured)
}

// rollback undoes what this run defined and cannot keep, then settles the
// cluster as partially-provisioned. It runs on an uncancelled context.
func (r *run) rollback(ctx context.Context, reason string, cause error) {
	logger := r.logger.WithField("reason", reason)
	logger.Warnf("Warning: provisioning failed, rolling back: %v", cause)

	nodes := r.plan.nodes
	for i := len(nodes) - 1; i >= 0; i-- {
		rec := r.vmRecord(nodes[i].Name)
		if !rec.DefinedByRun {
			continue
		}
		observed, err := r.o.VMs.GetState(ctx, rec.Name)
		if err != nil {
			logger.WithError(err).Warnf("Warning: failed to check %s during rollback", rec.Name)
			continue
		}
		if observed == vm.StateRunning {
			r.updateOrWarn(func(cs *state.ClusterState) { cs.SetVMState(rec.Name, vm.StateRunning) })
			continue
		}
		if observed != vm.StateUndefined {
			if err := r.o.VMs.Undefine(ctx, rec.Name); err != nil {
				logger.WithError(err).Warnf("Warning: failed to undefine %s during rollback", rec.Name)
				continue
			}
		}
		logger.Infof("Undefined %s", rec.Name)
		r.updateOrWarn(func(cs *state.ClusterState) {
			if v, ok := cs.VM(rec.Name); ok {
				v.UUID = ""
				v.DefinedByRun = false
			}
			cs.SetVMState(rec.Name, vm.StateUndefined)
		})
	}

	r.mu.Lock()
	inUse := false
	for _, v := range r.cs.VMs {
		if v.State != vm.StateUndefined {
			inUse = true
		}
	}
	r.mu.Unlock()

	if !inUse && r.poolCreated {
		if err := r.o.Pools.DeletePool(ctx, r.plan.pool.Name); err != nil {
			logger.WithError(err).Warn("Warning: failed to remove storage pool during rollback")
		}
	}
	if !inUse && r.netCreated {
		if err := r.o.Networks.DeleteNetwork(ctx, r.plan.network.Name); err != nil {
			logger.WithError(err).Warn("Warning: failed to remove network during rollback")
		} else {
			r.updateOrWarn(func(cs *state.ClusterState) {
				cs.Network.Active = false
				status.RemoveCondition(cs, v1alpha1.ConditionNetworkReady)
			})
		}
	}

	message := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		message = "provisioning cancelled: " + message
	}
	err := r.update(func(cs *state.ClusterState) {
		for i := range cs.VMs {
			cs.VMs[i].DefinedByRun = false
		}
		if terr := status.TransitionToPartiallyProvisioned(cs, reason, message); terr != nil {
			logger.WithError(terr).Warn("Warning: failed to record partial phase")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to save state after rollback")
	}
	r.o.Metrics.setVMs(r.plan.Name(), countStates(r.cs))
}

// countStates tallies recorded VM states for the cluster gauge.
func countStates(cs *state.ClusterState) map[string]int {
	counts := make(map[string]int)
	for _, v := range cs.VMs {
		counts[string(v.State)]++
	}
	return counts
}
