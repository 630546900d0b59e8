package cluster

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/cloudinit"
	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/naming"
	"github.com/jbweber/corral/internal/state"
	"github.com/jbweber/corral/internal/status"
	"github.com/jbweber/corral/internal/vm"
)

// StopOptions tune Stop.
type StopOptions struct {
	// Force destroys VMs instead of asking them to shut down.
	Force bool
}

// DestroyOptions tune Destroy.
type DestroyOptions struct {
	// Confirmed must be set; Destroy refuses to run without it.
	Confirmed bool
}

// Stop shuts every VM of the cluster down in reverse creation order and
// records the cluster as stopped. Stopping a stopped cluster does nothing.
func (o *Orchestrator) Stop(ctx context.Context, name string, opts StopOptions) error {
	return o.locked(ctx, errdefs.StageStop, func() (err error) {
		start := time.Now()
		defer func() { o.Metrics.observe(name, errdefs.StageStop, start, err) }()

		logger := log.GetLogger(ctx).WithFields(logrus.Fields{"cluster": name, "stage": errdefs.StageStop})

		cs, err := o.load(name)
		if err != nil {
			return errdefs.InStage(errdefs.StageStop, name, err)
		}
		if cs.Phase == v1alpha1.ClusterPhaseStopped {
			logger.Info("Cluster is already stopped")
			return nil
		}
		settleInterrupted(ctx, cs)
		if !status.CanTransition(cs.Phase, v1alpha1.ClusterPhaseStopped) {
			return errdefs.InStage(errdefs.StageStop, name,
				errdefs.Invalid("cluster", name, "cannot stop a cluster that is %s", cs.Phase))
		}

		for i := len(cs.VMs) - 1; i >= 0; i-- {
			v := cs.VMs[i].Name
			observed, err := o.VMs.GetState(ctx, v)
			if err != nil {
				return o.saveAfter(errdefs.StageStop, cs, errdefs.InStage(errdefs.StageStop, v, err))
			}
			if observed != vm.StateUndefined {
				logger.WithField("vm", v).Info("Stopping VM")
				if err := o.VMs.Stop(ctx, v, opts.Force); err != nil {
					return o.saveAfter(errdefs.StageStop, cs, errdefs.InStage(errdefs.StageStop, v, err))
				}
				observed = vm.StateShutoff
			}
			cs.SetVMState(v, observed)
			if err := o.Store.Save(cs); err != nil {
				return errdefs.InStage(errdefs.StageStop, v, err)
			}
		}

		if err := status.TransitionToStopped(cs); err != nil {
			return errdefs.InStage(errdefs.StageStop, name, err)
		}
		if err := o.Store.Save(cs); err != nil {
			return errdefs.InStage(errdefs.StageStop, name, err)
		}
		o.Metrics.setVMs(name, countStates(cs))
		logger.Infof("Stopped %d VM(s)", len(cs.VMs))
		return nil
	})
}

// Destroy removes everything the cluster holds: VMs, disks and seed ISOs,
// the storage pool and the network. The state file is backed up first and
// deleted last. If a step fails, progress so far is saved and the error
// names the resource that could not be removed; running Destroy again
// continues from there.
func (o *Orchestrator) Destroy(ctx context.Context, name string, opts DestroyOptions) error {
	if !opts.Confirmed {
		return errdefs.InStage(errdefs.StageDestroy, name,
			errdefs.Invalid("confirm", name, "destroying a cluster removes its VMs and disks and must be confirmed"))
	}

	return o.locked(ctx, errdefs.StageDestroy, func() (err error) {
		start := time.Now()
		defer func() { o.Metrics.observe(name, errdefs.StageDestroy, start, err) }()

		logger := log.GetLogger(ctx).WithFields(logrus.Fields{"cluster": name, "stage": errdefs.StageDestroy})

		cs, err := o.load(name)
		if err != nil {
			return errdefs.InStage(errdefs.StageDestroy, name, err)
		}

		backup, err := o.Store.Backup(name)
		if err != nil {
			return errdefs.InStage(errdefs.StageDestroy, "state backup", err)
		}
		logger.Infof("State backed up to %s", backup)

		for i := len(cs.VMs) - 1; i >= 0; i-- {
			v := cs.VMs[i].Name
			if err := o.VMs.Undefine(ctx, v); err != nil {
				return o.saveAfter(errdefs.StageDestroy, cs, errdefs.InStage(errdefs.StageDestroy, v, err))
			}
			cs.SetVMState(v, vm.StateUndefined)
			if err := o.Store.Save(cs); err != nil {
				return errdefs.InStage(errdefs.StageDestroy, v, err)
			}
		}

		for _, v := range cs.VMs {
			for _, path := range v.Disks {
				if cs.HasDisk(path) {
					if err := o.Disks.Delete(ctx, path); err != nil {
						return o.saveAfter(errdefs.StageDestroy, cs, errdefs.InStage(errdefs.StageDestroy, path, err))
					}
					cs.Disks = dropDisk(cs.Disks, path)
					continue
				}
				if err := cloudinit.RemoveISO(o.Fs, path); err != nil {
					return o.saveAfter(errdefs.StageDestroy, cs, errdefs.InStage(errdefs.StageDestroy, path, err))
				}
			}
		}
		for len(cs.Disks) > 0 {
			path := cs.Disks[0].Path
			if err := o.Disks.Delete(ctx, path); err != nil {
				return o.saveAfter(errdefs.StageDestroy, cs, errdefs.InStage(errdefs.StageDestroy, path, err))
			}
			cs.Disks = dropDisk(cs.Disks, path)
		}
		if err := o.Store.Save(cs); err != nil {
			return errdefs.InStage(errdefs.StageDestroy, name, err)
		}

		pool := cs.StoragePool
		if pool == "" {
			pool = naming.PoolName(name)
		}
		if err := o.Pools.DeletePool(ctx, pool); err != nil {
			return o.saveAfter(errdefs.StageDestroy, cs, errdefs.InStage(errdefs.StageDestroy, "pool "+pool, err))
		}
		// the pool directory goes only when nothing else was left in it
		if err := o.Fs.Remove(o.poolPath(name)); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Debug("Pool directory not removed")
		}

		if cs.Network != nil {
			if err := o.Networks.DeleteNetwork(ctx, cs.Network.Name); err != nil {
				return o.saveAfter(errdefs.StageDestroy, cs, errdefs.InStage(errdefs.StageDestroy, "network "+cs.Network.Name, err))
			}
			cs.Network.Active = false
		}

		status.TransitionToDestroyed(cs)
		if err := o.Store.Delete(name); err != nil {
			return errdefs.InStage(errdefs.StageDestroy, name, err)
		}
		o.Metrics.setVMs(name, nil)
		logger.Info("Cluster destroyed")
		return nil
	})
}

// saveAfter records partial progress before returning err.
func (o *Orchestrator) saveAfter(stage string, cs *state.ClusterState, err error) error {
	if serr := o.Store.Save(cs); serr != nil {
		return errdefs.InStage(stage, cs.Name, serr)
	}
	return err
}

func dropDisk(disks []state.DiskRecord, path string) []state.DiskRecord {
	out := disks[:0]
	for _, d := range disks {
		if d.Path != path {
			out = append(out, d)
		}
	}
	return out
}

// Status returns the recorded state of a cluster with every VM's state and
// the network's activity refreshed from the hypervisor. The refreshed view
// is not saved.
func (o *Orchestrator) Status(ctx context.Context, name string) (cs *state.ClusterState, err error) {
	start := time.Now()
	defer func() { o.Metrics.observe(name, errdefs.StageStatus, start, err) }()

	cs, err = o.load(name)
	if err != nil {
		return nil, errdefs.InStage(errdefs.StageStatus, name, err)
	}

	for i := range cs.VMs {
		observed, err := o.VMs.GetState(ctx, cs.VMs[i].Name)
		if err != nil {
			return nil, errdefs.InStage(errdefs.StageStatus, cs.VMs[i].Name, err)
		}
		cs.VMs[i].State = observed
	}

	if cs.Network != nil {
		active, err := o.Networks.IsActive(ctx, cs.Network.Name)
		switch {
		case errdefs.IsNotFound(err):
			cs.Network.Active = false
		case err != nil:
			return nil, errdefs.InStage(errdefs.StageStatus, "network "+cs.Network.Name, err)
		default:
			cs.Network.Active = active
		}
	}

	o.Metrics.setVMs(name, countStates(cs))
	return cs, nil
}

// List returns the recorded state of every cluster that is not destroyed,
// without consulting the hypervisor.
func (o *Orchestrator) List(_ context.Context) ([]*state.ClusterState, error) {
	all, err := o.Store.List()
	if err != nil {
		return nil, errdefs.InStage(errdefs.StageStatus, "", err)
	}
	out := make([]*state.ClusterState, 0, len(all))
	for _, cs := range all {
		if cs.Holds() {
			out = append(out, cs)
		}
	}
	return out, nil
}
