// Package cluster is the orchestration engine: it plans a cluster against
// the live host, brings it up stage by stage, and stops, destroys and
// reports on it.
//
// Every operation that changes state runs under the host-wide state lock.
// The state file written through state.Store is the only record of what a
// run did; the hypervisor is consulted for observed VM state but never
// treated as authority.
package cluster

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/network"
	"github.com/jbweber/corral/internal/state"
)

// DefaultParallelism bounds concurrent disk and VM work when neither the
// cluster nor the host settings say otherwise.
const DefaultParallelism = 4

// Options are host settings the orchestrator needs.
type Options struct {
	// DiskDir holds one directory per cluster, each backing the cluster's
	// storage pool.
	DiskDir string
	// Parallelism is the host default for concurrent VM bring-up.
	Parallelism int
	// DiskReserveGB is free space kept back when checking disk capacity.
	DiskReserveGB int
	// AnsibleUser is the remote login written into inventories.
	AnsibleUser string
}

// Deps are the components the orchestrator drives.
type Deps struct {
	Store       *state.Store
	Fs          afero.Fs
	VMs         VMs
	Disks       Disks
	Networks    Networks
	Pools       Pools
	Devices     Devices
	Checker     HostChecker
	Host        network.HostNetwork
	Provisioner Provisioner
	Metrics     *Metrics
}

// Orchestrator implements the cluster lifecycle.
type Orchestrator struct {
	Deps
	opts Options
}

// New returns an orchestrator. Host is optional; without it host interface
// collisions are not checked.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	return &Orchestrator{Deps: deps, opts: opts}
}

// poolPath is the directory holding a cluster's disks and seed ISOs.
func (o *Orchestrator) poolPath(cluster string) string {
	return filepath.Join(o.opts.DiskDir, cluster)
}

// locked runs fn under the host-wide state lock.
func (o *Orchestrator) locked(ctx context.Context, stage string, fn func() error) error {
	unlock, err := o.Store.Lock(ctx)
	if err != nil {
		return errdefs.InStage(stage, "state lock", err)
	}
	defer func() {
		if err := unlock(); err != nil {
			log.GetLogger(ctx).Warnf("Warning: failed to release state lock: %v", err)
		}
	}()
	return fn()
}

// load returns the recorded state of name, or a NotFoundError when there is
// none or it was destroyed.
func (o *Orchestrator) load(name string) (*state.ClusterState, error) {
	cs, found, err := o.Store.Load(name)
	if err != nil {
		return nil, err
	}
	if !found || !cs.Holds() {
		return nil, &errdefs.NotFoundError{Kind: "cluster", Name: name}
	}
	return cs, nil
}
