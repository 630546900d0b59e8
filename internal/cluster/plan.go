package cluster

import (
	"context"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/naming"
	"github.com/jbweber/corral/internal/network"
	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
)

// NodePlan is one VM as it will be built.
type NodePlan struct {
	Name      string
	Role      string
	VCPUs     int
	MemoryMiB int
	DiskGB    int
	BaseImage string
	Firmware  string
	Autostart bool

	// DiskPath is the COW overlay, SeedPath the cloud-init ISO.
	DiskPath string
	SeedPath string

	IP  string
	MAC string

	Passthrough []string
	Bundles     []pci.Bundle
}

// NetworkPlan is the cluster network as it will be built.
type NetworkPlan struct {
	Name       string
	Bridge     string
	Subnet     string
	Gateway    string
	DHCPStart  string
	DHCPEnd    string
	DNSServers []string

	layout *network.Layout
}

// PrefixLen is the subnet prefix length.
func (n NetworkPlan) PrefixLen() int {
	return n.layout.Prefix.Bits()
}

// Spec renders the libvirt network with a static DHCP host per node.
func (n NetworkPlan) Spec(nodes []NodePlan) corrallibvirt.NetworkSpec {
	hosts := lo.Map(nodes, func(np NodePlan, _ int) corrallibvirt.DHCPHost {
		return corrallibvirt.DHCPHost{MAC: np.MAC, Name: np.Name, IP: np.IP}
	})
	return n.layout.NetworkSpec(n.Name, n.Bridge, hosts, n.DNSServers)
}

// PoolPlan is the storage pool holding the cluster's disks.
type PoolPlan struct {
	Name string
	Path string
}

// Plan is a cluster resolved against this host: names, addresses, disk
// paths and passthrough bundles. A Plan is not modified after Plan returns.
type Plan struct {
	cluster     *v1alpha1.Cluster
	network     NetworkPlan
	pool        PoolPlan
	nodes       []NodePlan
	parallelism int
	report      preflight.Report
}

// Name is the cluster name.
func (p *Plan) Name() string { return p.cluster.Name }

// Cluster returns a copy of the resource the plan was made from.
func (p *Plan) Cluster() *v1alpha1.Cluster { return p.cluster.DeepCopy() }

// Network returns the planned network.
func (p *Plan) Network() NetworkPlan {
	n := p.network
	n.DNSServers = append([]string(nil), p.network.DNSServers...)
	return n
}

// Pool returns the planned storage pool.
func (p *Plan) Pool() PoolPlan { return p.pool }

// Nodes returns the planned VMs, controller first.
func (p *Plan) Nodes() []NodePlan {
	out := make([]NodePlan, len(p.nodes))
	for i, n := range p.nodes {
		n.Passthrough = append([]string(nil), n.Passthrough...)
		n.Bundles = append([]pci.Bundle(nil), n.Bundles...)
		out[i] = n
	}
	return out
}

// Bundles returns every passthrough bundle in the plan keyed by VM name.
func (p *Plan) Bundles() map[string][]pci.Bundle {
	out := make(map[string][]pci.Bundle)
	for _, n := range p.nodes {
		if len(n.Bundles) > 0 {
			out[n.Name] = append([]pci.Bundle(nil), n.Bundles...)
		}
	}
	return out
}

// Parallelism bounds concurrent disk and VM work.
func (p *Plan) Parallelism() int { return p.parallelism }

// Report is the host check report taken while planning.
func (p *Plan) Report() preflight.Report { return p.report }

// Plan validates c against the host and the recorded state of every
// cluster and resolves everything Provision needs. It changes nothing on
// the host and writes no state.
//
// A running cluster of the same name is a ResourceConflictError; a stopped
// or partially provisioned one is planned again with its recorded
// addresses kept.
func (o *Orchestrator) Plan(ctx context.Context, c *v1alpha1.Cluster) (*Plan, error) {
	var plan *Plan
	err := o.locked(ctx, errdefs.StagePlan, func() error {
		var err error
		plan, err = o.plan(ctx, c)
		return err
	})
	return plan, err
}

func (o *Orchestrator) plan(ctx context.Context, c *v1alpha1.Cluster) (plan *Plan, err error) {
	start := time.Now()
	defer func() { o.Metrics.observe(c.Name, errdefs.StagePlan, start, err) }()

	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"cluster": c.Name, "stage": errdefs.StagePlan})

	existing, err := o.existing(c.Name)
	if err != nil {
		return nil, errdefs.InStage(errdefs.StagePlan, c.Name, err)
	}

	nodes := o.layoutNodes(c)
	if err := checkExisting(c, existing, nodes); err != nil {
		return nil, errdefs.InStage(errdefs.StagePlan, c.Name, err)
	}

	logger.Debug("Running host checks...")
	report := o.Checker.Run(ctx, o.requirements(c, nodes, existing))
	for _, w := range report.Warnings() {
		logger.Warnf("Warning: %s: %s", w.Name, w.Message)
	}
	if err := report.Err(); err != nil {
		return nil, errdefs.InStage(errdefs.StagePlan, "host", err)
	}

	netPlan, err := o.planNetwork(c, existing)
	if err != nil {
		return nil, errdefs.InStage(errdefs.StagePlan, "network "+netPlan.Name, err)
	}

	if err := assignAddresses(netPlan.layout, nodes, existing); err != nil {
		return nil, err
	}

	if err := o.planDevices(ctx, c.Name, nodes); err != nil {
		return nil, err
	}

	parallelism := c.Spec.Parallelism
	if parallelism <= 0 {
		parallelism = o.opts.Parallelism
	}

	logger.WithFields(logrus.Fields{
		"vms":    len(nodes),
		"subnet": netPlan.Subnet,
		"bridge": netPlan.Bridge,
	}).Info("Planned cluster")

	return &Plan{
		cluster:     c.DeepCopy(),
		network:     netPlan,
		pool:        PoolPlan{Name: naming.PoolName(c.Name), Path: o.poolPath(c.Name)},
		nodes:       nodes,
		parallelism: parallelism,
		report:      report,
	}, nil
}

// existing returns the live recorded state of name, or nil.
func (o *Orchestrator) existing(name string) (*state.ClusterState, error) {
	cs, found, err := o.Store.Load(name)
	if err != nil {
		return nil, err
	}
	if !found || !cs.Holds() {
		return nil, nil
	}
	return cs, nil
}

// checkExisting rejects plans that a recorded cluster of the same name
// cannot be moved to.
func checkExisting(c *v1alpha1.Cluster, cs *state.ClusterState, nodes []NodePlan) error {
	if cs == nil {
		return nil
	}
	if cs.Phase == v1alpha1.ClusterPhaseRunning {
		return &errdefs.ResourceConflictError{Kind: "cluster", Resource: c.Name, Owner: "a running cluster of the same name"}
	}
	if cs.Type != c.Spec.Type {
		return errdefs.Invalid("spec.type", string(c.Spec.Type), "cluster %s exists with type %s", c.Name, cs.Type)
	}
	if cs.Network != nil {
		bridge := c.Spec.Network.Bridge
		if bridge == "" {
			bridge = naming.BridgeName(c.Name)
		}
		if cs.Network.Bridge != bridge {
			return errdefs.Invalid("spec.network.bridge", bridge, "cluster %s already uses bridge %s", c.Name, cs.Network.Bridge)
		}
		if layout, err := network.ParseLayout(c.Spec.Network.Subnet); err == nil && layout.Prefix.String() != cs.Network.Subnet {
			return errdefs.Invalid("spec.network.subnet", c.Spec.Network.Subnet, "cluster %s already uses subnet %s", c.Name, cs.Network.Subnet)
		}
	}
	planned := lo.SliceToMap(nodes, func(n NodePlan) (string, bool) { return n.Name, true })
	for _, v := range cs.VMs {
		if !planned[v.Name] {
			return errdefs.Invalid("spec.workers", v.Name, "VM %s of the existing cluster is missing from the config; destroy the cluster to shrink it", v.Name)
		}
	}
	return nil
}

// layoutNodes names the controller and workers and places their files.
func (o *Orchestrator) layoutNodes(c *v1alpha1.Cluster) []NodePlan {
	dir := o.poolPath(c.Name)
	node := func(spec v1alpha1.NodeSpec, role string, index int) NodePlan {
		name := naming.VMName(c.Name, role, index)
		return NodePlan{
			Name:        name,
			Role:        role,
			VCPUs:       spec.VCPUs,
			MemoryMiB:   spec.MemoryGiB * 1024,
			DiskGB:      spec.DiskGB,
			BaseImage:   c.GetBaseImage(spec),
			Firmware:    spec.Firmware,
			Autostart:   spec.IsAutostart(),
			DiskPath:    filepath.Join(dir, naming.DiskFileName(name)),
			SeedPath:    filepath.Join(dir, naming.CloudInitFileName(name)),
			IP:          spec.IP,
			Passthrough: append([]string(nil), spec.Passthrough...),
		}
	}

	nodes := []NodePlan{node(c.Spec.Controller, c.ControllerRole(), 0)}
	for i, w := range c.Spec.Workers {
		nodes = append(nodes, node(w, c.WorkerRole(), i+1))
	}
	return nodes
}

func (o *Orchestrator) requirements(c *v1alpha1.Cluster, nodes []NodePlan, cs *state.ClusterState) preflight.Requirements {
	req := preflight.Requirements{
		DiskDir: o.opts.DiskDir,
		Tools:   []string{"qemu-img"},
	}
	for _, n := range nodes {
		if len(n.Passthrough) > 0 {
			req.Passthrough = true
		}
		if cs == nil || !cs.HasDisk(n.DiskPath) {
			req.DiskGB += n.DiskGB
		}
	}
	req.DiskGB += o.opts.DiskReserveGB
	if req.Passthrough {
		req.Tools = append(req.Tools, "lspci")
	}
	if c.Spec.Provisioner != nil {
		req.Tools = append(req.Tools, "ansible-playbook")
	}
	return req
}

func (o *Orchestrator) planNetwork(c *v1alpha1.Cluster, cs *state.ClusterState) (NetworkPlan, error) {
	plan := NetworkPlan{
		Name:       naming.NetworkName(c.Name),
		Bridge:     c.Spec.Network.Bridge,
		DNSServers: c.GetDNSServers(),
	}
	if plan.Bridge == "" {
		plan.Bridge = naming.BridgeName(c.Name)
	}

	layout, err := network.ParseLayout(c.Spec.Network.Subnet)
	if err != nil {
		return plan, err
	}
	plan.layout = layout
	plan.Subnet = layout.Prefix.String()
	plan.Gateway = layout.Gateway.String()
	plan.DHCPStart = layout.DHCPStart.String()
	plan.DHCPEnd = layout.DHCPEnd.String()

	return plan, o.checkNetwork(c.Name, plan, cs, o.Host)
}

// checkNetwork rejects a bridge or subnet held by another cluster or, when
// host is set, by a host interface.
func (o *Orchestrator) checkNetwork(cluster string, plan NetworkPlan, cs *state.ClusterState, host network.HostNetwork) error {
	claims, err := o.Store.NetworkClaims(cluster)
	if err != nil {
		return err
	}
	check := network.ConflictCheck{
		Cluster: cluster,
		Bridge:  plan.Bridge,
		Layout:  plan.layout,
		Claims:  claims,
	}
	if cs != nil && cs.Network != nil {
		check.OwnedBridge = cs.Network.Bridge
	}
	return network.CheckConflicts(check, host)
}

// assignAddresses gives every node an IP and MAC. Static addresses and
// addresses recorded by an earlier run are reserved before the rest are
// allocated.
func assignAddresses(layout *network.Layout, nodes []NodePlan, cs *state.ClusterState) error {
	alloc := network.NewAllocator(layout)

	for i := range nodes {
		if nodes[i].IP == "" && cs != nil {
			if rec, ok := cs.VM(nodes[i].Name); ok {
				nodes[i].IP = rec.IP
			}
		}
		if nodes[i].IP == "" {
			continue
		}
		if err := alloc.Reserve(nodes[i].Name, nodes[i].IP); err != nil {
			return errdefs.InStage(errdefs.StagePlan, nodes[i].Name, err)
		}
	}

	for i := range nodes {
		if nodes[i].IP == "" {
			ip, err := alloc.Next(nodes[i].Name)
			if err != nil {
				return errdefs.InStage(errdefs.StagePlan, nodes[i].Name, err)
			}
			nodes[i].IP = ip
		}
		mac, err := naming.MACFromIP(nodes[i].IP)
		if err != nil {
			return errdefs.InStage(errdefs.StagePlan, nodes[i].Name, err)
		}
		nodes[i].MAC = mac
	}
	return nil
}

// planDevices expands each node's passthrough request into bundles. Devices
// planned for one node count as claimed for the next.
func (o *Orchestrator) planDevices(ctx context.Context, cluster string, nodes []NodePlan) error {
	if !lo.SomeBy(nodes, func(n NodePlan) bool { return len(n.Passthrough) > 0 }) {
		return nil
	}

	claims, err := o.Store.ClaimsExcept(cluster)
	if err != nil {
		return errdefs.InStage(errdefs.StagePlan, "device claims", err)
	}

	for i := range nodes {
		if len(nodes[i].Passthrough) == 0 {
			continue
		}
		bundles, err := o.Devices.PlanPassthrough(ctx, nodes[i].Passthrough, claims)
		if err != nil {
			return errdefs.InStage(errdefs.StagePlan, nodes[i].Name, err)
		}
		nodes[i].Bundles = bundles
		for _, b := range bundles {
			for _, addr := range b.Addresses() {
				claims[addr] = nodes[i].Name
			}
		}
	}
	return nil
}
