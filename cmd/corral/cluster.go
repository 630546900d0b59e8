package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jbweber/corral/internal/cluster"
	"github.com/jbweber/corral/internal/loader"
	"github.com/jbweber/corral/internal/output"
)

var (
	clusterFile   string
	outputFormat  string
	stopForce     bool
	destroyYes    bool
	planNoHeaders bool
)

func init() {
	planCmd.Flags().StringVarP(&clusterFile, "file", "f", "", "cluster configuration file")
	planCmd.Flags().BoolVar(&planNoHeaders, "no-headers", false, "omit table headers")
	_ = planCmd.MarkFlagRequired("file")

	startCmd.Flags().StringVarP(&clusterFile, "file", "f", "", "cluster configuration file")
	startCmd.Flags().StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format (table, json, yaml)")
	_ = startCmd.MarkFlagRequired("file")

	stopCmd.Flags().BoolVar(&stopForce, "force", false, "power VMs off instead of shutting them down")

	destroyCmd.Flags().BoolVar(&destroyYes, "yes", false, "confirm removal of the cluster's VMs, disks and network")

	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format (table, json, yaml)")
}

var planCmd = &cobra.Command{
	Use:   "plan -f <cluster.yaml>",
	Short: "Show what starting a cluster would do",
	Long: `Validate a cluster configuration against the host and show the plan.

Host checks run, addresses are assigned and passthrough devices are resolved
to IOMMU groups, but nothing is created and no state is written.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loader.LoadFromFile(env.fs, clusterFile)
		if err != nil {
			return err
		}

		return withOrchestrator(cmd, func(ctx context.Context, o *cluster.Orchestrator) error {
			plan, err := o.Plan(ctx, c)
			if err != nil {
				return err
			}

			table, err := output.NewFormatter(output.Options{Format: output.FormatTable, NoHeaders: planNoHeaders})
			if err != nil {
				return err
			}
			report, err := table.FormatReport(plan.Report())
			if err != nil {
				return err
			}
			fmt.Print(report)
			fmt.Println()
			fmt.Print(formatPlan(plan, planNoHeaders))
			return nil
		})
	},
}

// formatPlan renders the network, pool and node layout of a plan.
func formatPlan(plan *cluster.Plan, noHeaders bool) string {
	var buf bytes.Buffer
	net := plan.Network()
	pool := plan.Pool()

	fmt.Fprintf(&buf, "Cluster: %s\n", plan.Name())
	fmt.Fprintf(&buf, "Network: %s (bridge %s, %s, gateway %s, DHCP %s-%s)\n",
		net.Name, net.Bridge, net.Subnet, net.Gateway, net.DHCPStart, net.DHCPEnd)
	fmt.Fprintf(&buf, "Pool:    %s (%s)\n", pool.Name, pool.Path)
	fmt.Fprintf(&buf, "Parallelism: %d\n\n", plan.Parallelism())

	w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', 0)
	if !noHeaders {
		fmt.Fprintln(w, "NAME\tROLE\tVCPUS\tMEMORY\tDISK\tIP\tMAC\tDEVICES")
	}
	bundles := plan.Bundles()
	for _, n := range plan.Nodes() {
		var devices []string
		for _, b := range bundles[n.Name] {
			devices = append(devices, b.Addresses()...)
		}
		dev := "-"
		if len(devices) > 0 {
			dev = strings.Join(devices, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%dG\t%s\t%s\t%s\n",
			n.Name, n.Role, n.VCPUs, units.BytesSize(float64(n.MemoryMiB)*units.MiB), n.DiskGB, n.IP, n.MAC, dev)
	}
	_ = w.Flush()
	return buf.String()
}

var startCmd = &cobra.Command{
	Use:   "start -f <cluster.yaml>",
	Short: "Create or start a cluster",
	Long: `Plan a cluster and bring it up: network, storage pool, disks, seed ISOs,
VMs and finally the provisioning playbook when one is configured.

Starting a stopped cluster boots its existing VMs. If a step fails, the VMs
this run defined but could not start are removed again and the cluster is
recorded as partially provisioned; running start again resumes.`,
	Aliases: []string{"provision", "create"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := formatter(outputFormat)
		if err != nil {
			return err
		}
		c, err := loader.LoadFromFile(env.fs, clusterFile)
		if err != nil {
			return err
		}

		return withOrchestrator(cmd, func(ctx context.Context, o *cluster.Orchestrator) error {
			plan, err := o.Plan(ctx, c)
			if err != nil {
				return err
			}
			for _, w := range plan.Report().Warnings() {
				logger(cmd).Warnf("Warning: %s: %s", w.Name, w.Message)
			}

			if err := o.Provision(ctx, plan); err != nil {
				return err
			}

			cs, err := o.Status(ctx, plan.Name())
			if err != nil {
				return err
			}
			out, err := f.FormatCluster(cs)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <cluster>",
	Short: "Stop every VM of a cluster",
	Long: `Shut the VMs of a cluster down, workers first. Disks, network and state
are kept so the cluster can be started again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd, func(ctx context.Context, o *cluster.Orchestrator) error {
			if err := o.Stop(ctx, args[0], cluster.StopOptions{Force: stopForce}); err != nil {
				return err
			}
			fmt.Printf("✓ Cluster %s stopped\n", args[0])
			return nil
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <cluster> --yes",
	Short: "Destroy a cluster",
	Long: `Destroy a cluster and everything it holds.

This will:
- Power off and undefine every VM
- Delete the VM disks and seed ISOs
- Remove the storage pool and the network
- Delete the cluster state (a backup is kept next to it)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd, func(ctx context.Context, o *cluster.Orchestrator) error {
			if err := o.Destroy(ctx, args[0], cluster.DestroyOptions{Confirmed: destroyYes}); err != nil {
				return err
			}
			fmt.Printf("✓ Cluster %s destroyed\n", args[0])
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [cluster]",
	Short: "Show cluster status",
	Long: `Show one cluster with the live state of its VMs and network, or a summary
of every cluster on the host when no name is given.`,
	Aliases: []string{"list", "ls"},
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := formatter(outputFormat)
		if err != nil {
			return err
		}

		return withOrchestrator(cmd, func(ctx context.Context, o *cluster.Orchestrator) error {
			var out string
			if len(args) == 1 {
				cs, err := o.Status(ctx, args[0])
				if err != nil {
					return err
				}
				out, err = f.FormatCluster(cs)
				if err != nil {
					return err
				}
			} else {
				clusters, err := o.List(ctx)
				if err != nil {
					return err
				}
				out, err = f.FormatClusterList(clusters)
				if err != nil {
					return err
				}
			}
			fmt.Print(out)
			return nil
		})
	},
}
