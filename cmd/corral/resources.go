package main

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jbweber/corral/internal/disk"
	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/naming"
	"github.com/jbweber/corral/internal/network"
	"github.com/jbweber/corral/internal/storage"
)

var vmListCluster string

func init() {
	diskCmd.AddCommand(diskInspectCmd)
	diskCmd.AddCommand(diskResizeCmd)

	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmPauseCmd)
	vmCmd.AddCommand(vmResumeCmd)
	vmListCmd.Flags().StringVar(&vmListCluster, "cluster", "", "only show VMs of this cluster")

	networkCmd.AddCommand(networkLeasesCmd)
	poolCmd.AddCommand(poolInfoCmd)
}

// Disk commands
var diskCmd = &cobra.Command{
	Use:   "disk",
	Short: "Inspect and grow VM disks",
}

var diskInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Show a disk image's format, size and backing file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		disks := disk.NewManager(env.runner(), env.fs, nil)
		info, err := disks.Inspect(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Path: %s\n", args[0])
		fmt.Printf("Format: %s\n", info.Format)
		fmt.Printf("Virtual size: %s (%d bytes)\n", units.BytesSize(float64(info.VirtualSize)), info.VirtualSize)
		fmt.Printf("Actual size: %s (%d bytes)\n", units.BytesSize(float64(info.ActualSize)), info.ActualSize)
		if info.BackingFile != "" {
			fmt.Printf("Backing file: %s (%s)\n", info.BackingFile, info.BackingFormat)
		}
		if info.DirtyFlag {
			fmt.Println("Dirty: yes")
		}
		return nil
	},
}

var diskResizeCmd = &cobra.Command{
	Use:   "resize <path> <size-gb>",
	Short: "Grow a disk image",
	Long: `Grow a qcow2 disk to the given size in GiB. Disks only grow, and a disk
attached to a running VM cannot be resized; stop the cluster first.

The guest filesystem still has to be grown from inside the VM.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := strconv.Atoi(args[1])
		if err != nil || size <= 0 {
			return errdefs.Invalid("size-gb", args[1], "must be a positive number of GiB")
		}

		ctx := cmd.Context()
		client, closer, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer closer()

		disks := env.disks(ctx, env.vms(client))
		img := disk.Image{Path: args[0], Format: disk.FormatQCOW2}
		if err := disks.Resize(ctx, img, size); err != nil {
			return err
		}
		fmt.Printf("✓ Disk %s resized to %dG\n", args[0], size)
		return nil
	},
}

// VM commands
var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Work with individual VMs",
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domains on the host",
	Long: `List every libvirt domain on the host with its state and the cluster and
role recorded in its metadata. Domains corral did not define show no cluster.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closer, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer closer()

		infos, err := env.vms(client).List(ctx, vmListCluster)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No VMs found")
			return nil
		}

		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tCLUSTER\tROLE\tSTATE\tDEVICES")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				info.Name, orDash(info.Cluster), orDash(info.Role), info.State, orDash(strings.Join(info.Devices, ",")))
		}
		_ = w.Flush()
		fmt.Print(buf.String())
		return nil
	},
}

var vmPauseCmd = &cobra.Command{
	Use:   "pause <vm>",
	Short: "Suspend a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closer, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := env.vms(client).Pause(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s paused\n", args[0])
		return nil
	},
}

var vmResumeCmd = &cobra.Command{
	Use:   "resume <vm>",
	Short: "Resume a paused VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closer, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := env.vms(client).Resume(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s resumed\n", args[0])
		return nil
	},
}

// Network commands
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Inspect cluster networks",
}

var networkLeasesCmd = &cobra.Command{
	Use:   "leases <cluster>",
	Short: "Show DHCP leases on a cluster network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closer, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer closer()

		leases, err := network.NewManager(client.Libvirt()).Leases(ctx, naming.NetworkName(args[0]))
		if err != nil {
			return err
		}
		if len(leases) == 0 {
			fmt.Println("No leases")
			return nil
		}

		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "HOSTNAME\tIP\tMAC\tEXPIRES")
		for _, l := range leases {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", orDash(l.Hostname), l.IP, l.MAC, l.Expires.Format("2006-01-02 15:04:05"))
		}
		_ = w.Flush()
		fmt.Print(buf.String())
		return nil
	},
}

// Pool commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect cluster storage pools",
}

var poolInfoCmd = &cobra.Command{
	Use:   "info <cluster>",
	Short: "Show a cluster's storage pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closer, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer closer()

		mgr := storage.NewManager(client.Libvirt())
		name := naming.PoolName(args[0])
		if err := mgr.RefreshPool(ctx, name); err != nil {
			return err
		}
		info, err := mgr.GetPoolInfo(ctx, name)
		if err != nil {
			return err
		}

		fmt.Printf("Pool: %s\n", info.Name)
		fmt.Printf("UUID: %s\n", info.UUID)
		fmt.Printf("State: %s\n", info.State)
		fmt.Printf("Path: %s\n", info.Path)
		fmt.Printf("Capacity: %s\n", info.CapacityHuman())
		fmt.Printf("Available: %s\n", info.AvailableHuman())
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
