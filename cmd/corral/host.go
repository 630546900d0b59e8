package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/corral/internal/disk"
	"github.com/jbweber/corral/internal/executor"
	"github.com/jbweber/corral/internal/output"
	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
)

var (
	devicesPlan       []string
	checkPassthrough  bool
	checkDiskGB       int
	devicesFormat     string
	checkOutputFormat string
)

func init() {
	devicesCmd.Flags().StringSliceVar(&devicesPlan, "plan", nil, "plan passthrough for these PCI addresses")
	devicesCmd.Flags().StringVarP(&devicesFormat, "output", "o", string(output.FormatTable), "output format (table, json, yaml)")

	checkCmd.Flags().BoolVar(&checkPassthrough, "passthrough", false, "require IOMMU and vfio for PCI passthrough")
	checkCmd.Flags().IntVar(&checkDiskGB, "disk-gb", 0, "free space needed in the disk directory")
	checkCmd.Flags().StringVarP(&checkOutputFormat, "output", "o", string(output.FormatTable), "output format (table, json, yaml)")
}

var devicesCmd = &cobra.Command{
	Use:   "devices [--plan addr,...]",
	Short: "List host PCI devices",
	Long: `List the host's PCI devices with their IOMMU groups, bound drivers and the
VM holding each one, if any.

With --plan, show the passthrough bundles the given devices expand to: every
function sharing an IOMMU group has to be passed through together.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := formatter(devicesFormat)
		if err != nil {
			return err
		}

		claims, err := env.store().DeviceClaims(ctx)
		if err != nil {
			return err
		}
		inv := pci.NewInventory(env.runner(), env.fs)

		var out string
		if len(devicesPlan) > 0 {
			bundles, err := inv.PlanPassthrough(ctx, devicesPlan, claims)
			if err != nil {
				return err
			}
			out, err = f.FormatBundles(bundles)
			if err != nil {
				return err
			}
		} else {
			devices, err := inv.DiscoverDevices(ctx)
			if err != nil {
				return err
			}
			out, err = f.FormatDevices(pci.ApplyClaims(devices, claims))
			if err != nil {
				return err
			}
		}
		fmt.Print(out)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the host can run clusters",
	Long: `Run the host checks that precede every plan: CPU virtualization, /dev/kvm,
the kvm module, IOMMU and vfio when passthrough is wanted, required tools and
free disk space. Exits 5 when a check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := formatter(checkOutputFormat)
		if err != nil {
			return err
		}

		disks := disk.NewManager(env.runner(), env.fs, nil)
		tools := []string{"qemu-img"}
		if checkPassthrough {
			tools = append(tools, "lspci")
		}
		if _, err := executor.LookPath("ansible-playbook"); err != nil {
			logger(cmd).Debug("ansible-playbook not on PATH; clusters with a provisioner cannot start")
		}

		report := env.checker(disks).Run(cmd.Context(), preflight.Requirements{
			Passthrough: checkPassthrough,
			DiskDir:     env.settings.DiskDir,
			DiskGB:      checkDiskGB,
			Tools:       tools,
		})

		out, err := f.FormatReport(report)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return report.Err()
	},
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Testing libvirt connection...")

		client, closer, err := env.connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		fmt.Println("✓ Connected to libvirt daemon")

		version, err := client.Ping()
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		// libvirt encodes 8.6.0 as 8006000
		major := version / 1000000
		minor := (version % 1000000) / 1000
		patch := version % 1000
		fmt.Printf("✓ Libvirt version: %d.%d.%d\n", major, minor, patch)

		hostname, err := client.Libvirt().ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		fmt.Printf("✓ Hypervisor hostname: %s\n", hostname)

		uri, err := client.Libvirt().ConnectGetUri()
		if err != nil {
			return fmt.Errorf("failed to get connection URI: %w", err)
		}
		fmt.Printf("✓ Connection URI: %s\n", uri)

		fmt.Println("\nConnection test successful!")
		return nil
	},
}
