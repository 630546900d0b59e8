package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/corral/internal/ansible"
	"github.com/jbweber/corral/internal/cluster"
	"github.com/jbweber/corral/internal/config"
	"github.com/jbweber/corral/internal/disk"
	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/executor"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/network"
	"github.com/jbweber/corral/internal/output"
	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
	"github.com/jbweber/corral/internal/storage"
	"github.com/jbweber/corral/internal/vm"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if werr := env.writeMetrics(); werr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write metrics: %v\n", werr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(errdefs.ExitCode(err))
}

// app holds what every command shares once settings are loaded.
type app struct {
	fs       afero.Fs
	v        *viper.Viper
	settings *config.Settings

	registry       *prometheus.Registry
	runnerMetrics  *executor.Metrics
	clusterMetrics *cluster.Metrics
}

var env = newApp()

var configFile string

func newApp() *app {
	fs := afero.NewOsFs()
	reg := prometheus.NewRegistry()
	return &app{
		fs:             fs,
		v:              config.New(fs),
		registry:       reg,
		runnerMetrics:  executor.NewMetrics(reg),
		clusterMetrics: cluster.NewMetrics(reg),
	}
}

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - HPC and cloud cluster VM orchestrator",
	Long: `Corral brings up clusters of libvirt VMs on a single host from one YAML file.

A cluster is a controller (or control plane) and a set of workers sharing a
NAT network and a storage pool. Disks are copy-on-write overlays of a base
image, PCI devices such as GPUs can be passed through to workers, and an
optional Ansible playbook configures the nodes once they are running.

Cluster state is kept under the state directory and survives between runs.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "settings file (default /etc/corral/config.yaml or ~/.config/corral/config.yaml)")
	flags.String(config.KeyStateDir, config.Defaults().StateDir, "directory holding cluster state")
	flags.String(config.KeyDiskDir, config.Defaults().DiskDir, "directory holding cluster disks")
	flags.String(config.KeyLibvirtSocket, config.Defaults().LibvirtSocket, "libvirt daemon socket")
	flags.Int(config.KeyParallelism, config.Defaults().Parallelism, "VMs brought up concurrently")
	flags.String(config.KeyLogLevel, config.Defaults().LogLevel, "log level (debug, info, warn, error)")
	flags.String(config.KeyLogFormat, config.Defaults().LogFormat, "log format (text, json)")
	flags.String(config.KeyMetricsFile, "", "write prometheus metrics to this file after the command")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(diskCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(testConnCmd)
}

// setup loads settings and installs the configured logger in the command's
// context.
func setup(cmd *cobra.Command, _ []string) error {
	config.BindFlags(env.v, cmd.Root().PersistentFlags())

	settings, err := config.Load(env.v, configFile)
	if err != nil {
		return err
	}
	env.settings = settings

	logger, err := log.Configure(log.Config{
		Level:  settings.LogLevel,
		Format: settings.LogFormat,
		Output: os.Stderr,
	})
	if err != nil {
		return err
	}
	cmd.SetContext(log.WithLogger(cmd.Context(), logger))
	return nil
}

// writeMetrics dumps the registry when a metrics file is configured.
func (a *app) writeMetrics() error {
	if a.settings == nil || a.settings.MetricsFile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(a.settings.MetricsFile, a.registry)
}

func (a *app) store() *state.Store {
	return state.NewStore(a.fs, a.settings.StateDir)
}

func (a *app) runner() *executor.ExecRunner {
	return executor.NewExecRunner(a.runnerMetrics)
}

// connect opens the libvirt connection. The returned close func logs
// rather than fails.
func (a *app) connect(ctx context.Context) (*corrallibvirt.Client, func(), error) {
	client, err := corrallibvirt.ConnectWithContext(ctx, a.settings.LibvirtSocket, a.settings.LibvirtTimeout)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := client.Close(); err != nil {
			log.GetLogger(ctx).Warnf("Warning: failed to close libvirt connection: %v", err)
		}
	}
	return client, closer, nil
}

// vms returns the VM manager with device claims drawn from every cluster.
func (a *app) vms(client *corrallibvirt.Client) *vm.Manager {
	m := vm.NewManager(client.Libvirt(), a.store())
	m.ShutdownTimeout = a.settings.ShutdownTimeout
	return m
}

// disks returns the disk manager. New files are owned by the QEMU user; a
// nil vms leaves resize unguarded.
func (a *app) disks(ctx context.Context, vms *vm.Manager) *disk.Manager {
	owner, err := disk.LookupQemuOwner(a.fs)
	if err != nil {
		log.GetLogger(ctx).Warnf("Warning: %v", err)
	}
	m := disk.NewManager(a.runner(), a.fs, owner)
	if vms != nil {
		m.InUse = vms.DiskUser
	}
	return m
}

func (a *app) checker(disks *disk.Manager) *preflight.Checker {
	return preflight.NewChecker(a.fs, disks.CheckSpace)
}

// orchestrator wires the cluster engine to the live host.
func (a *app) orchestrator(ctx context.Context, client *corrallibvirt.Client) *cluster.Orchestrator {
	l := client.Libvirt()
	runner := a.runner()
	vms := a.vms(client)
	disks := a.disks(ctx, vms)

	return cluster.New(cluster.Deps{
		Store:       a.store(),
		Fs:          a.fs,
		VMs:         vms,
		Disks:       disks,
		Networks:    network.NewManager(l),
		Pools:       storage.NewManager(l),
		Devices:     pci.NewInventory(runner, a.fs),
		Checker:     a.checker(disks),
		Host:        network.NetlinkHost{},
		Provisioner: ansible.NewProvisioner(runner, a.fs, filepath.Join(a.settings.StateDir, "inventories")),
		Metrics:     a.clusterMetrics,
	}, cluster.Options{
		DiskDir:       a.settings.DiskDir,
		Parallelism:   a.settings.Parallelism,
		DiskReserveGB: a.settings.DiskReserve.GB(),
		AnsibleUser:   a.settings.AnsibleUser,
	})
}

// withOrchestrator connects to libvirt for the duration of fn.
func withOrchestrator(cmd *cobra.Command, fn func(ctx context.Context, o *cluster.Orchestrator) error) error {
	ctx := cmd.Context()
	client, closer, err := env.connect(ctx)
	if err != nil {
		return err
	}
	defer closer()
	return fn(ctx, env.orchestrator(ctx, client))
}

// formatter validates the -o flag value.
func formatter(format string) (output.Formatter, error) {
	if err := output.ValidateFormat(format); err != nil {
		return nil, errdefs.Invalid("output", format, "%v", err)
	}
	return output.NewFormatter(output.Options{Format: output.Format(format)})
}

// logger is the context logger scoped to a command.
func logger(cmd *cobra.Command) *logrus.Entry {
	return log.GetLogger(cmd.Context()).WithField("command", cmd.Name())
}
