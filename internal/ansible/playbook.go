package ansible

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/executor"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/state"
)

// PlaybookCommand is the binary the runner invokes.
const PlaybookCommand = "ansible-playbook"

// Run describes one playbook run.
type Run struct {
	Playbook  string
	ExtraVars map[string]string
	Timeout   time.Duration
	// User is the remote login. Defaults to root.
	User string
}

// Provisioner generates inventories and runs playbooks.
type Provisioner struct {
	runner executor.Runner
	fs     afero.Fs
	dir    string
}

// NewProvisioner writes inventories under dir and runs ansible through runner.
func NewProvisioner(runner executor.Runner, fs afero.Fs, dir string) *Provisioner {
	return &Provisioner{runner: runner, fs: fs, dir: dir}
}

// InventoryPath is where the inventory for cluster is written.
func (p *Provisioner) InventoryPath(cluster string) string {
	return filepath.Join(p.dir, cluster+"-inventory.yml")
}

// Provision writes the inventory for cs and runs the playbook against it.
// A failed run is returned as the *errdefs.ExternalToolError carrying the
// playbook's stderr.
func (p *Provisioner) Provision(ctx context.Context, cs *state.ClusterState, run Run) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"cluster": cs.Name, "playbook": run.Playbook})

	if run.Playbook == "" {
		return errdefs.Invalid("provisioner.playbook", "", "must be set")
	}
	if _, err := p.fs.Stat(run.Playbook); err != nil {
		return &errdefs.NotFoundError{Kind: "playbook", Name: run.Playbook}
	}

	if err := p.fs.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inventory directory: %w", err)
	}
	invPath := p.InventoryPath(cs.Name)
	if err := WriteInventory(p.fs, invPath, cs, run.User); err != nil {
		return err
	}

	cmd := executor.Command{
		Name:    PlaybookCommand,
		Args:    playbookArgs(invPath, run),
		Dir:     filepath.Dir(run.Playbook),
		Env:     []string{"ANSIBLE_HOST_KEY_CHECKING=False", "ANSIBLE_NOCOLOR=1"},
		Timeout: run.Timeout,
	}

	logger.Infof("Running playbook against %d hosts", len(cs.VMs))
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	logger.Infof("Playbook completed in %v", res.Duration.Round(time.Second))
	return nil
}

func playbookArgs(inventory string, run Run) []string {
	args := []string{"-i", inventory}

	keys := lo.Keys(run.ExtraVars)
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+run.ExtraVars[k])
	}

	return append(args, run.Playbook)
}
