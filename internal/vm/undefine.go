package vm

import (
	"context"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"

	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
)

// undefineFlags also removes UEFI NVRAM and managed save images.
const undefineFlags = libvirt.DomainUndefineNvram | libvirt.DomainUndefineManagedSave

// Undefine removes a VM from the hypervisor, force-stopping it first if it
// is still active. Undefining an unknown VM is a no-op. Disk files are left
// alone.
func (m *Manager) Undefine(ctx context.Context, name string) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"vm": name})

	dom, err := m.lv.DomainLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			logger.Debugf("VM '%s' is not defined", name)
			return nil
		}
		return corrallibvirt.Classify("look up domain "+name, err)
	}

	state, err := m.domainState(dom)
	if err != nil {
		return err
	}
	if state.Active() {
		logger.Infof("Force destroying VM '%s' before undefine...", name)
		if err := m.lv.DomainDestroy(dom); err != nil {
			return corrallibvirt.Classify("destroy "+name, err)
		}
	}

	logger.Infof("Undefining domain '%s'...", name)
	if err := m.lv.DomainUndefineFlags(dom, undefineFlags); err != nil {
		if corrallibvirt.IsNotFound(err) {
			return nil
		}
		return corrallibvirt.Classify("undefine "+name, err)
	}
	return nil
}
