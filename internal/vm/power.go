package vm

import (
	"context"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
)

// GetState returns the observed state of a VM. A VM the hypervisor does not
// know is UNDEFINED, not an error.
func (m *Manager) GetState(_ context.Context, name string) (State, error) {
	dom, err := m.lv.DomainLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return StateUndefined, nil
		}
		return "", corrallibvirt.Classify("look up domain "+name, err)
	}
	return m.domainState(dom)
}

func (m *Manager) domainState(dom libvirt.Domain) (State, error) {
	raw, _, err := m.lv.DomainGetState(dom, 0)
	if err != nil {
		return "", corrallibvirt.Classify("get state of "+dom.Name, err)
	}
	return stateFromLibvirt(raw)
}

// lookup resolves a domain that must exist.
func (m *Manager) lookup(name string) (libvirt.Domain, error) {
	dom, err := m.lv.DomainLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return libvirt.Domain{}, &errdefs.NotFoundError{Kind: "vm", Name: name}
		}
		return libvirt.Domain{}, corrallibvirt.Classify("look up domain "+name, err)
	}
	return dom, nil
}

// Start boots a SHUTOFF VM. Starting a RUNNING VM is a no-op and a PAUSED VM
// is resumed.
func (m *Manager) Start(ctx context.Context, name string) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"vm": name})

	dom, err := m.lookup(name)
	if err != nil {
		return err
	}
	state, err := m.domainState(dom)
	if err != nil {
		return err
	}

	switch state {
	case StateRunning:
		logger.Debugf("VM '%s' is already running", name)
		return nil
	case StatePaused:
		logger.Infof("Resuming paused VM '%s'...", name)
		return corrallibvirt.Classify("resume "+name, m.lv.DomainResume(dom))
	}

	logger.Infof("Starting VM '%s'...", name)
	if err := m.lv.DomainCreate(dom); err != nil {
		return corrallibvirt.Classify("start "+name, err)
	}
	return nil
}

// Stop shuts a VM down. Graceful stops ask the guest to power off and destroy
// the domain if it is still up after ShutdownTimeout; force destroys at once.
// Stopping a SHUTOFF VM is a no-op.
func (m *Manager) Stop(ctx context.Context, name string, force bool) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"vm": name})

	dom, err := m.lookup(name)
	if err != nil {
		return err
	}
	state, err := m.domainState(dom)
	if err != nil {
		return err
	}
	if !state.Active() {
		logger.Debugf("VM '%s' is already stopped", name)
		return nil
	}

	if !force && state == StateRunning {
		if m.shutdown(ctx, dom) {
			return nil
		}
	}

	// check once more so a guest that just finished powering off is not destroyed
	if current, err := m.domainState(dom); err == nil && !current.Active() {
		return nil
	}

	logger.Infof("Force destroying VM '%s'...", name)
	if err := m.lv.DomainDestroy(dom); err != nil {
		return corrallibvirt.Classify("destroy "+name, err)
	}
	return nil
}

// shutdown requests an ACPI power off and polls until the domain is off or
// the timeout passes. It reports whether the guest powered off.
func (m *Manager) shutdown(ctx context.Context, dom libvirt.Domain) bool {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"vm": dom.Name})

	logger.Info("VM is running, attempting graceful shutdown...")
	if err := m.lv.DomainShutdown(dom); err != nil {
		logger.Warnf("Warning: graceful shutdown failed: %v", err)
		return false
	}

	logger.Debugf("Waiting up to %v for graceful shutdown...", m.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(ctx, m.ShutdownTimeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCtx.Done():
			logger.Warn("Graceful shutdown timed out")
			return false
		case <-ticker.C:
			state, err := m.domainState(dom)
			if err != nil {
				logger.Warnf("Warning: failed to check shutdown state: %v", err)
				return false
			}
			if !state.Active() {
				logger.Info("VM shut down gracefully")
				return true
			}
		}
	}
}

// Pause suspends a RUNNING VM. Pausing a PAUSED VM is a no-op.
func (m *Manager) Pause(ctx context.Context, name string) error {
	dom, err := m.lookup(name)
	if err != nil {
		return err
	}
	state, err := m.domainState(dom)
	if err != nil {
		return err
	}

	switch state {
	case StatePaused:
		return nil
	case StateRunning:
		log.GetLogger(ctx).WithFields(logrus.Fields{"vm": name}).Info("Pausing VM...")
		return corrallibvirt.Classify("pause "+name, m.lv.DomainSuspend(dom))
	default:
		return errdefs.Invalid("vm", name, "cannot pause a VM in state %s", state)
	}
}

// Resume continues a PAUSED VM. Resuming a RUNNING VM is a no-op.
func (m *Manager) Resume(ctx context.Context, name string) error {
	dom, err := m.lookup(name)
	if err != nil {
		return err
	}
	state, err := m.domainState(dom)
	if err != nil {
		return err
	}

	switch state {
	case StateRunning:
		return nil
	case StatePaused:
		log.GetLogger(ctx).WithFields(logrus.Fields{"vm": name}).Info("Resuming VM...")
		return corrallibvirt.Classify("resume "+name, m.lv.DomainResume(dom))
	default:
		return errdefs.Invalid("vm", name, "cannot resume a VM in state %s", state)
	}
}
