package network

import (
	"context"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
)

// libvirtClient defines the libvirt operations needed for network management.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type libvirtClient interface {
	NetworkLookupByName(Name string) (libvirt.Network, error)
	NetworkDefineXML(XML string) (libvirt.Network, error)
	NetworkCreate(Net libvirt.Network) error
	NetworkSetAutostart(Net libvirt.Network, Autostart int32) error
	NetworkIsActive(Net libvirt.Network) (int32, error)
	NetworkDestroy(Net libvirt.Network) error
	NetworkUndefine(Net libvirt.Network) error
	NetworkGetDhcpLeases(Net libvirt.Network, Mac libvirt.OptString, NeedResults int32, Flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error)
}

// Lease is one DHCP lease handed out by a cluster network.
type Lease struct {
	MAC      string
	IP       string
	Hostname string
	Expires  time.Time
}

// Manager defines, starts and removes cluster networks.
type Manager struct {
	lv libvirtClient
}

// NewManager returns a Manager over a live libvirt connection.
func NewManager(l *libvirt.Libvirt) *Manager {
	return newManagerWithDeps(l)
}

func newManagerWithDeps(lv libvirtClient) *Manager {
	return &Manager{lv: lv}
}

// EnsureNetwork defines and starts spec's network unless a network with that
// name exists, in which case it is only started. It reports whether the
// network was defined by this call.
func (m *Manager) EnsureNetwork(ctx context.Context, spec corrallibvirt.NetworkSpec) (created bool, err error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"network": spec.Name, "bridge": spec.Bridge})

	net, err := m.lv.NetworkLookupByName(spec.Name)
	if err == nil {
		active, err := m.lv.NetworkIsActive(net)
		if err != nil {
			return false, corrallibvirt.Classify("check network state", err)
		}
		if active == 0 {
			logger.Info("Starting existing network")
			if err := m.lv.NetworkCreate(net); err != nil {
				return false, corrallibvirt.Classify("start network", err)
			}
		}
		return false, nil
	}
	if !corrallibvirt.IsNotFound(err) {
		return false, corrallibvirt.Classify("look up network", err)
	}

	if spec.UUID == "" {
		spec.UUID = uuid.NewString()
	}
	xml, err := corrallibvirt.GenerateNetworkXML(spec)
	if err != nil {
		return false, err
	}

	logger.Info("Defining network")
	net, err = m.lv.NetworkDefineXML(xml)
	if err != nil {
		return false, corrallibvirt.Classify("define network", err)
	}

	if err := m.lv.NetworkCreate(net); err != nil {
		if uerr := m.lv.NetworkUndefine(net); uerr != nil {
			logger.WithError(uerr).Warn("Warning: failed to undefine network after start failure")
		}
		return false, corrallibvirt.Classify("start network", err)
	}

	if err := m.lv.NetworkSetAutostart(net, 1); err != nil {
		logger.WithError(err).Warn("Warning: failed to set network autostart")
	}

	return true, nil
}

// DeleteNetwork stops and undefines a network. A missing network is not an
// error.
func (m *Manager) DeleteNetwork(ctx context.Context, name string) error {
	net, err := m.lv.NetworkLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return nil
		}
		return corrallibvirt.Classify("look up network", err)
	}

	active, err := m.lv.NetworkIsActive(net)
	if err != nil {
		return corrallibvirt.Classify("check network state", err)
	}
	if active != 0 {
		if err := m.lv.NetworkDestroy(net); err != nil {
			return corrallibvirt.Classify("stop network", err)
		}
	}

	if err := m.lv.NetworkUndefine(net); err != nil {
		return corrallibvirt.Classify("undefine network", err)
	}

	log.GetLogger(ctx).WithField("network", name).Info("Deleted network")
	return nil
}

// IsActive reports whether the named network is running.
func (m *Manager) IsActive(_ context.Context, name string) (bool, error) {
	net, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	active, err := m.lv.NetworkIsActive(net)
	if err != nil {
		return false, corrallibvirt.Classify("check network state", err)
	}
	return active != 0, nil
}

// Leases returns the DHCP leases currently held on the named network.
func (m *Manager) Leases(_ context.Context, name string) ([]Lease, error) {
	net, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	raw, _, err := m.lv.NetworkGetDhcpLeases(net, nil, 1, 0)
	if err != nil {
		return nil, corrallibvirt.Classify("get DHCP leases", err)
	}

	leases := make([]Lease, 0, len(raw))
	for _, l := range raw {
		leases = append(leases, Lease{
			MAC:      first(l.Mac),
			IP:       l.Ipaddr,
			Hostname: first(l.Hostname),
			Expires:  time.Unix(l.Expirytime, 0).UTC(),
		})
	}
	return leases, nil
}

func (m *Manager) lookup(name string) (libvirt.Network, error) {
	net, err := m.lv.NetworkLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return libvirt.Network{}, &errdefs.NotFoundError{Kind: "network", Name: name}
		}
		return libvirt.Network{}, corrallibvirt.Classify("look up network", err)
	}
	return net, nil
}

func first(s libvirt.OptString) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
