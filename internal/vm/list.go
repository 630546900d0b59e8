package vm

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
	"github.com/jbweber/corral/internal/metadata"
)

// Info describes one domain as the hypervisor sees it.
type Info struct {
	Name    string
	Cluster string // empty for domains corral did not define
	Role    string
	State   State
	Devices []string
}

// List returns every domain on the host, running or not. A non-empty
// cluster restricts the result to domains owned by that cluster.
func (m *Manager) List(ctx context.Context, cluster string) ([]Info, error) {
	// NeedResults: 1 populates the domain slice; flags 0 lists active and inactive
	domains, _, err := m.lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, corrallibvirt.Classify("list domains", err)
	}

	infos := make([]Info, 0, len(domains))
	for _, dom := range domains {
		info, err := m.domainInfo(dom)
		if err != nil {
			log.GetLogger(ctx).Warnf("Warning: failed to get info for domain %s: %v", dom.Name, err)
			continue
		}
		if cluster != "" && info.Cluster != cluster {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (m *Manager) domainInfo(dom libvirt.Domain) (Info, error) {
	state, err := m.domainState(dom)
	if err != nil {
		return Info{}, err
	}

	info := Info{Name: dom.Name, State: state}
	own, ok, err := metadata.Load(m.lv, dom)
	if err != nil {
		return Info{}, err
	}
	if ok {
		info.Cluster, info.Role, info.Devices = own.Cluster, own.Role, own.Devices
	}
	return info, nil
}

// DiskUser reports the active VM, if any, with path attached as a disk.
// It has the shape of disk.InUseFunc.
func (m *Manager) DiskUser(_ context.Context, path string) (string, bool, error) {
	domains, _, err := m.lv.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return "", false, corrallibvirt.Classify("list domains", err)
	}

	for _, dom := range domains {
		raw, err := m.lv.DomainGetXMLDesc(dom, 0)
		if err != nil {
			return "", false, corrallibvirt.Classify("read XML of "+dom.Name, err)
		}
		var desc libvirtxml.Domain
		if err := desc.Unmarshal(raw); err != nil {
			return "", false, fmt.Errorf("failed to parse XML of %s: %w", dom.Name, err)
		}
		if desc.Devices == nil {
			continue
		}
		for _, d := range desc.Devices.Disks {
			if d.Source != nil && d.Source.File != nil && d.Source.File.File == path {
				return dom.Name, true, nil
			}
		}
	}
	return "", false, nil
}
