package network

import (
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

func errNoNetwork() error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoNetwork), Message: "network not found"}
}

// mockLibvirtClient is an in-memory network registry implementing libvirtClient.
type mockLibvirtClient struct {
	mu       sync.Mutex
	networks map[string]*mockNetwork
	leases   []libvirt.NetworkDhcpLease

	networkCreateFunc func(net libvirt.Network) error
	lookupFunc        func(name string) (libvirt.Network, error)

	defineCalls   []string
	undefineCalls []string
}

type mockNetwork struct {
	xml       string
	active    bool
	autostart bool
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{networks: make(map[string]*mockNetwork)}
}

func (m *mockLibvirtClient) network(name string) (*mockNetwork, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[name]
	return n, ok
}

func (m *mockLibvirtClient) NetworkLookupByName(name string) (libvirt.Network, error) {
	if m.lookupFunc != nil {
		return m.lookupFunc(name)
	}
	if _, ok := m.network(name); !ok {
		return libvirt.Network{}, errNoNetwork()
	}
	return libvirt.Network{Name: name}, nil
}

func (m *mockLibvirtClient) NetworkDefineXML(xml string) (libvirt.Network, error) {
	var def libvirtxml.Network
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Network{}, fmt.Errorf("invalid network XML: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defineCalls = append(m.defineCalls, def.Name)
	m.networks[def.Name] = &mockNetwork{xml: xml}
	return libvirt.Network{Name: def.Name}, nil
}

func (m *mockLibvirtClient) NetworkCreate(net libvirt.Network) error {
	if m.networkCreateFunc != nil {
		return m.networkCreateFunc(net)
	}
	n, ok := m.network(net.Name)
	if !ok {
		return errNoNetwork()
	}
	n.active = true
	return nil
}

func (m *mockLibvirtClient) NetworkSetAutostart(net libvirt.Network, autostart int32) error {
	n, ok := m.network(net.Name)
	if !ok {
		return errNoNetwork()
	}
	n.autostart = autostart == 1
	return nil
}

func (m *mockLibvirtClient) NetworkIsActive(net libvirt.Network) (int32, error) {
	n, ok := m.network(net.Name)
	if !ok {
		return 0, errNoNetwork()
	}
	if n.active {
		return 1, nil
	}
	return 0, nil
}

func (m *mockLibvirtClient) NetworkDestroy(net libvirt.Network) error {
	n, ok := m.network(net.Name)
	if !ok {
		return errNoNetwork()
	}
	n.active = false
	return nil
}

func (m *mockLibvirtClient) NetworkUndefine(net libvirt.Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.networks[net.Name]; !ok {
		return errNoNetwork()
	}
	m.undefineCalls = append(m.undefineCalls, net.Name)
	delete(m.networks, net.Name)
	return nil
}

func (m *mockLibvirtClient) NetworkGetDhcpLeases(net libvirt.Network, mac libvirt.OptString, needResults int32, flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error) {
	if _, ok := m.network(net.Name); !ok {
		return nil, 0, errNoNetwork()
	}
	return m.leases, uint32(len(m.leases)), nil
}
