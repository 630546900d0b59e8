package storage

import (
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

func errNoPool() error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "storage pool not found"}
}

// mockLibvirtClient is an in-memory pool registry implementing libvirtClient.
type mockLibvirtClient struct {
	mu    sync.Mutex
	pools map[string]*mockPool

	buildFunc func(pool libvirt.StoragePool) error

	refreshCalls []string
	destroyCalls []string
}

type mockPool struct {
	name      string
	uuid      libvirt.UUID
	state     libvirt.StoragePoolState
	autostart bool
	capacity  uint64
	allocated uint64
	available uint64
	xmlDesc   string
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools: make(map[string]*mockPool),
	}
}

func (m *mockLibvirtClient) pool(name string) (*mockPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[name]
	return p, ok
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[name]
	if !ok {
		return libvirt.StoragePool{}, errNoPool()
	}
	return libvirt.StoragePool{Name: p.name, UUID: p.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[def.Name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool already exists: %s", def.Name)
	}

	p := &mockPool{
		name:      def.Name,
		uuid:      libvirt.UUID{0xde, 0xad, 0xbe, 0xef},
		state:     libvirt.StoragePoolInactive,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   xml,
	}
	m.pools[def.Name] = p
	return libvirt.StoragePool{Name: p.name, UUID: p.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	p, ok := m.pool(pool.Name)
	if !ok {
		return errNoPool()
	}
	p.state = libvirt.StoragePoolRunning
	return nil
}

func (m *mockLibvirtClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if m.buildFunc != nil {
		return m.buildFunc(pool)
	}
	if _, ok := m.pool(pool.Name); !ok {
		return errNoPool()
	}
	return nil
}

func (m *mockLibvirtClient) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	p, ok := m.pool(pool.Name)
	if !ok {
		return errNoPool()
	}
	p.autostart = autostart == 1
	return nil
}

func (m *mockLibvirtClient) StoragePoolDestroy(pool libvirt.StoragePool) error {
	p, ok := m.pool(pool.Name)
	if !ok {
		return errNoPool()
	}
	m.destroyCalls = append(m.destroyCalls, pool.Name)
	p.state = libvirt.StoragePoolInactive
	return nil
}

func (m *mockLibvirtClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[pool.Name]; !ok {
		return errNoPool()
	}
	delete(m.pools, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error) {
	p, ok := m.pool(pool.Name)
	if !ok {
		return 0, 0, 0, 0, errNoPool()
	}
	return uint8(p.state), p.capacity, p.allocated, p.available, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := m.pool(pool.Name)
	if !ok {
		return "", errNoPool()
	}
	return p.xmlDesc, nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if _, ok := m.pool(pool.Name); !ok {
		return errNoPool()
	}
	m.refreshCalls = append(m.refreshCalls, pool.Name)
	return nil
}
