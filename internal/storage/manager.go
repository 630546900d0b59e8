package storage

import (
	"github.com/digitalocean/go-libvirt"
)

// libvirtClient is the interface for libvirt pool operations.
// This allows for dependency injection and testing.
type libvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolDefineXML(XML string, Flags uint32) (libvirt.StoragePool, error)
	StoragePoolCreate(Pool libvirt.StoragePool, Flags libvirt.StoragePoolCreateFlags) error
	StoragePoolBuild(Pool libvirt.StoragePool, Flags libvirt.StoragePoolBuildFlags) error
	StoragePoolSetAutostart(Pool libvirt.StoragePool, Autostart int32) error
	StoragePoolDestroy(Pool libvirt.StoragePool) error
	StoragePoolUndefine(Pool libvirt.StoragePool) error
	StoragePoolGetInfo(Pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error)
	StoragePoolGetXMLDesc(Pool libvirt.StoragePool, Flags libvirt.StorageXMLFlags) (string, error)
	StoragePoolRefresh(Pool libvirt.StoragePool, Flags uint32) error
}

// Manager coordinates storage pool operations.
type Manager struct {
	client libvirtClient
}

// NewManager creates a new storage manager over a live libvirt connection.
func NewManager(l *libvirt.Libvirt) *Manager {
	return newManagerWithDeps(l)
}

func newManagerWithDeps(client libvirtClient) *Manager {
	return &Manager{
		client: client,
	}
}
