package storage

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
)

// EnsurePool ensures a dir storage pool named name exists and is running
// with its target at path. It reports whether the pool was defined by this
// call so a failed run can remove only what it created.
//
// An existing pool with a different target path is a ResourceConflictError.
func (m *Manager) EnsurePool(ctx context.Context, name, path string) (created bool, err error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"pool": name, "path": path})

	pool, err := m.client.StoragePoolLookupByName(name)
	if err == nil {
		info, err := m.poolInfo(pool)
		if err != nil {
			return false, err
		}
		if info.Path != path {
			return false, &errdefs.ResourceConflictError{
				Kind:     "storage pool",
				Resource: name,
				Owner:    fmt.Sprintf("existing pool at %s", info.Path),
			}
		}
		if !info.Running() {
			logger.Info("Starting existing storage pool")
			if err := m.client.StoragePoolCreate(pool, 0); err != nil {
				return false, corrallibvirt.Classify("start storage pool", err)
			}
		}
		return false, nil
	}
	if !corrallibvirt.IsNotFound(err) {
		return false, corrallibvirt.Classify("look up storage pool", err)
	}

	logger.Info("Creating storage pool")
	if err := m.createPool(name, path); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) createPool(name, path string) error {
	poolXML, err := corrallibvirt.GeneratePoolXML(name, path)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := m.client.StoragePoolDefineXML(poolXML, 0)
	if err != nil {
		return corrallibvirt.Classify("define storage pool", err)
	}

	// Build the pool (creates the target directory)
	if err := m.client.StoragePoolBuild(pool, 0); err != nil {
		_ = m.client.StoragePoolUndefine(pool)
		return corrallibvirt.Classify("build storage pool", err)
	}

	if err := m.client.StoragePoolCreate(pool, 0); err != nil {
		_ = m.client.StoragePoolUndefine(pool)
		return corrallibvirt.Classify("start storage pool", err)
	}

	if err := m.client.StoragePoolSetAutostart(pool, 1); err != nil {
		return corrallibvirt.Classify("set storage pool autostart", err)
	}

	return nil
}

// DeletePool stops and undefines a storage pool. The target directory and
// any files in it are left in place. A missing pool is not an error.
func (m *Manager) DeletePool(ctx context.Context, name string) error {
	pool, err := m.client.StoragePoolLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return nil
		}
		return corrallibvirt.Classify("look up storage pool", err)
	}

	poolState, _, _, _, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return corrallibvirt.Classify("get storage pool info", err)
	}

	if libvirt.StoragePoolState(poolState) == libvirt.StoragePoolRunning {
		if err := m.client.StoragePoolDestroy(pool); err != nil {
			return corrallibvirt.Classify("stop storage pool", err)
		}
	}

	if err := m.client.StoragePoolUndefine(pool); err != nil {
		return corrallibvirt.Classify("undefine storage pool", err)
	}

	log.GetLogger(ctx).WithField("pool", name).Info("Deleted storage pool")
	return nil
}

// GetPoolInfo gets detailed information about a storage pool.
func (m *Manager) GetPoolInfo(_ context.Context, name string) (*PoolInfo, error) {
	pool, err := m.client.StoragePoolLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return nil, &errdefs.NotFoundError{Kind: "storage pool", Name: name}
		}
		return nil, corrallibvirt.Classify("look up storage pool", err)
	}
	return m.poolInfo(pool)
}

func (m *Manager) poolInfo(pool libvirt.StoragePool) (*PoolInfo, error) {
	poolState, capacity, allocation, available, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return nil, corrallibvirt.Classify("get storage pool info", err)
	}

	xmlDesc, err := m.client.StoragePoolGetXMLDesc(pool, 0)
	if err != nil {
		return nil, corrallibvirt.Classify("get storage pool XML", err)
	}

	var poolDef libvirtxml.StoragePool
	if err := poolDef.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("failed to parse pool XML: %w", err)
	}

	poolPath := ""
	if poolDef.Target != nil {
		poolPath = poolDef.Target.Path
	}

	return &PoolInfo{
		Name:       pool.Name,
		Path:       poolPath,
		UUID:       uuid.UUID(pool.UUID).String(),
		State:      poolStateName(libvirt.StoragePoolState(poolState)),
		Capacity:   capacity,
		Allocation: allocation,
		Available:  available,
	}, nil
}

// RefreshPool rescans the pool's target directory.
func (m *Manager) RefreshPool(_ context.Context, name string) error {
	pool, err := m.client.StoragePoolLookupByName(name)
	if err != nil {
		if corrallibvirt.IsNotFound(err) {
			return &errdefs.NotFoundError{Kind: "storage pool", Name: name}
		}
		return corrallibvirt.Classify("look up storage pool", err)
	}

	if err := m.client.StoragePoolRefresh(pool, 0); err != nil {
		return corrallibvirt.Classify("refresh storage pool", err)
	}

	return nil
}

func poolStateName(s libvirt.StoragePoolState) string {
	switch s {
	case libvirt.StoragePoolInactive:
		return "inactive"
	case libvirt.StoragePoolBuilding:
		return "building"
	case libvirt.StoragePoolRunning:
		return "running"
	case libvirt.StoragePoolDegraded:
		return "degraded"
	case libvirt.StoragePoolInaccessible:
		return "inaccessible"
	default:
		return "unknown"
	}
}
