package storage

import (
	units "github.com/docker/go-units"
)

// PoolInfo contains information about a storage pool.
type PoolInfo struct {
	Name       string // Pool name
	Path       string // Target directory
	UUID       string // Pool UUID
	State      string // inactive, building, running, degraded, inaccessible
	Capacity   uint64 // Total capacity in bytes
	Allocation uint64 // Allocated space in bytes
	Available  uint64 // Available space in bytes
}

// Running reports whether the pool is active.
func (p *PoolInfo) Running() bool {
	return p.State == "running"
}

// AvailableHuman renders the free space as e.g. "1.5TiB".
func (p *PoolInfo) AvailableHuman() string {
	return units.BytesSize(float64(p.Available))
}

// CapacityHuman renders the capacity as e.g. "2TiB".
func (p *PoolInfo) CapacityHuman() string {
	return units.BytesSize(float64(p.Capacity))
}
