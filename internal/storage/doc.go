// Package storage manages the per-cluster libvirt directory storage pool.
//
// Each cluster gets one dir pool named "<cluster>-pool" rooted at the
// cluster's disk directory. Disk images themselves are created with
// qemu-img by the disk package; the pool makes them visible to libvirt
// tooling. RefreshPool rescans the directory on demand.
//
// Example usage:
//
//	mgr := storage.NewManager(client.Libvirt())
//	created, err := mgr.EnsurePool(ctx, "hpc-pool", "/var/lib/corral/hpc")
//	if err != nil {
//	    return err
//	}
package storage
