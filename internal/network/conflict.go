package network

import (
	"fmt"
	"net/netip"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/state"
)

// ConflictCheck is the network a cluster wants and what already exists.
type ConflictCheck struct {
	Cluster string
	Bridge  string
	Layout  *Layout

	// Claims are the networks of every other live cluster on the host.
	Claims []state.NetworkClaim

	// OwnedBridge is the bridge this cluster created on an earlier run, if
	// any. Finding it on the host is not a conflict.
	OwnedBridge string
}

// CheckConflicts rejects a bridge or subnet already in use by another
// cluster or by a host interface. host may be nil to skip host checks.
func CheckConflicts(c ConflictCheck, host HostNetwork) error {
	for _, claim := range c.Claims {
		if claim.Bridge == c.Bridge {
			return &errdefs.ResourceConflictError{
				Kind:     "bridge",
				Resource: c.Bridge,
				Owner:    "cluster " + claim.Cluster,
			}
		}
		other, err := netip.ParsePrefix(claim.Subnet)
		if err != nil {
			continue
		}
		if other.Overlaps(c.Layout.Prefix) {
			return &errdefs.ResourceConflictError{
				Kind:     "subnet",
				Resource: c.Layout.Prefix.String(),
				Owner:    fmt.Sprintf("cluster %s (%s)", claim.Cluster, claim.Subnet),
			}
		}
	}

	if host == nil {
		return nil
	}

	if c.Bridge != c.OwnedBridge {
		exists, err := host.LinkExists(c.Bridge)
		if err != nil {
			return err
		}
		if exists {
			return &errdefs.ResourceConflictError{
				Kind:     "bridge",
				Resource: c.Bridge,
				Owner:    "host interface",
			}
		}
	}

	addrs, err := host.Addrs()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if c.OwnedBridge != "" && a.Link == c.OwnedBridge {
			continue
		}
		if a.Prefix.Overlaps(c.Layout.Prefix) {
			return &errdefs.ResourceConflictError{
				Kind:     "subnet",
				Resource: c.Layout.Prefix.String(),
				Owner:    fmt.Sprintf("host interface %s (%s)", a.Link, a.Prefix),
			}
		}
	}

	return nil
}
