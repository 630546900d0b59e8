package state

import "context"

// DeviceClaim is one passthrough device held by a VM.
type DeviceClaim struct {
	Address string
	Cluster string
	VM      string
}

// NetworkClaim is the bridge and subnet held by a cluster.
type NetworkClaim struct {
	Cluster string
	Bridge  string
	Subnet  string
}

// Claims lists every device held by a cluster that is not destroyed.
func (s *Store) Claims() ([]DeviceClaim, error) {
	clusters, err := s.List()
	if err != nil {
		return nil, err
	}

	var out []DeviceClaim
	for _, cs := range clusters {
		if !cs.Holds() {
			continue
		}
		for _, v := range cs.VMs {
			for _, addr := range v.DeviceAddresses() {
				out = append(out, DeviceClaim{Address: addr, Cluster: cs.Name, VM: v.Name})
			}
		}
	}
	return out, nil
}

// DeviceClaims maps every held device to the VM holding it, across all
// clusters on the host.
func (s *Store) DeviceClaims(_ context.Context) (map[string]string, error) {
	return s.ClaimsExcept("")
}

// ClaimsExcept is DeviceClaims without the devices of one cluster.
func (s *Store) ClaimsExcept(cluster string) (map[string]string, error) {
	claims, err := s.Claims()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(claims))
	for _, c := range claims {
		if c.Cluster == cluster {
			continue
		}
		out[c.Address] = c.VM
	}
	return out, nil
}

// NetworkClaims lists the bridge and subnet of every cluster that is not
// destroyed, except the named one.
func (s *Store) NetworkClaims(except string) ([]NetworkClaim, error) {
	clusters, err := s.List()
	if err != nil {
		return nil, err
	}

	var out []NetworkClaim
	for _, cs := range clusters {
		if cs.Name == except || !cs.Holds() || cs.Network == nil {
			continue
		}
		out = append(out, NetworkClaim{Cluster: cs.Name, Bridge: cs.Network.Bridge, Subnet: cs.Network.Subnet})
	}
	return out, nil
}
