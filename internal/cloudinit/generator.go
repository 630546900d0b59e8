// Package cloudinit provides cloud-init configuration generation for cluster VMs.
//
// This package generates cloud-init configuration files (user-data, meta-data, network-config)
// for the cloud-init NoCloud datasource, and packs
// them into the seed ISO attached to each VM.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
	ManageEtcHosts    bool      `yaml:"manage_etc_hosts"`
	Output            *Output   `yaml:"output,omitempty"`
}

// Chpasswd configures user password settings.
type Chpasswd struct {
	Expire bool   `yaml:"expire"` // Whether to expire passwords on first login
	List   string `yaml:"list"`   // Format: "username:hash"
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match       MatchConfig   `yaml:"match"`
	Addresses   []string      `yaml:"addresses"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig represents a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers represents DNS server configuration.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

// Node is the per-VM input to the generators.
type Node struct {
	Name   string
	Domain string // optional DNS domain; the FQDN is Name.Domain

	IP         string // host address, no prefix
	PrefixLen  int
	MAC        string
	Gateway    string
	DNSServers []string

	SSHAuthorizedKeys []string
	PasswordHash      string // crypt(3) hash for root
	SSHPasswordAuth   bool
}

// FQDN returns the fully qualified host name, or the bare name without a
// domain.
func (n *Node) FQDN() string {
	if n.Domain == "" {
		return n.Name
	}
	return n.Name + "." + n.Domain
}

// GenerateUserData generates the user-data YAML content for node.
//
// Returns the complete user-data file content including the "#cloud-config" header.
func GenerateUserData(node *Node) (string, error) {
	if node == nil {
		return "", fmt.Errorf("node cannot be nil")
	}

	fqdn := node.FQDN()
	userData := UserData{
		Hostname:          strings.SplitN(fqdn, ".", 2)[0],
		FQDN:              fqdn,
		SSHAuthorizedKeys: node.SSHAuthorizedKeys,
		SSHPasswordAuth:   node.SSHPasswordAuth,
		ManageEtcHosts:    true,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	if node.PasswordHash != "" {
		userData.Chpasswd = &Chpasswd{
			Expire: false,
			List:   fmt.Sprintf("root:%s", node.PasswordHash),
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	// Prepend #cloud-config header (required by cloud-init spec)
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData generates the meta-data YAML content for node.
//
// The instance-id is set to the VM name. Cloud-init uses instance-id to determine
// if this is a first boot. Using the VM name means cloud-init will re-run if the
// VM is destroyed and recreated with the same name.
func GenerateMetaData(node *Node) (string, error) {
	if node == nil {
		return "", fmt.Errorf("node cannot be nil")
	}

	metaData := MetaData{
		InstanceID:    node.Name,
		LocalHostname: node.Name,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig generates the network-config YAML content for node.
//
// Uses netplan version 2 format with the single cluster interface matched by
// MAC address and a default route through the cluster gateway.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
func GenerateNetworkConfig(node *Node) (string, error) {
	if node == nil {
		return "", fmt.Errorf("node cannot be nil")
	}
	if node.IP == "" || node.MAC == "" {
		return "", fmt.Errorf("node %s needs an IP and a MAC address", node.Name)
	}
	if node.PrefixLen <= 0 || node.PrefixLen > 32 {
		return "", fmt.Errorf("invalid prefix length %d for node %s", node.PrefixLen, node.Name)
	}

	eth := EthernetConfig{
		Match: MatchConfig{
			MACAddress: node.MAC,
		},
		Addresses: []string{fmt.Sprintf("%s/%d", node.IP, node.PrefixLen)},
	}
	if node.Gateway != "" {
		eth.Routes = []RouteConfig{{To: "0.0.0.0/0", Via: node.Gateway}}
	}
	if len(node.DNSServers) > 0 {
		eth.Nameservers = &Nameservers{Addresses: node.DNSServers}
	}

	networkConfig := NetworkConfig{
		Version:   2,
		Ethernets: map[string]EthernetConfig{"eth0": eth},
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}

	return string(yamlBytes), nil
}
