// Package metadata records cluster ownership in libvirt domain metadata so a
// domain can be traced back to the cluster that defined it even without the
// state file.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataNamespace is the XML namespace for corral metadata.
	MetadataNamespace = "http://corral.cofront.xyz/v1alpha1"

	// MetadataKey is the element prefix libvirt stores the metadata under.
	MetadataKey = "corral"
)

// LibvirtClient is the subset of go-libvirt used here.
type LibvirtClient interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Ownership identifies the cluster and role a domain was defined for and
// the PCI devices it was given.
type Ownership struct {
	Cluster string   `yaml:"cluster"`
	Role    string   `yaml:"role"`
	Devices []string `yaml:"devices,omitempty"`
}

// ownershipXML wraps the YAML body. YAML keeps the domain XML readable when
// inspected with virsh dumpxml.
type ownershipXML struct {
	XMLName xml.Name `xml:"metadata"`
	Xmlns   string   `xml:"xmlns,attr"`
	Body    string   `xml:",chardata"`
}

// Store writes ownership into the domain's persistent config.
func Store(l LibvirtClient, domain libvirt.Domain, own Ownership) error {
	body, err := yaml.Marshal(own)
	if err != nil {
		return fmt.Errorf("failed to marshal ownership to YAML: %w", err)
	}

	data, err := xml.Marshal(ownershipXML{Xmlns: MetadataNamespace, Body: string(body)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(data)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}
	return nil
}

// Load reads ownership back. ok is false for domains corral did not define.
func Load(l LibvirtClient, domain libvirt.Domain) (own Ownership, ok bool, err error) {
	raw, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		if libvirt.IsNotFound(err) || isNoMetadata(err) {
			return Ownership{}, false, nil
		}
		return Ownership{}, false, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var wrapper ownershipXML
	if err := xml.Unmarshal([]byte(raw), &wrapper); err != nil {
		return Ownership{}, false, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}
	if err := yaml.Unmarshal([]byte(wrapper.Body), &own); err != nil {
		return Ownership{}, false, fmt.Errorf("failed to unmarshal ownership from YAML: %w", err)
	}
	return own, true, nil
}

func isNoMetadata(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && libvirt.ErrorNumber(lerr.Code) == libvirt.ErrNoDomainMetadata
}
