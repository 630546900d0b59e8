package vm

import (
	"context"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

func errNoDomain() error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found"}
}

// mockLibvirtClient is a mock implementation of the libvirtClient interface
// for testing. By default it behaves like a tiny hypervisor: defined domains
// are remembered with their state, XML and metadata.
type mockLibvirtClient struct {
	mu sync.Mutex

	domains  map[string]*mockDomain
	metadata map[string]string

	// Configurable behavior; nil uses the in-memory default
	domainDefineXMLFunc     func(xml string) (libvirt.Domain, error)
	domainCreateFunc        func(dom libvirt.Domain) error
	domainShutdownFunc      func(dom libvirt.Domain) error
	domainGetStateFunc      func(dom libvirt.Domain) (int32, error)
	domainSetAutostartFunc  func(dom libvirt.Domain, autostart int32) error
	domainSetMetadataFunc   func(dom libvirt.Domain) error
	domainLookupByNameFunc  func(name string) (libvirt.Domain, error)
	domainUndefineFlagsFunc func(dom libvirt.Domain) error

	// Call tracking
	domainDefineXMLCalls     []string
	domainCreateCalls        []string
	domainShutdownCalls      []string
	domainDestroyCalls       []string
	domainSuspendCalls       []string
	domainResumeCalls        []string
	domainUndefineFlagsCalls []string
	domainSetAutostartCalls  []string
}

type mockDomain struct {
	state int32
	xml   string
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domains:  map[string]*mockDomain{},
		metadata: map[string]string{},
	}
}

// addDomain registers a domain directly, as if defined by someone else.
func (m *mockLibvirtClient) addDomain(name string, state int32, xml string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[name] = &mockDomain{state: state, xml: xml}
}

func (m *mockLibvirtClient) stateOf(name string) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[name]
	if !ok {
		return 0, false
	}
	return d.state, true
}

func (m *mockLibvirtClient) setState(name string, state int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[name].state = state
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.domainLookupByNameFunc != nil {
		return m.domainLookupByNameFunc(name)
	}
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, errNoDomain()
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDefineXMLCalls = append(m.domainDefineXMLCalls, xml)
	if m.domainDefineXMLFunc != nil {
		return m.domainDefineXMLFunc(xml)
	}

	var desc libvirtxml.Domain
	if err := desc.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, libvirt.Error{Code: uint32(libvirt.ErrXMLError), Message: err.Error()}
	}
	m.domains[desc.Name] = &mockDomain{state: domainStateShutoff, xml: xml}
	return libvirt.Domain{Name: desc.Name}, nil
}

func (m *mockLibvirtClient) DomainSetAutostart(dom libvirt.Domain, autostart int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainSetAutostartCalls = append(m.domainSetAutostartCalls, dom.Name)
	if m.domainSetAutostartFunc != nil {
		return m.domainSetAutostartFunc(dom, autostart)
	}
	return nil
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainCreateCalls = append(m.domainCreateCalls, dom.Name)
	if m.domainCreateFunc != nil {
		if err := m.domainCreateFunc(dom); err != nil {
			return err
		}
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		return errNoDomain()
	}
	d.state = domainStateRunning
	return nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.domainGetStateFunc != nil {
		s, err := m.domainGetStateFunc(dom)
		return s, 0, err
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		return 0, 0, errNoDomain()
	}
	return d.state, 0, nil
}

func (m *mockLibvirtClient) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainShutdownCalls = append(m.domainShutdownCalls, dom.Name)
	if m.domainShutdownFunc != nil {
		return m.domainShutdownFunc(dom)
	}
	if d, ok := m.domains[dom.Name]; ok {
		d.state = domainStateShutoff
	}
	return nil
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom.Name)
	d, ok := m.domains[dom.Name]
	if !ok {
		return errNoDomain()
	}
	d.state = domainStateShutoff
	return nil
}

func (m *mockLibvirtClient) DomainSuspend(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainSuspendCalls = append(m.domainSuspendCalls, dom.Name)
	m.domains[dom.Name].state = domainStatePaused
	return nil
}

func (m *mockLibvirtClient) DomainResume(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainResumeCalls = append(m.domainResumeCalls, dom.Name)
	m.domains[dom.Name].state = domainStateRunning
	return nil
}

func (m *mockLibvirtClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainUndefineFlagsCalls = append(m.domainUndefineFlagsCalls, dom.Name)
	if m.domainUndefineFlagsFunc != nil {
		if err := m.domainUndefineFlagsFunc(dom); err != nil {
			return err
		}
	}
	if _, ok := m.domains[dom.Name]; !ok {
		return errNoDomain()
	}
	delete(m.domains, dom.Name)
	delete(m.metadata, dom.Name)
	return nil
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[dom.Name]
	if !ok {
		return "", errNoDomain()
	}
	return d.xml, nil
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []libvirt.Domain
	for name, d := range m.domains {
		if flags&libvirt.ConnectListDomainsActive != 0 && d.state != domainStateRunning && d.state != domainStatePaused {
			continue
		}
		out = append(out, libvirt.Domain{Name: name})
	}
	return out, uint32(len(out)), nil
}

func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.domainSetMetadataFunc != nil {
		if err := m.domainSetMetadataFunc(dom); err != nil {
			return err
		}
	}
	if len(metadata) > 0 {
		m.metadata[dom.Name] = metadata[0]
	}
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.metadata[dom.Name]
	if !ok {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return md, nil
}

// staticClaims is a ClaimSource over a fixed map.
type staticClaims map[string]string

func (c staticClaims) DeviceClaims(context.Context) (map[string]string, error) {
	return c, nil
}
