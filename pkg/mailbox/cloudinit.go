package mailbox

import (
	"fmt"

	"github.com/oshpc/laasd/pkg/types"
	"gopkg.in/yaml.v3"
)

// CloudInitDocs renders the four static per-instance files the mailbox
// serves under an endpoint's /cloud-init/ sub-paths. Rendering is pure:
// it reads only its arguments and must not mutate any stored state.
type CloudInitDocs struct {
	InstanceID string
	Hostname   string
	CIOverride map[string]string
	Ports      []HostPort
	BondGroups []types.BondGroupConfig
}

// HostPort is the subset of a host's physical port identity the
// network-config renderer needs.
type HostPort struct {
	Name string
	MAC  string
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// MetaData renders the meta-data document: just an instance id and a
// hostname, keyed off the instance's own id, so every render for the
// same instance, including after a reimage, carries the same instance-id.
func (d CloudInitDocs) MetaData() (string, error) {
	doc := metaData{InstanceID: d.InstanceID, LocalHostname: d.Hostname}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("mailbox: render meta-data: %w", err)
	}
	return string(out), nil
}

type userDataDoc struct {
	Hostname    string            `yaml:"hostname"`
	WriteFiles  []writeFile       `yaml:"write_files,omitempty"`
	RunCmd      []string          `yaml:"runcmd,omitempty"`
}

type writeFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// UserData renders the #cloud-config user-data document, folding in
// any per-instance CIOverride entries as literal files dropped at boot.
func (d CloudInitDocs) UserData() (string, error) {
	doc := userDataDoc{Hostname: d.Hostname}
	for path, content := range d.CIOverride {
		doc.WriteFiles = append(doc.WriteFiles, writeFile{Path: path, Content: content})
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("mailbox: render user-data: %w", err)
	}
	return "#cloud-config\n" + string(body), nil
}

// VendorData renders the vendor-data document: the post-provision
// mailbox endpoint the host should call back once cloud-init finishes,
// so the instance doesn't need it baked into user-data ahead of time.
func (d CloudInitDocs) VendorData(postProvision Endpoint) (string, error) {
	doc := struct {
		PostProvisionURL string `yaml:"post_provision_url"`
	}{PostProvisionURL: fmt.Sprintf("/%s/%s/push", postProvision.InstanceID, postProvision.Token)}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("mailbox: render vendor-data: %w", err)
	}
	return string(out), nil
}

type networkConfigDoc struct {
	Version   int                   `yaml:"version"`
	Ethernets map[string]ethernetIf `yaml:"ethernets"`
}

type ethernetIf struct {
	Match       matchClause `yaml:"match"`
	DHCP4       bool        `yaml:"dhcp4"`
	VLANs       []int       `yaml:"-"`
}

type matchClause struct {
	MACAddress string `yaml:"macaddress"`
}

// NetworkConfig renders a netplan-style network-config document with
// one ethN entry per host port, matched by MAC (since interface names
// are not stable across a reimage) and set to DHCPv4. Bond groups and
// VLAN membership are not rendered.
func (d CloudInitDocs) NetworkConfig() (string, error) {
	doc := networkConfigDoc{Version: 2, Ethernets: make(map[string]ethernetIf)}
	for i, port := range d.Ports {
		ifName := fmt.Sprintf("eth%d", i)
		doc.Ethernets[ifName] = ethernetIf{
			Match: matchClause{MACAddress: port.MAC},
			DHCP4: true,
		}
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("mailbox: render network-config: %w", err)
	}
	return string(out), nil
}
