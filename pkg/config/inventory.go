package config

import (
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"gopkg.in/yaml.v3"
)

// InventoryDocument is the on-disk shape of one lab's physical
// inventory: its labs, hardware flavors, hosts, switches and the VLANs
// it owns. The core never parses this YAML itself — LoadInventory is
// the only place this package's document shape is visible outside of
// it, everything downstream only ever sees the storage rows it writes.
type InventoryDocument struct {
	Labs     []InventoryLab     `yaml:"labs"`
	Flavors  []InventoryFlavor  `yaml:"flavors"`
	Hosts    []InventoryHost    `yaml:"hosts"`
	Switches []InventorySwitch  `yaml:"switches"`
	VLANs    []InventoryVLAN    `yaml:"vlans"`
}

type InventoryLab struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	IsDynamic bool   `yaml:"is_dynamic"`
}

type InventoryFlavor struct {
	ID         string                      `yaml:"id"`
	Name       string                      `yaml:"name"`
	Arch       string                      `yaml:"arch"`
	CPUCores   int                         `yaml:"cpu_cores"`
	RAMBytes   int64                       `yaml:"ram_bytes"`
	DiskBytes  int64                       `yaml:"disk_bytes"`
	Interfaces []InventoryFlavorInterface `yaml:"interfaces"`
}

type InventoryFlavorInterface struct {
	Name     string `yaml:"name"`
	SpeedGbE int    `yaml:"speed_gbe"`
	CardType string `yaml:"card_type"`
}

type InventoryHost struct {
	ID            string             `yaml:"id"`
	Name          string             `yaml:"name"`
	FQDN          string             `yaml:"fqdn"`
	LabID         string             `yaml:"lab_id"`
	FlavorID      string             `yaml:"flavor_id"`
	Arch          string             `yaml:"arch"`
	IPMIFQDN      string             `yaml:"ipmi_fqdn"`
	IPMIUser      string             `yaml:"ipmi_user"`
	IPMIPass      string             `yaml:"ipmi_pass"`
	IPMIMAC       string             `yaml:"ipmi_mac"`
	EligibleLabs  []string           `yaml:"eligible_labs"`
	SdaUEFIDevice string             `yaml:"sda_uefi_device"`
	Ports         []InventoryHostPort `yaml:"ports"`
}

type InventoryHostPort struct {
	Name         string `yaml:"name"`
	MAC          string `yaml:"mac"`
	SwitchPortID string `yaml:"switch_port_id"`
}

type InventorySwitch struct {
	ID      string                `yaml:"id"`
	Name    string                `yaml:"name"`
	LabID   string                `yaml:"lab_id"`
	OSType  string                `yaml:"os_type"`
	Address string                `yaml:"address"`
	User    string                `yaml:"user"`
	Pass    string                `yaml:"pass"`
	Ports   []InventorySwitchPort `yaml:"ports"`
}

type InventorySwitchPort struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type InventoryVLAN struct {
	ID       string `yaml:"id"`
	LabID    string `yaml:"lab_id"`
	VlanID   int    `yaml:"vlan_id"`
	IsPublic bool   `yaml:"is_public"`
}

// LoadInventoryFile reads an InventoryDocument from path and ingests it
// into db via LoadInventory.
func LoadInventoryFile(db *storage.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read inventory %s: %w", path, err)
	}
	var doc InventoryDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse inventory %s: %w", path, err)
	}
	return LoadInventory(db, doc)
}

// LoadInventory validates doc and writes every row it describes into
// db in a single transaction, including the host/VLAN ResourceHandles
// the allocator requires to ever consider a row free. IDs left blank
// in the document are generated; a document re-applied with the same
// explicit IDs is a plain overwrite (Table.Put is insert-or-update),
// so reapplying an inventory file is safe.
func LoadInventory(db *storage.DB, doc InventoryDocument) error {
	return db.Update(func(tx *storage.Tx) error {
		for _, l := range doc.Labs {
			if l.ID == "" {
				l.ID = uuid.NewString()
			}
			if err := storage.Labs.Put(tx, types.Lab{ID: l.ID, Name: l.Name, IsDynamic: l.IsDynamic}); err != nil {
				return fmt.Errorf("config: put lab %s: %w", l.Name, err)
			}
		}

		for _, f := range doc.Flavors {
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			ifaces := make([]types.InterfaceDescriptor, 0, len(f.Interfaces))
			for _, i := range f.Interfaces {
				ifaces = append(ifaces, types.InterfaceDescriptor{Name: i.Name, SpeedGbE: i.SpeedGbE, CardType: i.CardType})
			}
			row := types.Flavor{
				ID: f.ID, Name: f.Name, Arch: types.Arch(f.Arch),
				CPUCores: f.CPUCores, RAMBytes: f.RAMBytes, DiskBytes: f.DiskBytes,
				Interfaces: ifaces,
			}
			if err := storage.Flavors.Put(tx, row); err != nil {
				return fmt.Errorf("config: put flavor %s: %w", f.Name, err)
			}
		}

		for _, s := range doc.Switches {
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			if err := storage.Switches.Put(tx, types.Switch{
				ID: s.ID, Name: s.Name, LabID: s.LabID, OSType: types.SwitchOS(s.OSType),
				Address: s.Address, User: s.User, Pass: s.Pass,
			}); err != nil {
				return fmt.Errorf("config: put switch %s: %w", s.Name, err)
			}
			for _, p := range s.Ports {
				if p.ID == "" {
					p.ID = uuid.NewString()
				}
				if err := storage.SwitchPorts.Put(tx, types.SwitchPort{ID: p.ID, SwitchID: s.ID, Name: p.Name}); err != nil {
					return fmt.Errorf("config: put switch port %s: %w", p.Name, err)
				}
			}
		}

		for _, h := range doc.Hosts {
			if h.ID == "" {
				h.ID = uuid.NewString()
			}
			ipmiMAC, err := parseOptionalMAC(h.IPMIMAC)
			if err != nil {
				return fmt.Errorf("config: host %s ipmi_mac: %w", h.Name, err)
			}
			ports := make([]types.HostPort, 0, len(h.Ports))
			for _, p := range h.Ports {
				mac, err := parseOptionalMAC(p.MAC)
				if err != nil {
					return fmt.Errorf("config: host %s port %s mac: %w", h.Name, p.Name, err)
				}
				ports = append(ports, types.HostPort{Name: p.Name, MAC: mac, SwitchPortID: p.SwitchPortID})
			}
			if err := storage.Hosts.Put(tx, types.Host{
				ID: h.ID, Name: h.Name, FQDN: h.FQDN, LabID: h.LabID, FlavorID: h.FlavorID,
				Arch: types.Arch(h.Arch), IPMIFQDN: h.IPMIFQDN, IPMIUser: h.IPMIUser,
				IPMIPass: h.IPMIPass, IPMIMAC: ipmiMAC, EligibleLabs: h.EligibleLabs,
				SdaUEFIDevice: h.SdaUEFIDevice, Ports: ports,
			}); err != nil {
				return fmt.Errorf("config: put host %s: %w", h.Name, err)
			}
			if err := storage.ResourceHandles.Put(tx, types.ResourceHandle{
				ID: "handle-host-" + h.ID, Kind: types.ResourceKindHost, LabID: h.LabID, ResourceID: h.ID,
			}); err != nil {
				return fmt.Errorf("config: put resource handle for host %s: %w", h.Name, err)
			}
		}

		for _, v := range doc.VLANs {
			if v.ID == "" {
				v.ID = uuid.NewString()
			}
			if err := storage.VLANs.Put(tx, types.VLAN{ID: v.ID, LabID: v.LabID, VlanID: v.VlanID, IsPublic: v.IsPublic}); err != nil {
				return fmt.Errorf("config: put vlan %d: %w", v.VlanID, err)
			}
			if err := storage.ResourceHandles.Put(tx, types.ResourceHandle{
				ID: "handle-vlan-" + v.ID, Kind: types.ResourceKindVLAN, LabID: v.LabID, ResourceID: v.ID,
			}); err != nil {
				return fmt.Errorf("config: put resource handle for vlan %d: %w", v.VlanID, err)
			}
		}

		return nil
	})
}

func parseOptionalMAC(s string) (net.HardwareAddr, error) {
	if s == "" {
		return nil, nil
	}
	return net.ParseMAC(s)
}
