// Package sonic drives SONiC switches by pulling config_db.json over
// SSH, editing its VLAN/VLAN_MEMBER tables in memory, and pushing the
// edited document back followed by a config reload. Grounded on the
// original implementation's direct manipulation of sonic-cfggen's
// output, including its port-name translation quirk (adamsLaw).
package sonic

import (
	"encoding/json"
	"fmt"
	"sort"
)

// VLAN is one entry of config_db.json's VLAN table.
type VLAN struct {
	AdminStatus string   `json:"admin_status"`
	Members     []string `json:"members"`
	VlanID      string   `json:"vlan_id"`
}

// VLANMember is one entry of config_db.json's VLAN_MEMBER table, keyed
// by "Vlan<id>|<iface>".
type VLANMember struct {
	TaggingMode string `json:"tagging_mode"`
}

// Config is the subset of config_db.json this dialect edits. Fields it
// never touches are kept as raw JSON so a round-trip push doesn't drop
// unrelated switch configuration.
type Config struct {
	CRM               json.RawMessage `json:"CRM,omitempty"`
	DeviceMetadata    json.RawMessage `json:"DEVICE_METADATA,omitempty"`
	Feature           json.RawMessage `json:"FEATURE,omitempty"`
	FlexCounterTable  json.RawMessage `json:"FLEX_COUNTER_TABLE,omitempty"`
	Port              json.RawMessage `json:"PORT,omitempty"`
	Telemetry         json.RawMessage `json:"TELEMETRY,omitempty"`
	Versions          json.RawMessage `json:"VERSIONS,omitempty"`
	VLAN              map[string]VLAN       `json:"VLAN"`
	VLANMember        map[string]VLANMember `json:"VLAN_MEMBER"`
}

// ParseConfig decodes the output of `sonic-cfggen -d --print-data`.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("sonic: parse config_db.json: %w", err)
	}
	if cfg.VLAN == nil {
		cfg.VLAN = make(map[string]VLAN)
	}
	if cfg.VLANMember == nil {
		cfg.VLANMember = make(map[string]VLANMember)
	}
	return &cfg, nil
}

func memberKey(vlanName, iface string) string {
	return vlanName + "|" + iface
}

// memberList mirrors the original's member_list(): every VLAN_MEMBER
// entry split back into its vlan name and interface name.
func (c *Config) memberList() []struct {
	key, vlanName, iface string
	member               VLANMember
} {
	var out []struct {
		key, vlanName, iface string
		member               VLANMember
	}
	for key, member := range c.VLANMember {
		parts := splitOnce(key, '|')
		if len(parts) != 2 {
			continue
		}
		out = append(out, struct {
			key, vlanName, iface string
			member               VLANMember
		}{key: key, vlanName: parts[0], iface: parts[1], member: member})
	}
	return out
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

// SetSingleVLAN ensures vlan exists, is up, and has iface as a member
// with the given tagging mode. Setting iface untagged on vlan first
// removes any other VLAN where iface was previously the untagged
// (native) member, since a port can have only one native VLAN.
func (c *Config) SetSingleVLAN(vlanID int, iface string, tagged bool) error {
	vlanName := fmt.Sprintf("Vlan%d", vlanID)
	vlanIDStr := fmt.Sprintf("%d", vlanID)

	vlan, ok := c.VLAN[vlanName]
	if !ok {
		vlan = VLAN{AdminStatus: "up", VlanID: vlanIDStr}
	}
	vlan.AdminStatus = "up"
	if vlan.VlanID != vlanIDStr {
		return fmt.Errorf("sonic: improperly set up VLAN %s had vlan_id %s, expected %s", vlanName, vlan.VlanID, vlanIDStr)
	}
	vlan.Members = addMember(vlan.Members, iface)
	c.VLAN[vlanName] = vlan

	if !tagged {
		for _, m := range c.memberList() {
			if m.vlanName != vlanName && m.iface == iface && m.member.TaggingMode == "untagged" {
				old := c.VLAN[m.vlanName]
				old.Members = removeMember(old.Members, iface)
				c.VLAN[m.vlanName] = old
				delete(c.VLANMember, m.key)
			}
		}
	}

	mode := "tagged"
	if !tagged {
		mode = "untagged"
	}
	c.VLANMember[memberKey(vlanName, iface)] = VLANMember{TaggingMode: mode}
	return nil
}

// SetInterfaceVLANs reconciles iface's full VLAN membership to exactly
// untaggedVLAN (if any) plus taggedVLANs, removing membership in any
// other VLAN iface previously belonged to.
func (c *Config) SetInterfaceVLANs(untaggedVLAN *int, taggedVLANs []int, iface string) error {
	wanted := make(map[string]bool)
	for _, v := range taggedVLANs {
		wanted[fmt.Sprintf("Vlan%d", v)] = true
	}
	if untaggedVLAN != nil {
		wanted[fmt.Sprintf("Vlan%d", *untaggedVLAN)] = true
	}

	for _, m := range c.memberList() {
		if m.iface != iface || wanted[m.vlanName] {
			continue
		}
		delete(c.VLANMember, m.key)
		vlan, ok := c.VLAN[m.vlanName]
		if ok {
			vlan.Members = removeMember(vlan.Members, iface)
			c.VLAN[m.vlanName] = vlan
		}
	}

	for _, v := range taggedVLANs {
		if err := c.SetSingleVLAN(v, iface, true); err != nil {
			return err
		}
	}
	if untaggedVLAN != nil {
		if err := c.SetSingleVLAN(*untaggedVLAN, iface, false); err != nil {
			return err
		}
	}
	return nil
}

func addMember(members []string, iface string) []string {
	for _, m := range members {
		if m == iface {
			return members
		}
	}
	out := append(append([]string{}, members...), iface)
	sort.Strings(out)
	return out
}

func removeMember(members []string, iface string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != iface {
			out = append(out, m)
		}
	}
	return out
}

// AdamsLaw translates the physical interface-name scheme used by host
// ports (hundredGigE<n>[b<m>]) into the switch's own Ethernet<k>
// naming, carried over verbatim from the original port-math: a bare
// hundredGigE<n> maps to Ethernet((n-1)*4), and a breakout sub-port
// hundredGigE<n>b<m> maps to Ethernet(((n-1)*4)+m). Any other name
// (already an Ethernet<k> name, for instance) passes through unchanged.
func AdamsLaw(iface string) string {
	if idx := indexOf(iface, "GigE"); idx >= 0 {
		rest := iface[idx+len("GigE"):]
		if bIdx := indexOfByte(rest, 'b'); bIdx >= 0 {
			e := atoiOrZero(rest[:bIdx])
			b := atoiOrZero(rest[bIdx+1:])
			return fmt.Sprintf("Ethernet%d", ((e-1)*4)+b)
		}
		e := atoiOrZero(rest)
		return fmt.Sprintf("Ethernet%d", (e-1)*4)
	}
	return iface
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
