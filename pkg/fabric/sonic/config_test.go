package sonic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdamsLaw(t *testing.T) {
	cases := []struct{ input, expected string }{
		{"Ethernet1", "Ethernet1"},
		{"Ethernet255", "Ethernet255"},
		{"hundredGigE4", "Ethernet12"},
		{"hundredGigE10", "Ethernet36"},
		{"hundredGigE5b1", "Ethernet17"},
	}
	for _, c := range cases {
		require.Equal(t, c.expected, AdamsLaw(c.input), "input %q", c.input)
	}
}

func dummyConfig() *Config {
	cfg, err := ParseConfig([]byte(`{
		"CRM": null, "DEVICE_METADATA": null, "FEATURE": null,
		"FLEX_COUNTER_TABLE": null, "PORT": null, "TELEMETRY": null, "VERSIONS": null,
		"VLAN": {
			"Vlan3002": {"members": ["Ethernet0"], "vlan_id": "3002", "admin_status": "up"},
			"Vlan98": {"members": [], "vlan_id": "98", "admin_status": "up"},
			"Vlan99": {"members": [], "vlan_id": "99", "admin_status": "down"}
		},
		"VLAN_MEMBER": {
			"Vlan3002|Ethernet0": {"tagging_mode": "untagged"}
		}
	}`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestSetSingleVLANIdempotence(t *testing.T) {
	cfg := dummyConfig()
	require.NoError(t, cfg.SetSingleVLAN(3002, "Ethernet0", false))

	vlan, ok := cfg.VLAN["Vlan3002"]
	require.True(t, ok)
	member, ok := cfg.VLANMember["Vlan3002|Ethernet0"]
	require.True(t, ok)

	require.Equal(t, "up", vlan.AdminStatus)
	require.Contains(t, vlan.Members, "Ethernet0")
	require.Equal(t, "3002", vlan.VlanID)
	require.Equal(t, "untagged", member.TaggingMode)
}

func TestSetSingleVLANOverrideMode(t *testing.T) {
	cfg := dummyConfig()
	require.NoError(t, cfg.SetSingleVLAN(3002, "Ethernet0", true))

	member := cfg.VLANMember["Vlan3002|Ethernet0"]
	require.Equal(t, "tagged", member.TaggingMode)
}

func TestSetSingleVLANNewIface(t *testing.T) {
	cfg := dummyConfig()
	require.NoError(t, cfg.SetSingleVLAN(3002, "Ethernet4", true))

	vlan := cfg.VLAN["Vlan3002"]
	require.Contains(t, vlan.Members, "Ethernet4")
	require.Contains(t, vlan.Members, "Ethernet0")
	require.Contains(t, cfg.VLANMember, "Vlan3002|Ethernet0")
	require.Contains(t, cfg.VLANMember, "Vlan3002|Ethernet4")
}

func TestSetSingleVLANNewVLAN(t *testing.T) {
	cfg := dummyConfig()
	require.NoError(t, cfg.SetSingleVLAN(3004, "Ethernet0", true))

	vlan, ok := cfg.VLAN["Vlan3004"]
	require.True(t, ok)
	require.Contains(t, vlan.Members, "Ethernet0")
	require.Equal(t, "3004", vlan.VlanID)
	require.Equal(t, "tagged", cfg.VLANMember["Vlan3004|Ethernet0"].TaggingMode)
}

func TestSetSingleVLANOverrideUntaggedVLAN(t *testing.T) {
	cfg := dummyConfig()
	require.NoError(t, cfg.SetSingleVLAN(3004, "Ethernet0", false))

	// The prior untagged membership on Vlan3002 must be gone.
	require.NotContains(t, cfg.VLANMember, "Vlan3002|Ethernet0")

	vlan := cfg.VLAN["Vlan3004"]
	require.Contains(t, vlan.Members, "Ethernet0")
	require.Equal(t, "untagged", cfg.VLANMember["Vlan3004|Ethernet0"].TaggingMode)
}

func TestSetInterfaceVLANsIdempotent(t *testing.T) {
	cfg := dummyConfig()
	untagged := 3002
	require.NoError(t, cfg.SetInterfaceVLANs(&untagged, nil, "Ethernet0"))

	require.Equal(t, "untagged", cfg.VLANMember["Vlan3002|Ethernet0"].TaggingMode)
	require.Contains(t, cfg.VLAN, "Vlan3002")
	require.Contains(t, cfg.VLAN, "Vlan98")
	require.Contains(t, cfg.VLAN, "Vlan99")
}

func TestSetInterfaceVLANsOnExistingInterface(t *testing.T) {
	cfg := dummyConfig()
	untagged := 98
	require.NoError(t, cfg.SetInterfaceVLANs(&untagged, []int{99, 3002}, "Ethernet0"))

	require.Equal(t, "tagged", cfg.VLANMember["Vlan3002|Ethernet0"].TaggingMode)
	require.Equal(t, "tagged", cfg.VLANMember["Vlan99|Ethernet0"].TaggingMode)
	require.Equal(t, "untagged", cfg.VLANMember["Vlan98|Ethernet0"].TaggingMode)
	require.Contains(t, cfg.VLAN["Vlan3002"].Members, "Ethernet0")
	require.Contains(t, cfg.VLAN["Vlan98"].Members, "Ethernet0")
	require.Contains(t, cfg.VLAN["Vlan99"].Members, "Ethernet0")
}

// Unlike the original (which panics), an inconsistent VLAN/vlan_id
// pairing returns a descriptive error.
func TestSetSingleVLANErrorsOnInconsistentConfig(t *testing.T) {
	cfg := dummyConfig()
	cfg.VLAN["Vlan4096"] = VLAN{AdminStatus: "up", VlanID: "4097", Members: []string{"EthernetBad"}}

	err := cfg.SetSingleVLAN(4096, "Ethernet0", true)
	require.Error(t, err)
}
