package bootorder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleDevices() []Device {
	return []Device{
		{Value: "1", Description: "Generic USB Device"},
		{Value: "2", Description: "HDD:  C:"},
		{Value: "3", Description: "Embedded FlexibleLOM 1 Port 1: HPE Ethernet 1Gb 4-port 331i Adapter - NIC (PXE IPv4)"},
		{Value: "4", Description: "Embedded FlexibleLOM 1 Port 2: HPE Ethernet 1Gb 4-port 331i Adapter - NIC (Network)"},
	}
}

func TestNetworkFirstPutsPXEAheadOfDisk(t *testing.T) {
	out := NetworkFirst(sampleDevices())
	require.Equal(t, "3", out[0].Value, "PXE IPv4 entry must sort first")

	diskIdx, netIdx := -1, -1
	for i, d := range out {
		if d.Value == "2" {
			diskIdx = i
		}
		if d.Value == "4" {
			netIdx = i
		}
	}
	require.Greater(t, diskIdx, netIdx, "disk entry must sort after the network entry")
}

func TestNetworkLastPutsDiskAheadOfPXE(t *testing.T) {
	out, err := NetworkLast(sampleDevices(), "")
	require.NoError(t, err)

	diskIdx, pxeIdx := -1, -1
	for i, d := range out {
		if d.Value == "2" {
			diskIdx = i
		}
		if d.Value == "3" {
			pxeIdx = i
		}
	}
	require.Less(t, diskIdx, pxeIdx, "disk entry must sort ahead of the PXE entry")
}

func TestNetworkLastSpecificDiskOverridePinsExactEntry(t *testing.T) {
	out, err := NetworkLast(sampleDevices(), "C:")
	require.NoError(t, err)
	require.Equal(t, "2", out[0].Value)
}

func TestNetworkLastSpecificDiskOverrideNoMatchErrors(t *testing.T) {
	_, err := NetworkLast(sampleDevices(), "nonexistent-device")
	require.ErrorIs(t, err, ErrNoSpecificDisk)
}

func TestOrderRanksPXEAheadOfPlainNetwork(t *testing.T) {
	pxe := "NIC (PXE IPv4)"
	plainNet := "NIC (Network)"
	require.Negative(t, order(pxe, plainNet, true))
}

func TestOrderRanksIPv4AheadOfNonIPv4WithinPXE(t *testing.T) {
	v4 := "NIC (PXE IPv4)"
	v6 := "NIC (PXE IPv6)"
	require.Negative(t, order(v4, v6, true))
}

func TestBootDeviceListToString(t *testing.T) {
	s := BootDeviceListToString([]Device{{Value: "a"}, {Value: "b"}})
	require.Equal(t, `<DEVICE value="a"/><DEVICE value="b"/>`, s)
}
