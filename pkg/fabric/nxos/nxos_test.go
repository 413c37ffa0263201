package nxos

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestToNXCommandsFourCases(t *testing.T) {
	require.Equal(t, []string{"shutdown"}, toNXCommands(fabric.PortVLANState{Kind: fabric.PortDisabled}))

	tagged := toNXCommands(fabric.PortVLANState{Kind: fabric.PortTaggedOnly, AllowedVLANs: []int{10, 20}})
	require.Contains(t, tagged, "switchport trunk allowed vlan 10,20")
	require.Contains(t, tagged, "no switchport trunk native vlan")

	native := toNXCommands(fabric.PortVLANState{Kind: fabric.PortNativeOnly, NativeVLAN: 30})
	require.Contains(t, native, "switchport trunk native vlan 30")
	require.Contains(t, native, "switchport trunk allowed vlan 30")

	both := toNXCommands(fabric.PortVLANState{Kind: fabric.PortTaggedAndNative, NativeVLAN: 30, AllowedVLANs: []int{10}})
	require.Contains(t, both, "switchport trunk native vlan 30")
	require.Contains(t, both, "switchport trunk allowed vlan 10,30")
}

func TestConfigurePortSendsExpectedRequest(t *testing.T) {
	var gotAuth, gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body nxAPIRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.InsAPI.Input
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sw := types.Switch{ID: "sw-1", Address: strings.TrimPrefix(srv.URL, "http://"), User: "admin", Pass: "secret"}
	d := New(nil)

	err := d.ConfigurePort(sw, "Ethernet1/1", fabric.PortVLANState{Kind: fabric.PortDisabled})
	require.NoError(t, err)
	require.Equal(t, "Basic YWRtaW46c2VjcmV0", gotAuth)
	require.Contains(t, gotInput, "interface Ethernet1/1")
	require.Contains(t, gotInput, "shutdown")
}

func TestPersistIssuesCopyRunStart(t *testing.T) {
	var gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body nxAPIRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.InsAPI.Input
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sw := types.Switch{ID: "sw-1", Address: strings.TrimPrefix(srv.URL, "http://")}
	d := New(nil)

	require.NoError(t, d.Persist(sw))
	require.Equal(t, "copy run start", gotInput)
}

func TestConfigurePortSurfacesNon2xxAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sw := types.Switch{ID: "sw-1", Address: strings.TrimPrefix(srv.URL, "http://")}
	d := New(nil)

	err := d.ConfigurePort(sw, "Ethernet1/1", fabric.PortVLANState{Kind: fabric.PortDisabled})
	require.Error(t, err)
}
