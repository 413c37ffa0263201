// Package nxos drives Cisco NX-OS switches through the NX-API JSON-RPC
// endpoint, grounded on the CLI command strings and request shape of
// the original allocator's ureq-based implementation.
package nxos

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/types"
)

// Dialect implements fabric.Dialect against the NX-API.
type Dialect struct {
	client *http.Client
}

// New returns an NX-API dialect. client may be nil to use a default
// with a sane timeout.
func New(client *http.Client) *Dialect {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Dialect{client: client}
}

// ConfigurePort issues the CLI commands for state against one switch
// port, ending with "interface <name>" followed by the state-specific
// commands.
func (d *Dialect) ConfigurePort(sw types.Switch, portName string, state fabric.PortVLANState) error {
	commands := append([]string{fmt.Sprintf("interface %s", portName)}, toNXCommands(state)...)
	return d.run(sw, commands)
}

// Persist appends "copy run start" as its own NX-API call, matching
// the original implementation's end-of-run persist step.
func (d *Dialect) Persist(sw types.Switch) error {
	return d.run(sw, []string{"copy run start"})
}

// toNXCommands translates a reduced port VLAN state into the exact
// NX-OS CLI command sequence.
func toNXCommands(state fabric.PortVLANState) []string {
	switch state.Kind {
	case fabric.PortDisabled:
		return []string{"shutdown"}
	case fabric.PortTaggedOnly:
		return []string{
			"switchport mode trunk",
			"no switchport trunk native vlan",
			fmt.Sprintf("switchport trunk allowed vlan %s", joinVLANs(state.AllowedVLANs)),
			"no shutdown",
		}
	case fabric.PortNativeOnly:
		return []string{
			"switchport mode trunk",
			fmt.Sprintf("switchport trunk native vlan %d", state.NativeVLAN),
			fmt.Sprintf("switchport trunk allowed vlan %d", state.NativeVLAN),
			"no shutdown",
		}
	case fabric.PortTaggedAndNative:
		all := append(append([]int{}, state.AllowedVLANs...), state.NativeVLAN)
		return []string{
			"switchport mode trunk",
			fmt.Sprintf("switchport trunk allowed vlan %s", joinVLANs(all)),
			fmt.Sprintf("switchport trunk native vlan %d", state.NativeVLAN),
			"no shutdown",
		}
	default:
		return nil
	}
}

func joinVLANs(vlans []int) string {
	parts := make([]string, len(vlans))
	for i, v := range vlans {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

type nxAPIRequest struct {
	InsAPI nxAPIBody `json:"ins_api"`
}

type nxAPIBody struct {
	Version      string `json:"version"`
	Type         string `json:"type"`
	Chunk        string `json:"chunk"`
	SID          string `json:"sid"`
	OutputFormat string `json:"output_format"`
	Input        string `json:"input"`
}

// run posts the concatenated command string as a single cli_conf
// request, matching the original's `intersperse(" ; ")` join.
func (d *Dialect) run(sw types.Switch, commands []string) error {
	body := nxAPIRequest{InsAPI: nxAPIBody{
		Version:      "1.0",
		Type:         "cli_conf",
		Chunk:        "0",
		SID:          "1",
		OutputFormat: "json",
		Input:        strings.Join(commands, " ; "),
	}}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("nxos: marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/ins", sw.Address)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("nxos: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/json")
	req.Header.Set("Authorization", "Basic "+basicAuth(sw.User, sw.Pass))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("nxos: send request to switch %s: %w", sw.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("nxos: switch %s returned status %d", sw.ID, resp.StatusCode)
	}
	return nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
