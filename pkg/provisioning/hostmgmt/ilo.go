package hostmgmt

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/provisioning/bootorder"
	"github.com/oshpc/laasd/pkg/types"
)

// ILO implements HostManagement against HPE's RIBCL XML-over-HTTP
// interface, the "iLO" referenced throughout set_boot.rs.
type ILO struct {
	client *http.Client
}

// NewILO returns an RIBCL-speaking manager. client may be nil to use a
// default with a sane timeout. Every RIBCL document is POSTed over plain
// HTTP to http://<IPMIFQDN>/ribcl.
func NewILO(client *http.Client) *ILO {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ILO{client: client}
}

// ribclDocument wraps body (one SERVER_INFO or USER_INFO block, already
// serialized) in the standard RIBCL LOGIN envelope.
func ribclDocument(user, pass, body string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<?iol entity-procesing="standard"?>
<?xmlilo output-format="xml"?>
<RIBCL VERSION="2.0">
  <LOGIN USER_LOGIN="%s" PASSWORD="%s">
    %s
  </LOGIN>
</RIBCL>`, user, pass, body)
}

func serverInfo(mode, command string) string {
	return fmt.Sprintf(`<SERVER_INFO MODE="%s">%s</SERVER_INFO>`, mode, command)
}

func (m *ILO) post(host types.Host, body string) (string, error) {
	url := fmt.Sprintf("http://%s/ribcl", host.IPMIFQDN)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("ilo: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ilo: send request to %s: %w", host.IPMIFQDN, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ilo: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ilo: %s returned status %d", host.IPMIFQDN, resp.StatusCode)
	}
	return string(out), nil
}

func (m *ILO) PowerOn(host types.Host) error  { return m.setPower(host, "Yes") }
func (m *ILO) PowerOff(host types.Host) error { return m.setPower(host, "No") }

func (m *ILO) PowerReset(host types.Host) error {
	body := ribclDocument(host.IPMIUser, host.IPMIPass, serverInfo("write", `<RESET_SERVER/>`))
	_, err := m.post(host, body)
	return err
}

func (m *ILO) setPower(host types.Host, value string) error {
	body := ribclDocument(host.IPMIUser, host.IPMIPass,
		serverInfo("write", fmt.Sprintf(`<SET_HOST_POWER HOST_POWER="%s"/>`, value)))
	_, err := m.post(host, body)
	return err
}

type hostPowerRibcl struct {
	GetHostPower struct {
		HostPower string `xml:"HOST_POWER,attr"`
	} `xml:"GET_HOST_POWER"`
}

func (m *ILO) PowerQuery(host types.Host) (PowerState, error) {
	body := ribclDocument(host.IPMIUser, host.IPMIPass, serverInfo("read", `<GET_HOST_POWER_STATUS/>`))
	resp, err := m.post(host, body)
	if err != nil {
		return PowerUnknown, err
	}

	var parsed hostPowerRibcl
	if err := xml.Unmarshal([]byte(resp), &parsed); err != nil {
		return PowerUnknown, nil //nolint:nilerr // malformed/unrecognized response is reported as unknown, not a transport error
	}
	switch strings.ToUpper(parsed.GetHostPower.HostPower) {
	case "ON", "YES":
		return PowerOn, nil
	case "OFF", "NO":
		return PowerOff, nil
	default:
		return PowerUnknown, nil
	}
}

// ilo boot device RIBCL parsing, ported from set_boot.rs's Ribcl/
// PersistentBoot/DeviceTag structs.
type ribclBootList struct {
	PersistentBoot struct {
		Device []struct {
			Value       string `xml:"value,attr"`
			Description string `xml:"DESCRIPTION,attr"`
		} `xml:"DEVICE"`
	} `xml:"PERSISTENT_BOOT"`
}

func (m *ILO) getPersistentBootList(host types.Host) ([]bootorder.Device, error) {
	body := ribclDocument(host.IPMIUser, host.IPMIPass, serverInfo("read", `<GET_PERSISTENT_BOOT/>`))
	resp, err := m.post(host, body)
	if err != nil {
		return nil, err
	}

	var parsed ribclBootList
	if err := xml.Unmarshal([]byte(resp), &parsed); err != nil {
		return nil, fmt.Errorf("ilo: parse boot device list for %s: %w", host.ID, err)
	}

	devices := make([]bootorder.Device, 0, len(parsed.PersistentBoot.Device))
	for _, d := range parsed.PersistentBoot.Device {
		devices = append(devices, bootorder.Device{Value: d.Value, Description: d.Description})
	}
	return devices, nil
}

func (m *ILO) SetPersistentBootOrder(host types.Host, target BootTarget) error {
	devices, err := m.getPersistentBootList(host)
	if err != nil {
		return err
	}

	var ordered []bootorder.Device
	switch target {
	case BootNetwork:
		ordered = bootorder.NetworkFirst(devices)
	case BootDisk:
		ordered, err = bootorder.NetworkLast(devices, "")
	case BootSpecificDisk:
		ordered, err = bootorder.NetworkLast(devices, host.SdaUEFIDevice)
	default:
		return fmt.Errorf("ilo: unknown boot target %q", target)
	}
	if err != nil {
		return err
	}

	order := bootorder.BootDeviceListToString(ordered)
	log.WithComponent("hostmgmt-ilo").Info().Str("host_id", host.ID).Str("order", order).
		Msg("setting persistent boot order")

	body := ribclDocument(host.IPMIUser, host.IPMIPass,
		serverInfo("write", fmt.Sprintf(`<SET_PERSISTENT_BOOT>%s</SET_PERSISTENT_BOOT>`, order)))
	_, err = m.post(host, body)
	return err
}

func (m *ILO) SetOneTimeBoot(host types.Host, target BootTarget) error {
	value := "NETWORK"
	if target == BootDisk || target == BootSpecificDisk {
		value = "HDD"
	}
	body := ribclDocument(host.IPMIUser, host.IPMIPass,
		serverInfo("write", fmt.Sprintf(`<SET_ONE_TIME_BOOT value="%s"/>`, value)))
	_, err := m.post(host, body)
	return err
}

// CreateLocalUser issues RIBCL's ADD_USER, granting full administrator
// privileges to match the level ipmitool's CreateLocalUser grants.
func (m *ILO) CreateLocalUser(host types.Host, username, password string) error {
	addUser := fmt.Sprintf(`<USER_INFO MODE="write">
      <ADD_USER USER_LOGIN="%s" USER_NAME="%s" PASSWORD="%s">
        <ADMIN_PRIV value="Y"/>
        <REMOTE_CONS_PRIV value="Y"/>
        <RESET_SERVER_PRIV value="Y"/>
        <VIRTUAL_MEDIA_PRIV value="Y"/>
        <CONFIG_ILO_PRIV value="Y"/>
      </ADD_USER>
    </USER_INFO>`, username, username, password)

	body := ribclDocument(host.IPMIUser, host.IPMIPass, addUser)
	_, err := m.post(host, body)
	return err
}
