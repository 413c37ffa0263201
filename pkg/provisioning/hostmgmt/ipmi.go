package hostmgmt

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/types"
)

// commandRunner shells out to ipmitool; tests substitute a fake to
// assert on the exact argument sequence without a real BMC.
type commandRunner func(args ...string) ([]byte, error)

// IPMI implements HostManagement by shelling ipmitool over lanplus.
type IPMI struct {
	run   commandRunner
	sleep func(time.Duration)
}

// New returns an IPMI manager that shells the real ipmitool binary.
func New() *IPMI {
	return &IPMI{run: runIPMITool, sleep: time.Sleep}
}

// newWithRunner is used by tests to inject a fake commandRunner and a
// no-op sleep.
func newWithRunner(run commandRunner, sleep func(time.Duration)) *IPMI {
	return &IPMI{run: run, sleep: sleep}
}

func runIPMITool(args ...string) ([]byte, error) {
	cmd := exec.Command("ipmitool", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ipmitool %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return out.Bytes(), nil
}

func (m *IPMI) connArgs(host types.Host) []string {
	return []string{
		"-I", "lanplus",
		"-C", "3",
		"-H", host.IPMIFQDN,
		"-U", host.IPMIUser,
		"-P", host.IPMIPass,
	}
}

func (m *IPMI) exec(host types.Host, args ...string) ([]byte, error) {
	return m.run(append(m.connArgs(host), args...)...)
}

func (m *IPMI) PowerOn(host types.Host) error {
	_, err := m.exec(host, "chassis", "power", "on")
	return err
}

func (m *IPMI) PowerOff(host types.Host) error {
	_, err := m.exec(host, "chassis", "power", "off")
	return err
}

func (m *IPMI) PowerReset(host types.Host) error {
	_, err := m.exec(host, "chassis", "power", "reset")
	return err
}

func (m *IPMI) PowerQuery(host types.Host) (PowerState, error) {
	out, err := m.exec(host, "chassis", "power", "status")
	if err != nil {
		return PowerUnknown, err
	}
	s := strings.ToLower(string(out))
	switch {
	case strings.Contains(s, "is on"):
		return PowerOn, nil
	case strings.Contains(s, "is off"):
		return PowerOff, nil
	default:
		return PowerUnknown, nil
	}
}

// SetPersistentBootOrder and SetOneTimeBoot share the same underlying
// "chassis bootdev" command; the only difference is whether
// "options=...,persistent" is appended. The command is issued twice,
// each run followed by a 10s settle sleep, matching the original's "note:
// going to set bootdev in ipmi multiple times so it really sticks".
func (m *IPMI) SetPersistentBootOrder(host types.Host, target BootTarget) error {
	return m.setBoot(host, target, true)
}

func (m *IPMI) SetOneTimeBoot(host types.Host, target BootTarget) error {
	return m.setBoot(host, target, false)
}

func (m *IPMI) setBoot(host types.Host, target BootTarget, persistent bool) error {
	bdev := "disk"
	if target == BootNetwork {
		bdev = "pxe"
	}

	opts := "options=efiboot"
	if persistent {
		opts = "options=efiboot,persistent"
	}

	args := []string{"chassis", "bootdev", bdev}
	switch target {
	case BootNetwork:
		args = append(args, "set", "force_pxe", "true")
	case BootDisk:
		args = append(args, "set", "force_disk", "true")
	}
	args = append(args, opts)

	log.WithComponent("hostmgmt-ipmi").Info().Str("host_id", host.ID).
		Bool("persistent", persistent).Str("target", string(target)).
		Msg("setting bootdev via ipmitool, twice, to make it stick")

	for i := 0; i < 2; i++ {
		if _, err := m.exec(host, args...); err != nil {
			return err
		}
		m.sleep(10 * time.Second)
	}
	return nil
}

// CreateLocalUser finds the first unused IPMI user slot (never
// touching slot 1, conventionally the factory admin account) and
// configures it with administrator privilege on channel 1.
func (m *IPMI) CreateLocalUser(host types.Host, username, password string) error {
	out, err := m.exec(host, "user", "list", "1")
	if err != nil {
		return fmt.Errorf("ipmi: list users on %s: %w", host.ID, err)
	}
	id, err := firstEmptyUserSlot(out)
	if err != nil {
		return fmt.Errorf("ipmi: %s: %w", host.ID, err)
	}

	steps := [][]string{
		{"user", "set", "name", id, username},
		{"user", "set", "password", id, password},
		{"user", "priv", id, "0x4", "1"},
		{"user", "enable", id},
	}
	for _, args := range steps {
		if _, err := m.exec(host, args...); err != nil {
			return fmt.Errorf("ipmi: configure user %s on %s: %w", id, host.ID, err)
		}
	}
	return nil
}

// firstEmptyUserSlot parses "ipmitool user list 1" output (one row of
// whitespace-separated columns per user slot, ID first, Name second or
// blank) and returns the id of the first slot with no name, skipping
// slot 1.
func firstEmptyUserSlot(out []byte) (string, error) {
	lines := strings.Split(string(out), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id == 1 {
			continue
		}
		// A populated row carries a username as its second field; an
		// empty slot's first real column is the "Callin" true/false
		// flag instead.
		if fields[1] == "true" || fields[1] == "false" {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no free ipmi user slot")
}
