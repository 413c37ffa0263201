// Package hostmgmt drives a host's out-of-band management controller:
// power state, persistent/one-time boot target, and local account
// creation, behind one interface with an HPE iLO (RIBCL) and a
// ipmitool-shelling implementation, matching the arch-based dispatch
// in set_boot.rs (Aarch64 -> ipmitool only, X86/X86_64 -> iLO with an
// ipmitool fallback).
package hostmgmt

import (
	"github.com/oshpc/laasd/pkg/types"
)

// BootTarget is the device class SetPersistentBootOrder/SetOneTimeBoot
// direct the host towards, mirroring the original BootTo enum.
type BootTarget string

const (
	BootNetwork      BootTarget = "network"
	BootDisk         BootTarget = "disk"
	BootSpecificDisk BootTarget = "specific_disk"
)

// PowerState is a host's reported chassis power state.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// HostManagement is the out-of-band management capability a
// provisioning task drives a host through.
type HostManagement interface {
	PowerOn(host types.Host) error
	PowerOff(host types.Host) error
	PowerReset(host types.Host) error
	PowerQuery(host types.Host) (PowerState, error)

	// SetPersistentBootOrder reorders the host's full persistent boot
	// device list so target sorts to the front, surviving reboots
	// until changed again.
	SetPersistentBootOrder(host types.Host, target BootTarget) error

	// SetOneTimeBoot directs only the next boot at target, reverting
	// to the persistent order afterwards.
	SetOneTimeBoot(host types.Host, target BootTarget) error

	CreateLocalUser(host types.Host, username, password string) error
}
