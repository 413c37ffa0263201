// Package bootorder computes and renders a host's persistent UEFI boot
// device list for network-first or disk-first boot, including a
// specific-disk override, ported from the original RIBCL boot-order
// comparator (P8).
package bootorder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Device is one entry of a host's persistent boot device list, as
// reported by ILOCommandGetPersistentBoot: an opaque device value and
// a human-readable description used to classify it (PXE, network,
// IPv4, disk name, ...).
type Device struct {
	Value       string
	Description string
}

// ErrNoSpecificDisk is returned by NetworkLast when a specific-disk
// boot was requested (a non-empty pinDevice) but it matches none of
// the host's reported boot devices.
var ErrNoSpecificDisk = errors.New("bootorder: specific disk boot requested but host has no matching boot device")

// NetworkFirst reorders devices so PXE and network entries sort ahead
// of disk entries, preferring a PXE entry over a merely
// network-described one, and an IPv4-described entry over a
// non-IPv4-described one within either group. The input is not
// mutated.
func NetworkFirst(devices []Device) []Device {
	out := append([]Device(nil), devices...)
	sort.SliceStable(out, func(i, j int) bool {
		return order(out[i].Description, out[j].Description, true) < 0
	})
	return out
}

// NetworkLast reorders devices so disk entries sort ahead of PXE and
// network entries. If pinDevice is non-empty, it instead sorts any
// device whose description contains pinDevice to the very front (the
// specific-disk override) and returns ErrNoSpecificDisk if no device
// description matches.
func NetworkLast(devices []Device, pinDevice string) ([]Device, error) {
	out := append([]Device(nil), devices...)
	if pinDevice == "" {
		sort.SliceStable(out, func(i, j int) bool {
			return order(out[i].Description, out[j].Description, false) < 0
		})
		return out, nil
	}

	found := false
	for _, d := range out {
		if strings.Contains(strings.ToLower(d.Description), strings.ToLower(pinDevice)) {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoSpecificDisk
	}

	sort.SliceStable(out, func(i, j int) bool {
		return sortDeviceToTop(out[i].Description, out[j].Description, pinDevice) < 0
	})
	return out, nil
}

// order is the direct port of the original comparator: negative means
// a sorts before b. With netFirst false, PXE/network entries rank
// last (disk-first); with netFirst true that ranking is reversed.
func order(aDesc, bDesc string, netFirst bool) int {
	ad := strings.ToLower(aDesc)
	bd := strings.ToLower(bDesc)

	aPXE := strings.Contains(ad, "pxe")
	bPXE := strings.Contains(bd, "pxe")

	var f int
	switch {
	case !aPXE && !bPXE:
		aNet := strings.Contains(ad, "network")
		bNet := strings.Contains(bd, "network")
		switch {
		case aNet && !bNet:
			f = 1
		case !aNet && bNet:
			f = -1
		case aNet && bNet:
			f = v4Rank(ad, bd)
		default:
			f = 0
		}
	case aPXE && !bPXE:
		f = 1
	case !aPXE && bPXE:
		f = -1
	default: // both PXE
		f = v4Rank(ad, bd)
	}

	if netFirst {
		return -f
	}
	return f
}

func v4Rank(ad, bd string) int {
	aV4 := strings.Contains(ad, "v4")
	bV4 := strings.Contains(bd, "v4")
	switch {
	case aV4 == bV4:
		return 0
	case aV4 && !bV4:
		return 1
	default:
		return -1
	}
}

// sortDeviceToTop ranks a device whose description mentions the pinned
// device ahead of every other device, tying otherwise.
func sortDeviceToTop(aDesc, bDesc, device string) int {
	ad := strings.ToLower(aDesc)
	bd := strings.ToLower(bDesc)
	dl := strings.ToLower(device)

	aHas := strings.Contains(ad, dl)
	bHas := strings.Contains(bd, dl)
	switch {
	case aHas == bHas:
		return 0
	case aHas && !bHas:
		return -1
	default:
		return 1
	}
}

// BootDeviceListToString renders a boot device list back into the
// RIBCL SET_PERSISTENT_BOOT request body, one self-closing DEVICE tag
// per entry in order.
func BootDeviceListToString(devices []Device) string {
	var b strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&b, `<DEVICE value="%s"/>`, d.Value)
	}
	return b.String()
}
