package hostmgmt

import (
	"net/http"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/types"
)

// Dispatcher selects ilo or ipmi per host by Arch, matching
// set_hpe_boot/set_ipmi_boot: Aarch64 hosts go straight to ipmi;
// X86/X86_64 hosts try iLO first and fall back to ipmi if the iLO
// call fails, on the theory that an iLO failure there usually means
// the host isn't actually an HPE server.
type Dispatcher struct {
	ilo  HostManagement
	ipmi HostManagement
}

// NewDispatcher builds the default dispatcher: a real ipmitool-backed
// manager and an RIBCL manager using client (nil for a default one).
func NewDispatcher(client *http.Client) *Dispatcher {
	return &Dispatcher{ilo: NewILO(client), ipmi: New()}
}

// newDispatcherWith is used by tests to inject fakes for both paths.
func newDispatcherWith(ilo, ipmi HostManagement) *Dispatcher {
	return &Dispatcher{ilo: ilo, ipmi: ipmi}
}

func (d *Dispatcher) managerFor(host types.Host) HostManagement {
	if host.Arch == types.ArchAarch64 {
		return d.ipmi
	}
	return nil // X86/X86_64: handled per-call below, to get the ilo->ipmi fallback
}

func (d *Dispatcher) withFallback(host types.Host, call func(HostManagement) error) error {
	if m := d.managerFor(host); m != nil {
		return call(m)
	}
	if err := call(d.ilo); err != nil {
		log.WithComponent("hostmgmt-dispatch").Warn().Str("host_id", host.ID).Err(err).
			Msg("ilo call failed, falling back to ipmi")
		return call(d.ipmi)
	}
	return nil
}

func (d *Dispatcher) PowerOn(host types.Host) error {
	return d.withFallback(host, func(m HostManagement) error { return m.PowerOn(host) })
}

func (d *Dispatcher) PowerOff(host types.Host) error {
	return d.withFallback(host, func(m HostManagement) error { return m.PowerOff(host) })
}

func (d *Dispatcher) PowerReset(host types.Host) error {
	return d.withFallback(host, func(m HostManagement) error { return m.PowerReset(host) })
}

func (d *Dispatcher) PowerQuery(host types.Host) (PowerState, error) {
	var state PowerState
	err := d.withFallback(host, func(m HostManagement) error {
		s, err := m.PowerQuery(host)
		state = s
		return err
	})
	return state, err
}

func (d *Dispatcher) SetPersistentBootOrder(host types.Host, target BootTarget) error {
	return d.withFallback(host, func(m HostManagement) error { return m.SetPersistentBootOrder(host, target) })
}

func (d *Dispatcher) SetOneTimeBoot(host types.Host, target BootTarget) error {
	return d.withFallback(host, func(m HostManagement) error { return m.SetOneTimeBoot(host, target) })
}

func (d *Dispatcher) CreateLocalUser(host types.Host, username, password string) error {
	return d.withFallback(host, func(m HostManagement) error { return m.CreateLocalUser(host, username, password) })
}
