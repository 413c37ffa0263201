// Package fabric translates a logical set of bond-group/VLAN
// assignments into the vendor-specific commands that realize them on
// physical switches, dispatching each switch to the dialect selected by
// its OS tag and serializing commands per switch.
package fabric

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

// VLANConnection binds a bond-group to one VLAN, tagged or not.
type VLANConnection struct {
	VLANID int
	Tagged bool
}

// BondGroup is a set of host ports (already resolved to concrete
// switch ports by the caller) treated as one logical interface, with
// its VLAN memberships.
type BondGroup struct {
	MemberHostPortIDs []string // SwitchPort IDs
	VLANs             []VLANConnection
}

// NetworkConfig is the full input to one configurator run.
type NetworkConfig struct {
	Persist    bool
	BondGroups []BondGroup
}

// PortVLANKind is the four-case reduction of a port's VLAN memberships.
type PortVLANKind int

const (
	PortDisabled PortVLANKind = iota
	PortTaggedOnly
	PortNativeOnly
	PortTaggedAndNative
)

// PortVLANState is the fully-reduced VLAN configuration for one port.
type PortVLANState struct {
	Kind         PortVLANKind
	NativeVLAN   int
	AllowedVLANs []int // sorted, tagged members only
}

// FabricError describes a rejected or failed fabric operation. The
// original implementation panicked on two untagged VLANs for one port;
// here that case returns a FabricError and the switch is never
// contacted.
type FabricError struct {
	SwitchID string
	Detail   string
}

func (e *FabricError) Error() string {
	return fmt.Sprintf("fabric: switch %s: %s", e.SwitchID, e.Detail)
}

// CollectPortVLANState reduces a port's VLAN connections to one of the
// four cases (P6). More than one untagged VLAN on the same port is
// rejected rather than panicking.
func CollectPortVLANState(switchID string, conns []VLANConnection) (PortVLANState, error) {
	var (
		native    *int
		allowed   []int
	)
	for _, c := range conns {
		if !c.Tagged {
			if native != nil {
				return PortVLANState{}, &FabricError{
					SwitchID: switchID,
					Detail:   "more than one untagged VLAN requested on the same port",
				}
			}
			v := c.VLANID
			native = &v
		} else {
			allowed = append(allowed, c.VLANID)
		}
	}
	sort.Ints(allowed)

	switch {
	case native == nil && len(allowed) == 0:
		return PortVLANState{Kind: PortDisabled}, nil
	case native == nil:
		return PortVLANState{Kind: PortTaggedOnly, AllowedVLANs: allowed}, nil
	case len(allowed) == 0:
		return PortVLANState{Kind: PortNativeOnly, NativeVLAN: *native}, nil
	default:
		return PortVLANState{Kind: PortTaggedAndNative, NativeVLAN: *native, AllowedVLANs: allowed}, nil
	}
}

// Dialect drives one switch's OS-specific command protocol. Exactly
// one dialect handles a given switch, selected by its OSType.
type Dialect interface {
	// ConfigurePort applies state to the named switch port.
	ConfigurePort(sw types.Switch, portName string, state PortVLANState) error
	// Persist issues the vendor "save running config" step.
	Persist(sw types.Switch) error
}

// Registry resolves a Dialect by SwitchOS tag.
type Registry map[types.SwitchOS]Dialect

// Configurator applies NetworkConfig documents against the switches
// named by the resolved ports, one goroutine and one mutex per switch,
// so commands to the same switch serialize while different switches
// configure concurrently.
type Configurator struct {
	db       *storage.DB
	dialects Registry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Configurator backed by db, dispatching to dialects by
// SwitchOS.
func New(db *storage.DB, dialects Registry) *Configurator {
	return &Configurator{
		db:       db,
		dialects: dialects,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (c *Configurator) lockFor(switchID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[switchID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[switchID] = l
	}
	return l
}

// Apply groups cfg's bond-groups by the switch their member ports live
// on, then configures each switch's affected ports. A failure
// configuring one switch does not roll back that switch's already-
// applied ports, and does not stop other switches from being
// configured; the caller treats any returned error as fatal to the
// current provision attempt and relies on a later run to converge.
func (c *Configurator) Apply(cfg NetworkConfig) error {
	bySwitch, err := c.groupBySwitch(cfg.BondGroups)
	if err != nil {
		return err
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for switchID, group := range bySwitch {
		wg.Add(1)
		go func(switchID string, group switchWork) {
			defer wg.Done()
			if err := c.applyToSwitch(switchID, group, cfg.Persist); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(switchID, group)
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type portWork struct {
	portName string
	conns    []VLANConnection
}

type switchWork struct {
	ports []portWork
}

func (c *Configurator) groupBySwitch(bondgroups []BondGroup) (map[string]switchWork, error) {
	bySwitch := make(map[string]switchWork)

	err := c.db.View(func(tx *storage.Tx) error {
		for _, bg := range bondgroups {
			for _, portID := range bg.MemberHostPortIDs {
				sp, err := storage.SwitchPorts.Get(tx, portID)
				if err != nil {
					return fmt.Errorf("fabric: resolve switch port %s: %w", portID, err)
				}
				work := bySwitch[sp.SwitchID]
				work.ports = append(work.ports, portWork{portName: sp.Name, conns: bg.VLANs})
				bySwitch[sp.SwitchID] = work
			}
		}
		return nil
	})
	return bySwitch, err
}

func (c *Configurator) applyToSwitch(switchID string, work switchWork, persist bool) error {
	lock := c.lockFor(switchID)
	lock.Lock()
	defer lock.Unlock()

	var sw types.Switch
	err := c.db.View(func(tx *storage.Tx) error {
		var err error
		sw, err = storage.Switches.Get(tx, switchID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fabric: load switch %s: %w", switchID, err)
	}

	dialect, ok := c.dialects[sw.OSType]
	if !ok {
		return &FabricError{SwitchID: switchID, Detail: fmt.Sprintf("no dialect registered for OS %q", sw.OSType)}
	}

	logger := log.WithComponent("fabric")

	states := make([]PortVLANState, len(work.ports))
	for i, port := range work.ports {
		state, err := CollectPortVLANState(switchID, port.conns)
		if err != nil {
			return err
		}
		states[i] = state
	}

	for i, port := range work.ports {
		state := states[i]
		if err := dialect.ConfigurePort(sw, port.portName, state); err != nil {
			logger.Error().Err(err).Str("switch_id", switchID).Str("port", port.portName).
				Msg("failed to configure port")
			return err
		}
		logger.Info().Str("switch_id", switchID).Str("port", port.portName).Int("kind", int(state.Kind)).
			Msg("configured port")
	}

	if persist {
		if err := dialect.Persist(sw); err != nil {
			return fmt.Errorf("fabric: persist switch %s: %w", switchID, err)
		}
	}
	return nil
}
