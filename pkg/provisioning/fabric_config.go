package provisioning

import (
	"fmt"
	"time"

	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
)

// fabricMode selects which bond-group shape configureFabricTask builds:
// the narrow single-VLAN configuration a host needs to reach the
// netinstall image, or the full template-derived production wiring.
type fabricMode string

const (
	fabricModeMgmt       fabricMode = "mgmt"
	fabricModeProduction fabricMode = "production"
)

// portIDByName indexes a host's ports by name for bond-group resolution.
func portIDByName(host types.Host) map[string]string {
	out := make(map[string]string, len(host.Ports))
	for _, p := range host.Ports {
		if p.SwitchPortID != "" {
			out[p.Name] = p.SwitchPortID
		}
	}
	return out
}

// buildMgmtBondGroups wires every one of host's patched ports untagged
// onto mgmtVLAN, the single VLAN a net-installing host needs before its
// production fabric exists — one bond-group per physical port, since
// the template's own bond-group shape doesn't apply until the final
// image is in place.
func buildMgmtBondGroups(host types.Host, mgmtVLAN int) []fabric.BondGroup {
	var groups []fabric.BondGroup
	for _, p := range host.Ports {
		if p.SwitchPortID == "" {
			continue
		}
		groups = append(groups, fabric.BondGroup{
			MemberHostPortIDs: []string{p.SwitchPortID},
			VLANs:             []fabric.VLANConnection{{VLANID: mgmtVLAN, Tagged: false}},
		})
	}
	return groups
}

// buildProductionBondGroups resolves an instance's HostConfig bond
// groups (named by interface, tied to logical networks) against the
// assigned host's concrete switch ports and the aggregate's
// network-name -> vlan-id assignment.
func buildProductionBondGroups(instance types.Instance, host types.Host, agg types.Aggregate) ([]fabric.BondGroup, error) {
	byName := portIDByName(host)

	var groups []fabric.BondGroup
	for _, bg := range instance.HostConfig.BondGroups {
		var memberIDs []string
		for _, ifaceName := range bg.MemberInterfaceNames {
			portID, ok := byName[ifaceName]
			if !ok {
				return nil, fmt.Errorf("provisioning: host %s has no patched port named %q", host.ID, ifaceName)
			}
			memberIDs = append(memberIDs, portID)
		}

		var conns []fabric.VLANConnection
		for _, nc := range bg.Connections {
			vlanID, ok := agg.NetworkAssignment[nc.LogicalNetwork]
			if !ok {
				return nil, fmt.Errorf("provisioning: aggregate %s has no vlan assigned for network %q", agg.ID, nc.LogicalNetwork)
			}
			conns = append(conns, fabric.VLANConnection{VLANID: vlanID, Tagged: nc.Tagged})
		}

		groups = append(groups, fabric.BondGroup{MemberHostPortIDs: memberIDs, VLANs: conns})
	}
	return groups, nil
}

// configureFabricTask applies one of the two fabric shapes DeployHost
// needs: the narrow mgmt-VLAN wiring while installing, or the full
// template-derived production wiring once the image is laid down.
type configureFabricTask struct {
	InstanceID string
	HostID     string
	Mode       fabricMode
	MgmtVLAN   int
	Persist    bool

	rt *Runtime `json:"-"`
}

func (configureFabricTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.configure-fabric", Version: 1}
}

func (t configureFabricTask) Run(*taskrun.Context) (any, *taskrun.TaskError) {
	host, err := loadHost(t.rt.DB, t.HostID)
	if err != nil {
		return nil, taskrun.Reason("load host %s: %v", t.HostID, err)
	}

	var groups []fabric.BondGroup
	switch t.Mode {
	case fabricModeMgmt:
		groups = buildMgmtBondGroups(host, t.MgmtVLAN)
	case fabricModeProduction:
		var instance types.Instance
		var agg types.Aggregate
		verr := t.rt.DB.View(func(tx *storage.Tx) error {
			var err error
			instance, err = storage.Instances.Get(tx, t.InstanceID)
			if err != nil {
				return err
			}
			agg, err = storage.Aggregates.Get(tx, instance.AggregateID)
			return err
		})
		if verr != nil {
			return nil, taskrun.Reason("load instance/aggregate for %s: %v", t.InstanceID, verr)
		}
		groups, err = buildProductionBondGroups(instance, host, agg)
		if err != nil {
			return nil, taskrun.Reason("resolve production fabric for instance %s: %v", t.InstanceID, err)
		}
	default:
		return nil, taskrun.Internal("configure-fabric: unknown mode " + string(t.Mode))
	}

	if len(groups) == 0 {
		return nil, nil
	}
	if err := t.rt.Fabric.Apply(fabric.NetworkConfig{Persist: t.Persist, BondGroups: groups}); err != nil {
		return nil, taskrun.Reason("apply fabric config for instance %s: %v", t.InstanceID, err)
	}
	return nil, nil
}

func (configureFabricTask) Timeout() time.Duration { return 90 * time.Second }
func (configureFabricTask) RetryCount() int         { return 1 }
func (t configureFabricTask) Summarize(id string) string {
	return "configure-fabric " + string(t.Mode) + " for " + t.InstanceID + " (" + id + ")"
}
