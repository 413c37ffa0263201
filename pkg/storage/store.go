package storage

import "github.com/oshpc/laasd/pkg/types"

// Concrete typed tables, one per entity in pkg/types. These are the
// handles the rest of laasd imports; Table's generic machinery stays an
// implementation detail of this package.
var (
	Labs            = newTable[types.Lab](bucketLabs)
	Flavors         = newTable[types.Flavor](bucketFlavors)
	Hosts           = newTable[types.Host](bucketHosts)
	Switches        = newTable[types.Switch](bucketSwitches)
	SwitchPorts     = newTable[types.SwitchPort](bucketSwitchPorts)
	VLANs           = newTable[types.VLAN](bucketVLANs)
	Templates       = newTable[types.Template](bucketTemplates)
	Aggregates      = newTable[types.Aggregate](bucketAggregates)
	Instances       = newTable[types.Instance](bucketInstances)
	ResourceHandles = newTable[types.ResourceHandle](bucketResourceHandles)
	Allocations     = newTable[types.Allocation](bucketAllocations)
	VPNGrants       = newTable[types.VPNGrant](bucketVPNGrants)
	RuntimeTasks    = newTable[types.RuntimeTask](bucketRuntimeTasks)
)

// LiveAllocationsFor returns the allocations on handleID with Ended ==
// nil. I1 requires there be at most one.
func LiveAllocationsFor(tx *Tx, handleID string) ([]types.Allocation, error) {
	return Allocations.Where(tx, func(a types.Allocation) bool {
		return a.HandleID == handleID && a.Live()
	})
}

// LiveAllocationsForAggregate returns every live allocation attributed
// to aggregateID, across all handles.
func LiveAllocationsForAggregate(tx *Tx, aggregateID string) ([]types.Allocation, error) {
	return Allocations.Where(tx, func(a types.Allocation) bool {
		return a.AggregateID == aggregateID && a.Live()
	})
}

// HandleForResource finds the ResourceHandle wrapping a given resource
// id (a Host.ID or VLAN.ID) of the given kind, or ErrNotFound.
func HandleForResource(tx *Tx, kind types.ResourceKind, resourceID string) (types.ResourceHandle, error) {
	matches, err := ResourceHandles.Where(tx, func(h types.ResourceHandle) bool {
		return h.Kind == kind && h.ResourceID == resourceID
	})
	if err != nil {
		return types.ResourceHandle{}, err
	}
	if len(matches) == 0 {
		return types.ResourceHandle{}, ErrNotFound
	}
	return matches[0], nil
}

// InstancesForAggregate returns every instance belonging to aggregateID.
func InstancesForAggregate(tx *Tx, aggregateID string) ([]types.Instance, error) {
	return Instances.Where(tx, func(i types.Instance) bool {
		return i.AggregateID == aggregateID
	})
}
