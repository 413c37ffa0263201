package provisioning

import (
	"fmt"
	"sync"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
)

// Orchestrator implements the aggregate-level workflow of spec.md
// §4.6.1: bringing a New aggregate's instances up to Active and
// spawning a DeployHost per instance, and tearing one down again on
// expiry or explicit end.
type Orchestrator struct {
	db        *storage.DB
	rt        *Runtime
	scheduler *taskrun.Scheduler

	// HostOSPort overrides every spawned DeployHost's HostOSPort when
	// non-zero; tests point this at a fake listener instead of a real
	// sshd on port 22.
	HostOSPort int
}

// NewOrchestrator builds an Orchestrator over rt's dependencies,
// submitting DeployHost tasks through scheduler.
func NewOrchestrator(db *storage.DB, rt *Runtime, scheduler *taskrun.Scheduler) *Orchestrator {
	return &Orchestrator{db: db, rt: rt, scheduler: scheduler}
}

// ErrNoHostAvailable is returned by ActivateAggregate when step 1's
// precheck finds no free host for some instance's flavor.
type ErrNoHostAvailable struct {
	FlavorName string
}

func (e *ErrNoHostAvailable) Error() string {
	return fmt.Sprintf("no host available for role %s", e.FlavorName)
}

// ActivateAggregate runs steps 1-5 of the orchestrator: precheck every
// instance's host availability, bulk-allocate VLANs, commit each
// instance's host allocation, transition the aggregate to Active, and
// spawn one DeployHost per instance in parallel. It returns once every
// DeployHost has either succeeded or exhausted its retries; the caller
// decides what "deploy failed for instance X" means for the booking.
func (o *Orchestrator) ActivateAggregate(aggregateID string) error {
	var (
		agg       types.Aggregate
		template  types.Template
		instances []types.Instance
		lab       types.Lab
	)
	err := o.db.View(func(tx *storage.Tx) error {
		var err error
		agg, err = storage.Aggregates.Get(tx, aggregateID)
		if err != nil {
			return err
		}
		template, err = storage.Templates.Get(tx, agg.TemplateID)
		if err != nil {
			return err
		}
		lab, err = storage.Labs.Get(tx, agg.LabID)
		if err != nil {
			return err
		}
		instances, err = storage.InstancesForAggregate(tx, aggregateID)
		return err
	})
	if err != nil {
		return fmt.Errorf("provisioning: load aggregate %s: %w", aggregateID, err)
	}

	// Step 1: precheck availability for every instance, dry-run only.
	flavorIDs := make(map[string]string, len(instances)) // instance id -> flavor id
	for _, inst := range instances {
		flavorID, err := o.flavorIDForHostConfig(inst.HostConfig)
		if err != nil {
			return err
		}
		flavorIDs[inst.ID] = flavorID

		precheckErr := o.db.Update(func(tx *storage.Tx) error {
			_, _, err := o.rt.Allocator.AllocateHost(tx, flavorID, aggregateID, types.ReasonForBooking, true)
			return err
		})
		if precheckErr != nil {
			return &ErrNoHostAvailable{FlavorName: inst.HostConfig.FlavorName}
		}
	}

	// Step 2: bulk-allocate VLANs for every logical network.
	err = o.db.Update(func(tx *storage.Tx) error {
		_, err := o.rt.Allocator.AllocateVLANsFor(tx, aggregateID, template.LogicalNetworks)
		return err
	})
	if err != nil {
		return fmt.Errorf("provisioning: allocate vlans for aggregate %s: %w", aggregateID, err)
	}

	// Step 3: commit each instance's host allocation, linking it on the
	// instance row.
	allocated := make(map[string]types.Host, len(instances))
	for _, inst := range instances {
		var host types.Host
		err := o.db.Update(func(tx *storage.Tx) error {
			var aerr error
			host, _, aerr = o.rt.Allocator.AllocateHost(tx, flavorIDs[inst.ID], aggregateID, types.ReasonForBooking, false)
			if aerr != nil {
				return aerr
			}
			inst.LinkedHostID = host.ID
			return storage.Instances.Put(tx, inst)
		})
		if err != nil {
			return fmt.Errorf("provisioning: allocate host for instance %s: %w", inst.ID, err)
		}
		allocated[inst.ID] = host
	}

	// Step 4: transition to Active.
	err = o.db.Update(func(tx *storage.Tx) error {
		agg.State = types.AggregateStateActive
		return storage.Aggregates.Put(tx, agg)
	})
	if err != nil {
		return fmt.Errorf("provisioning: activate aggregate %s: %w", aggregateID, err)
	}

	// Step 5: spawn one DeployHost per instance, in parallel; collect
	// every failure rather than stopping at the first.
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)
	mgmtVLAN := pickMgmtVLAN(agg, template)
	for _, inst := range instances {
		inst, host := inst, allocated[inst.ID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := deployHostTask{
				InstanceID:   inst.ID,
				HostID:       host.ID,
				AggregateID:  aggregateID,
				Image:        inst.HostConfig.Image,
				LabIsDynamic: lab.IsDynamic,
				MgmtVLAN:     mgmtVLAN,
				Retries:      3,
				HostOSPort:   o.HostOSPort,
				rt:           o.rt,
			}
			if _, terr := o.scheduler.Run(task); terr != nil {
				mu.Lock()
				failed = append(failed, fmt.Errorf("instance %s: %w", inst.ID, terr))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("provisioning: %d of %d instances failed to deploy: %v", len(failed), len(instances), failed[0])
	}
	return nil
}

// pickMgmtVLAN picks the VLAN a dynamic lab's hosts net-install against:
// the template's first declared logical network, looked up by name in
// the aggregate's network assignment. Iterating NetworkAssignment
// directly would work off Go's randomized map order, not template
// definition order, so the lookup goes through template.LogicalNetworks
// instead.
func pickMgmtVLAN(agg types.Aggregate, template types.Template) int {
	if len(template.LogicalNetworks) == 0 {
		return 0
	}
	return agg.NetworkAssignment[template.LogicalNetworks[0].Name]
}

func (o *Orchestrator) flavorIDForHostConfig(hc types.HostConfig) (string, error) {
	var flavorID string
	err := o.db.View(func(tx *storage.Tx) error {
		flavors, err := storage.Flavors.Where(tx, func(f types.Flavor) bool { return f.Name == hc.FlavorName })
		if err != nil {
			return err
		}
		if len(flavors) == 0 {
			return fmt.Errorf("no flavor named %q", hc.FlavorName)
		}
		flavorID = flavors[0].ID
		return nil
	})
	return flavorID, err
}

// TeardownAggregate implements step 6: end the aggregate, release every
// allocation it holds, and run a best-effort cleanup pass powering off
// each host that was allocated to it. Fabric is left as-is: per
// spec.md's fabric-configuration failure model, restoring a safe state
// is the next aggregate's ConfigureFabric call, not this one's job.
func (o *Orchestrator) TeardownAggregate(aggregateID string) error {
	var hostIDs []string
	err := o.db.View(func(tx *storage.Tx) error {
		live, err := storage.LiveAllocationsForAggregate(tx, aggregateID)
		if err != nil {
			return err
		}
		for _, alloc := range live {
			handle, err := storage.ResourceHandles.Get(tx, alloc.HandleID)
			if err != nil {
				continue
			}
			if handle.Kind == types.ResourceKindHost {
				hostIDs = append(hostIDs, handle.ResourceID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("provisioning: list live allocations for aggregate %s: %w", aggregateID, err)
	}

	err = o.db.Update(func(tx *storage.Tx) error {
		agg, err := storage.Aggregates.Get(tx, aggregateID)
		if err != nil {
			return err
		}
		agg.State = types.AggregateStateDone
		if err := storage.Aggregates.Put(tx, agg); err != nil {
			return err
		}
		return o.rt.Allocator.DeallocateAggregate(tx, aggregateID)
	})
	if err != nil {
		return fmt.Errorf("provisioning: deallocate aggregate %s: %w", aggregateID, err)
	}

	for _, hostID := range hostIDs {
		if _, terr := o.scheduler.Run(setPowerTask{HostID: hostID, Action: powerActionOff, rt: o.rt}); terr != nil {
			return fmt.Errorf("provisioning: power off host %s during teardown: %w", hostID, terr)
		}
	}
	return nil
}
