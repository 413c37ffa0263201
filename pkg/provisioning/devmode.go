package provisioning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

// ReserveUnlistedHosts claims every host not named in keepFree under a
// synthetic, non-expiring maintenance aggregate, so a shared lab's
// unlisted hardware is never handed to a real booking while a developer
// is working against it directly. Already-allocated hosts are left
// alone. Called once at startup when config's dev.status is set.
func (o *Orchestrator) ReserveUnlistedHosts(keepFree []string) error {
	keep := make(map[string]bool, len(keepFree))
	for _, id := range keepFree {
		keep[id] = true
	}

	var hosts []types.Host
	if err := o.db.View(func(tx *storage.Tx) error {
		var err error
		hosts, err = storage.Hosts.List(tx)
		return err
	}); err != nil {
		return fmt.Errorf("provisioning: list hosts for dev reservation: %w", err)
	}

	for _, host := range hosts {
		if keep[host.ID] {
			continue
		}
		claimed, err := o.reserveHostIfFree(host)
		if err != nil {
			return fmt.Errorf("provisioning: reserve host %s: %w", host.ID, err)
		}
		if claimed {
			// Logged at the call site (cmd/laasd), which has the
			// structured logger already configured; this package stays
			// silent on no-ops to avoid startup log spam across a
			// large inventory.
			_ = claimed
		}
	}
	return nil
}

// reserveHostIfFree allocates host under a fresh dev-reservation
// aggregate unless it's already claimed, reporting whether it claimed
// the host.
func (o *Orchestrator) reserveHostIfFree(host types.Host) (bool, error) {
	aggID := "dev-reserved-" + uuid.NewString()
	claimed := false
	err := o.db.Update(func(tx *storage.Tx) error {
		_, _, err := o.rt.Allocator.AllocateSpecificHost(tx, host.ID, aggID, types.ReasonForMaintenance)
		if err != nil {
			// Already allocated (or otherwise unavailable): nothing to do.
			return nil
		}
		agg := types.Aggregate{
			ID:        aggID,
			LabID:     host.LabID,
			State:     types.AggregateStateActive,
			Purpose:   "dev-mode reservation",
			CreatedAt: time.Now(),
		}
		if err := storage.Aggregates.Put(tx, agg); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}
