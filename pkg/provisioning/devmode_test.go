package provisioning

import (
	"testing"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

func seedTwoHosts(t *testing.T, db *storage.DB) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		if err := storage.Labs.Put(tx, types.Lab{ID: "lab-1", Name: "static-lab"}); err != nil {
			return err
		}
		for _, id := range []string{"host-1", "host-2"} {
			if err := storage.Hosts.Put(tx, types.Host{ID: id, Name: id, LabID: "lab-1"}); err != nil {
				return err
			}
			if err := storage.ResourceHandles.Put(tx, types.ResourceHandle{
				ID: "handle-" + id, Kind: types.ResourceKindHost, LabID: "lab-1", ResourceID: id,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestReserveUnlistedHostsClaimsEveryHostExceptListed(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)
	seedTwoHosts(t, db)
	orch := NewOrchestrator(db, rt, s)

	require.NoError(t, orch.ReserveUnlistedHosts([]string{"host-2"}))

	require.NoError(t, db.View(func(tx *storage.Tx) error {
		live, err := storage.LiveAllocationsFor(tx, "handle-host-1")
		require.NoError(t, err)
		require.Len(t, live, 1)
		require.Equal(t, types.ReasonForMaintenance, live[0].Reason)

		live, err = storage.LiveAllocationsFor(tx, "handle-host-2")
		require.NoError(t, err)
		require.Empty(t, live)
		return nil
	}))
}

func TestReserveUnlistedHostsSkipsAlreadyAllocatedHost(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)
	seedTwoHosts(t, db)
	orch := NewOrchestrator(db, rt, s)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		_, _, err := rt.Allocator.AllocateSpecificHost(tx, "host-1", "agg-existing", types.ReasonForBooking)
		return err
	}))

	require.NoError(t, orch.ReserveUnlistedHosts(nil))

	require.NoError(t, db.View(func(tx *storage.Tx) error {
		live, err := storage.LiveAllocationsFor(tx, "handle-host-1")
		require.NoError(t, err)
		require.Len(t, live, 1)
		require.Equal(t, "agg-existing", live[0].AggregateID)
		return nil
	}))
}
