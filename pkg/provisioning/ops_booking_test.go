package provisioning

import (
	"net"
	"testing"
	"time"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCreateTemplateGeneratesIDWhenBlank(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)
	orch := NewOrchestrator(db, rt, s)

	tmpl, err := orch.CreateTemplate(types.Template{Name: "single-node"})
	require.NoError(t, err)
	require.NotEmpty(t, tmpl.ID)
	require.False(t, tmpl.CreatedAt.IsZero())

	var stored types.Template
	require.NoError(t, db.View(func(tx *storage.Tx) error {
		var err error
		stored, err = storage.Templates.Get(tx, tmpl.ID)
		return err
	}))
	require.Equal(t, "single-node", stored.Name)
}

func TestCreateBookingAllocatesAndActivates(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	ipmiAddr := reachableListener(t)
	osAddr, osPort := acceptAndClose(t)
	osFQDN, _, err := net.SplitHostPort(osAddr)
	require.NoError(t, err)

	seedStaticLabWithOneHost(t, db, ipmiAddr, osFQDN)

	orch := NewOrchestrator(db, rt, s)
	orch.HostOSPort = osPort

	tmpl, err := orch.CreateTemplate(types.Template{
		Name:            "single-node",
		LogicalNetworks: []types.Network{{Name: "mgmt100"}},
		HostConfigs:     []types.HostConfig{{FlavorName: "small", Image: "ubuntu-22.04"}},
	})
	require.NoError(t, err)

	// CreateBooking blocks until its spawned DeployHost settles, and it
	// generates the instance ID internally, so the mailbox-answering
	// goroutines have to discover that ID by polling storage rather than
	// being handed it up front.
	type result struct {
		agg types.Aggregate
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		agg, err := orch.CreateBooking(BookingRequest{
			LabID:      "lab-1",
			TemplateID: tmpl.ID,
			Owner:      "alice",
			Purpose:    "testing",
			End:        time.Now().Add(24 * time.Hour),
		})
		resultCh <- result{agg, err}
	}()

	instanceID := waitForInstance(t, db, tmpl.ID)
	go answerMailboxUsage(t, rt, instanceID, usagePostImage, "image-complete")
	go answerMailboxUsage(t, rt, instanceID, usagePostBoot, "booted")
	go answerMailboxUsage(t, rt, instanceID, usagePostProvision, "provisioned")

	var res result
	select {
	case res = <-resultCh:
	case <-time.After(10 * time.Second):
		t.Fatal("CreateBooking did not return in time")
	}
	require.NoError(t, res.err)
	agg := res.agg
	require.Equal(t, types.AggregateStateActive, agg.State)
	require.NotEmpty(t, agg.IPMIUser)
	require.NotEmpty(t, agg.IPMIPass)

	status, err := orch.GetBookingStatus(agg.ID)
	require.NoError(t, err)
	require.Len(t, status.Instances, 1)
	require.Equal(t, "host-1", status.Instances[0].LinkedHostID)
}

func TestCreateBookingFailsForUnknownTemplate(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)
	orch := NewOrchestrator(db, rt, s)

	_, err := orch.CreateBooking(BookingRequest{LabID: "lab-1", TemplateID: "no-such-template"})
	require.Error(t, err)
}

func TestEndBookingTearsDownAggregate(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	ipmiAddr := reachableListener(t)
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		if err := storage.Labs.Put(tx, types.Lab{ID: "lab-1", IsDynamic: false}); err != nil {
			return err
		}
		if err := storage.Hosts.Put(tx, types.Host{ID: "host-1", LabID: "lab-1", IPMIFQDN: ipmiAddr}); err != nil {
			return err
		}
		if err := storage.ResourceHandles.Put(tx, types.ResourceHandle{
			ID: "handle-host-1", Kind: types.ResourceKindHost, LabID: "lab-1", ResourceID: "host-1",
		}); err != nil {
			return err
		}
		if err := storage.Aggregates.Put(tx, types.Aggregate{ID: "agg-1", LabID: "lab-1", State: types.AggregateStateActive}); err != nil {
			return err
		}
		return storage.Instances.Put(tx, types.Instance{ID: "inst-1", AggregateID: "agg-1", LinkedHostID: "host-1"})
	}))

	orch := NewOrchestrator(db, rt, s)
	require.NoError(t, orch.EndBooking("agg-1"))

	status, err := orch.GetBookingStatus("agg-1")
	require.NoError(t, err)
	require.Equal(t, types.AggregateStateDone, status.Aggregate.State)
}

// waitForInstance polls storage for the first instance created against
// templateID, returning its ID once CreateBooking has seeded it.
func waitForInstance(t *testing.T, db *storage.DB, templateID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var found string
		_ = db.View(func(tx *storage.Tx) error {
			instances, err := storage.Instances.List(tx)
			if err != nil {
				return err
			}
			aggregates, err := storage.Aggregates.List(tx)
			if err != nil {
				return err
			}
			aggTemplates := make(map[string]string, len(aggregates))
			for _, agg := range aggregates {
				aggTemplates[agg.ID] = agg.TemplateID
			}
			for _, inst := range instances {
				if aggTemplates[inst.AggregateID] == templateID {
					found = inst.ID
					return nil
				}
			}
			return nil
		})
		if found != "" {
			return found
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instance for template never appeared")
	return ""
}
