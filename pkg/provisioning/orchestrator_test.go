package provisioning

import (
	"net"
	"testing"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

// acceptAndClose starts a listener that immediately closes every
// connection it accepts, returning its address and port.
func acceptAndClose(t *testing.T) (addr string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return ln.Addr().String(), tcpAddr.Port
}

func seedStaticLabWithOneHost(t *testing.T, db *storage.DB, ipmiAddr, osFQDN string) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		if err := storage.Labs.Put(tx, types.Lab{ID: "lab-1", Name: "static-lab", IsDynamic: false}); err != nil {
			return err
		}
		if err := storage.Flavors.Put(tx, types.Flavor{ID: "flavor-1", Name: "small"}); err != nil {
			return err
		}
		host := types.Host{ID: "host-1", Name: "host-1", LabID: "lab-1", FlavorID: "flavor-1", IPMIFQDN: ipmiAddr, FQDN: osFQDN}
		if err := storage.Hosts.Put(tx, host); err != nil {
			return err
		}
		if err := storage.ResourceHandles.Put(tx, types.ResourceHandle{ID: "handle-host-1", Kind: types.ResourceKindHost, LabID: "lab-1", ResourceID: "host-1"}); err != nil {
			return err
		}
		if err := storage.VLANs.Put(tx, types.VLAN{ID: "vlan-1", LabID: "lab-1", VlanID: 100}); err != nil {
			return err
		}
		return storage.ResourceHandles.Put(tx, types.ResourceHandle{ID: "handle-vlan-1", Kind: types.ResourceKindVLAN, LabID: "lab-1", ResourceID: "vlan-1"})
	}))
}

func TestActivateAggregateAllocatesAndDeploysSingleInstance(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	ipmiAddr := reachableListener(t)
	osAddr, osPort := acceptAndClose(t)
	osFQDN, _, err := net.SplitHostPort(osAddr)
	require.NoError(t, err)

	seedStaticLabWithOneHost(t, db, ipmiAddr, osFQDN)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		tmpl := types.Template{
			ID:              "tmpl-1",
			Name:            "single-node",
			LogicalNetworks: []types.Network{{Name: "mgmt100"}},
			HostConfigs:     []types.HostConfig{{FlavorName: "small", Image: "ubuntu-22.04"}},
		}
		if err := storage.Templates.Put(tx, tmpl); err != nil {
			return err
		}
		agg := types.Aggregate{
			ID: "agg-1", LabID: "lab-1", State: types.AggregateStateNew, TemplateID: "tmpl-1",
			IPMIUser: "owner", IPMIPass: "secret",
		}
		if err := storage.Aggregates.Put(tx, agg); err != nil {
			return err
		}
		inst := types.Instance{ID: "inst-1", AggregateID: "agg-1", HostConfig: types.HostConfig{FlavorName: "small", Image: "ubuntu-22.04"}}
		return storage.Instances.Put(tx, inst)
	}))

	go answerMailboxUsage(t, rt, "inst-1", usagePostImage, "image-complete")
	go answerMailboxUsage(t, rt, "inst-1", usagePostBoot, "booted")
	go answerMailboxUsage(t, rt, "inst-1", usagePostProvision, "provisioned")

	orch := NewOrchestrator(db, rt, s)
	orch.HostOSPort = osPort

	require.NoError(t, orch.ActivateAggregate("agg-1"))

	var (
		inst types.Instance
		agg  types.Aggregate
	)
	require.NoError(t, db.View(func(tx *storage.Tx) error {
		var err error
		inst, err = storage.Instances.Get(tx, "inst-1")
		if err != nil {
			return err
		}
		agg, err = storage.Aggregates.Get(tx, "agg-1")
		return err
	}))
	require.Equal(t, "host-1", inst.LinkedHostID)
	require.Equal(t, types.AggregateStateActive, agg.State)
	require.Equal(t, 100, agg.NetworkAssignment["mgmt100"])
	require.NotEmpty(t, inst.Events)
	require.Equal(t, types.SentimentSucceeded, inst.Events[len(inst.Events)-1].Sentiment)
	require.Contains(t, hm.calls, "create-local-user:owner")

	require.NoError(t, orch.TeardownAggregate("agg-1"))
	require.NoError(t, db.View(func(tx *storage.Tx) error {
		var err error
		agg, err = storage.Aggregates.Get(tx, "agg-1")
		return err
	}))
	require.Equal(t, types.AggregateStateDone, agg.State)
	require.Contains(t, hm.calls, "power-off")
}

func TestActivateAggregateFailsWhenNoHostAvailable(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		if err := storage.Labs.Put(tx, types.Lab{ID: "lab-1", Name: "empty-lab", IsDynamic: false}); err != nil {
			return err
		}
		tmpl := types.Template{
			ID: "tmpl-1", Name: "single-node",
			LogicalNetworks: []types.Network{{Name: "mgmt100"}},
			HostConfigs:     []types.HostConfig{{FlavorName: "small", Image: "ubuntu-22.04"}},
		}
		if err := storage.Templates.Put(tx, tmpl); err != nil {
			return err
		}
		agg := types.Aggregate{ID: "agg-2", LabID: "lab-1", State: types.AggregateStateNew, TemplateID: "tmpl-1"}
		if err := storage.Aggregates.Put(tx, agg); err != nil {
			return err
		}
		inst := types.Instance{ID: "inst-2", AggregateID: "agg-2", HostConfig: types.HostConfig{FlavorName: "small", Image: "ubuntu-22.04"}}
		return storage.Instances.Put(tx, inst)
	}))

	orch := NewOrchestrator(db, rt, s)
	err := orch.ActivateAggregate("agg-2")
	require.Error(t, err)
	var notAvail *ErrNoHostAvailable
	require.ErrorAs(t, err, &notAvail)
}
