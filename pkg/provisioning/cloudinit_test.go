package provisioning

import (
	"net"
	"testing"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCloudInitResolverDocsForIncludesLinkedHostPorts(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, _ := newTestScheduler(t, hm)

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		if err := storage.Hosts.Put(tx, types.Host{
			ID: "host-1", Name: "host-1",
			Ports: []types.HostPort{{Name: "eth0", MAC: mac}},
		}); err != nil {
			return err
		}
		return storage.Instances.Put(tx, types.Instance{
			ID:           "inst-1",
			LinkedHostID: "host-1",
			HostConfig:   types.HostConfig{CIOverride: map[string]string{"/etc/motd": "hi"}},
		})
	}))

	resolver := NewCloudInitResolver(db, rt)
	docs, err := resolver.DocsFor("inst-1")
	require.NoError(t, err)
	require.Equal(t, "host-1", docs.Hostname)
	require.Len(t, docs.Ports, 1)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", docs.Ports[0].MAC)
	require.Equal(t, "hi", docs.CIOverride["/etc/motd"])
}

func TestCloudInitResolverPostProvisionEndpointMissingReturnsFalse(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, _ := newTestScheduler(t, hm)
	resolver := NewCloudInitResolver(db, rt)

	_, ok := resolver.PostProvisionEndpoint("no-such-instance")
	require.False(t, ok)
}
