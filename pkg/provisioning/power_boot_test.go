package provisioning

import (
	"net"
	"testing"

	"github.com/oshpc/laasd/pkg/allocator"
	"github.com/oshpc/laasd/pkg/cobbler"
	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/provisioning/hostmgmt"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeHostManagement is an in-memory HostManagement used across this
// package's tests, recording every call it receives.
type fakeHostManagement struct {
	calls []string
	fail  map[string]bool
}

func newFakeHostManagement() *fakeHostManagement {
	return &fakeHostManagement{fail: map[string]bool{}}
}

func (f *fakeHostManagement) record(name string) error {
	f.calls = append(f.calls, name)
	if f.fail[name] {
		return errFakeHostMgmt(name)
	}
	return nil
}

type errFakeHostMgmt string

func (e errFakeHostMgmt) Error() string { return "fake hostmgmt failure: " + string(e) }

func (f *fakeHostManagement) PowerOn(types.Host) error  { return f.record("power-on") }
func (f *fakeHostManagement) PowerOff(types.Host) error { return f.record("power-off") }
func (f *fakeHostManagement) PowerReset(types.Host) error {
	return f.record("power-reset")
}
func (f *fakeHostManagement) PowerQuery(types.Host) (hostmgmt.PowerState, error) {
	return hostmgmt.PowerOn, f.record("power-query")
}
func (f *fakeHostManagement) SetPersistentBootOrder(_ types.Host, target hostmgmt.BootTarget) error {
	return f.record("set-persistent-boot:" + string(target))
}
func (f *fakeHostManagement) SetOneTimeBoot(_ types.Host, target hostmgmt.BootTarget) error {
	return f.record("set-one-time-boot:" + string(target))
}
func (f *fakeHostManagement) CreateLocalUser(_ types.Host, username, _ string) error {
	return f.record("create-local-user:" + username)
}

// newTestScheduler spins up a scheduler over a fresh on-disk store and
// a Runtime wired to hm, returning both for the caller to seed hosts
// and submit tasks against.
func newTestScheduler(t *testing.T, hm hostmgmt.HostManagement) (*storage.DB, *Runtime, *taskrun.Scheduler) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mb := mailbox.New()
	fb := fabric.New(db, fabric.Registry{})
	rt := NewRuntime(db, allocator.New(db), hm, mb, fb, cobbler.NewGrubPusher(), InstallerConfig{MailboxExternalURL: "http://mailbox.example"})

	s := taskrun.New(db)
	s.Start()
	t.Cleanup(s.Stop)
	return db, rt, s
}

// reachableListener starts a TCP listener that immediately closes every
// connection it accepts, standing in for a reachable IPMI endpoint.
func reachableListener(t *testing.T) string {
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
	return ln.Addr().String()
}

func seedHost(t *testing.T, db *storage.DB, host types.Host) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		return storage.Hosts.Put(tx, host)
	}))
}

func TestSetPowerTaskDrivesHostManagementAfterReachabilityCheck(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	host := types.Host{ID: "host-1", IPMIFQDN: reachableListener(t)}
	seedHost(t, db, host)

	_, terr := s.Run(setPowerTask{HostID: "host-1", Action: powerActionOn, rt: rt})
	require.Nil(t, terr)
	require.Contains(t, hm.calls, "power-on")
}

func TestSetBootTaskSetsPersistentBootOrder(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	host := types.Host{ID: "host-1", IPMIFQDN: reachableListener(t)}
	seedHost(t, db, host)

	_, terr := s.Run(setBootTask{HostID: "host-1", Persistent: true, Target: hostmgmt.BootNetwork, rt: rt})
	require.Nil(t, terr)
	require.Contains(t, hm.calls, "set-persistent-boot:network")
}

func TestSetPowerTaskFailsWhenIPMIUnreachable(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	host := types.Host{ID: "host-1", IPMIFQDN: "127.0.0.1:1"}
	seedHost(t, db, host)

	task := setPowerTask{HostID: "host-1", Action: powerActionOn, ReachTimeoutSeconds: 1, rt: rt}
	_, terr := s.Run(task)
	require.NotNil(t, terr)
	require.NotContains(t, hm.calls, "power-on")
}

func TestCreateIPMIAccountTaskCallsCreateLocalUser(t *testing.T) {
	hm := newFakeHostManagement()
	db, rt, s := newTestScheduler(t, hm)

	host := types.Host{ID: "host-1"}
	seedHost(t, db, host)

	_, terr := s.Run(createIPMIAccountTask{HostID: "host-1", Username: "booking-owner", Password: "hunter2", rt: rt})
	require.Nil(t, terr)
	require.Contains(t, hm.calls, "create-local-user:booking-owner")
}
