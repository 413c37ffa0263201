package api

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oshpc/laasd/pkg/allocator"
	"github.com/oshpc/laasd/pkg/cobbler"
	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/notify"
	"github.com/oshpc/laasd/pkg/provisioning"
	"github.com/oshpc/laasd/pkg/provisioning/hostmgmt"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

type noopHostManagement struct{}

func (noopHostManagement) PowerOn(types.Host) error  { return nil }
func (noopHostManagement) PowerOff(types.Host) error { return nil }
func (noopHostManagement) PowerReset(types.Host) error {
	return nil
}
func (noopHostManagement) PowerQuery(types.Host) (hostmgmt.PowerState, error) {
	return hostmgmt.PowerOff, nil
}
func (noopHostManagement) SetPersistentBootOrder(types.Host, hostmgmt.BootTarget) error { return nil }
func (noopHostManagement) SetOneTimeBoot(types.Host, hostmgmt.BootTarget) error         { return nil }
func (noopHostManagement) CreateLocalUser(types.Host, string, string) error             { return nil }

// fakeSender records every notification it's asked to deliver instead
// of sending it.
type fakeSender struct {
	to, subject, body string
}

func (f *fakeSender) Send(to, subject, body string) error {
	f.to, f.subject, f.body = to, subject, body
	return nil
}

// testServer bundles a running Server with the dependencies its tests
// need to seed fixtures and assert side effects.
type testServer struct {
	srv    *httptest.Server
	db     *storage.DB
	rt     *provisioning.Runtime
	orch   *provisioning.Orchestrator
	sender *fakeSender
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mb := mailbox.New()
	fb := fabric.New(db, fabric.Registry{})
	rt := provisioning.NewRuntime(db, allocator.New(db), noopHostManagement{}, mb, fb,
		cobbler.NewGrubPusher(), provisioning.InstallerConfig{MailboxExternalURL: "http://mailbox.example"})

	scheduler := taskrun.New(db)
	scheduler.Start()
	t.Cleanup(scheduler.Stop)

	orch := provisioning.NewOrchestrator(db, rt, scheduler)

	templatesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, notify.TemplateBookingExpiring),
		[]byte("Booking {{.AggregateID}} expiring at {{.End}}"), 0o644))
	sender := &fakeSender{}
	notifier := notify.New(templatesDir, sender, "admin@example.com")

	srv := httptest.NewServer(New(orch, notifier).Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, db: db, rt: rt, orch: orch, sender: sender}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.srv.URL+"/health", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// reachableListener starts a TCP listener that immediately closes
// every connection it accepts, standing in for a reachable IPMI
// endpoint so waitReachableTask's dial loop succeeds on its first try.
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

func answerMailboxUsage(t *testing.T, rt *provisioning.Runtime, instanceID, usage, body string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ep, err := rt.Hooks.GetEndpointHook(instanceID, usage)
		if err == nil {
			rt.Mailbox.Push(ep, body)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("usage %q never registered for instance %s", usage, instanceID)
}

func waitForFirstInstance(t *testing.T, db *storage.DB) types.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var found types.Instance
		var ok bool
		_ = db.View(func(tx *storage.Tx) error {
			instances, err := storage.Instances.List(tx)
			if err != nil {
				return err
			}
			if len(instances) > 0 {
				found, ok = instances[0], true
			}
			return nil
		})
		if ok {
			return found
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no instance appeared")
	return types.Instance{}
}

func TestHandleCreateTemplateAndBookingLifecycle(t *testing.T) {
	ts := newTestServer(t)

	ipmiAddr := reachableListener(t)
	osLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = osLn.Close() })
	go func() {
		for {
			c, err := osLn.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	osAddr := osLn.Addr().(*net.TCPAddr)
	ts.orch.HostOSPort = osAddr.Port

	require.NoError(t, ts.db.Update(func(tx *storage.Tx) error {
		if err := storage.Labs.Put(tx, types.Lab{ID: "lab-1", IsDynamic: false}); err != nil {
			return err
		}
		if err := storage.Flavors.Put(tx, types.Flavor{ID: "flavor-1", Name: "small"}); err != nil {
			return err
		}
		if err := storage.Hosts.Put(tx, types.Host{
			ID: "host-1", LabID: "lab-1", FlavorID: "flavor-1", IPMIFQDN: ipmiAddr, FQDN: "127.0.0.1",
		}); err != nil {
			return err
		}
		return storage.ResourceHandles.Put(tx, types.ResourceHandle{
			ID: "handle-host-1", Kind: types.ResourceKindHost, LabID: "lab-1", ResourceID: "host-1",
		})
	}))

	resp := doJSON(t, http.MethodPost, ts.srv.URL+"/templates", types.Template{
		Name:        "single-node",
		HostConfigs: []types.HostConfig{{FlavorName: "small", Image: "ubuntu-22.04"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tmpl types.Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tmpl))
	resp.Body.Close()
	require.NotEmpty(t, tmpl.ID)

	type bookingResult struct {
		resp *http.Response
	}
	resultCh := make(chan bookingResult, 1)
	go func() {
		resp := doJSON(t, http.MethodPost, ts.srv.URL+"/bookings", provisioning.BookingRequest{
			LabID: "lab-1", TemplateID: tmpl.ID, Owner: "alice", End: time.Now().Add(time.Hour),
		})
		resultCh <- bookingResult{resp}
	}()

	inst := waitForFirstInstance(t, ts.db)
	go answerMailboxUsage(t, ts.rt, inst.ID, "post_image", "image-complete")
	go answerMailboxUsage(t, ts.rt, inst.ID, "post_boot", "booted")
	go answerMailboxUsage(t, ts.rt, inst.ID, "post_provision", "provisioned")

	var result bookingResult
	select {
	case result = <-resultCh:
	case <-time.After(10 * time.Second):
		t.Fatal("booking request did not return in time")
	}
	defer result.resp.Body.Close()
	require.Equal(t, http.StatusCreated, result.resp.StatusCode)
}

func TestHandleBookingStatusNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.srv.URL+"/bookings/no-such-aggregate", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleExtendBooking(t *testing.T) {
	ts := newTestServer(t)
	end := time.Now()
	require.NoError(t, ts.db.Update(func(tx *storage.Tx) error {
		return storage.Aggregates.Put(tx, types.Aggregate{ID: "agg-1", End: end})
	}))

	newEnd := end.Add(24 * time.Hour)
	resp := doJSON(t, http.MethodPost, ts.srv.URL+"/bookings/agg-1/extend", extendRequest{NewEnd: newEnd})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var agg types.Aggregate
	require.NoError(t, ts.db.View(func(tx *storage.Tx) error {
		var err error
		agg, err = storage.Aggregates.Get(tx, "agg-1")
		return err
	}))
	require.True(t, agg.End.Equal(newEnd))
}

func TestHandleEndBooking(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.db.Update(func(tx *storage.Tx) error {
		return storage.Aggregates.Put(tx, types.Aggregate{ID: "agg-1", State: types.AggregateStateActive})
	}))

	resp := doJSON(t, http.MethodDelete, ts.srv.URL+"/bookings/agg-1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var agg types.Aggregate
	require.NoError(t, ts.db.View(func(tx *storage.Tx) error {
		var err error
		agg, err = storage.Aggregates.Get(tx, "agg-1")
		return err
	}))
	require.Equal(t, types.AggregateStateDone, agg.State)
}

func TestHandleNotifyExpiringSendsEmail(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.db.Update(func(tx *storage.Tx) error {
		return storage.Aggregates.Put(tx, types.Aggregate{ID: "agg-1", Owner: "alice@example.com", End: time.Now()})
	}))

	resp := doJSON(t, http.MethodPost, ts.srv.URL+"/bookings/agg-1/notify-expiring", notifyExpiringRequest{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "alice@example.com", ts.sender.to)
}

func TestHandlePowerRejectsUnknownAction(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.db.Update(func(tx *storage.Tx) error {
		return storage.Instances.Put(tx, types.Instance{ID: "inst-1", LinkedHostID: "host-1"})
	}))

	resp := doJSON(t, http.MethodPost, ts.srv.URL+"/instances/inst-1/power", powerRequest{Action: "levitate"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleUnknownRouteNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.srv.URL+"/bookings/agg-1/bogus", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
