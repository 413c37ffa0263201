package provisioning

import (
	"fmt"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/provisioning/hostmgmt"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
)

const (
	usagePreImage      = "pre_image"
	usagePostImage     = "post_image"
	usagePostBoot      = "post_boot"
	usagePostProvision = "post_provision"
)

const (
	postImageTimeout     = 35 * time.Minute
	postBootTimeout      = 10 * time.Minute
	postProvisionTimeout = 10 * time.Minute
	hostOSReachTimeout   = 5 * time.Minute
)

// deployHostTask drives one Instance from an allocated-but-bare host
// through a full netinstall to a reachable, production-networked
// machine, grounded on deploy_booking/deploy_host.rs's state walk.
// Its own Run loop implements the retry-from-top behavior spec.md
// describes, rather than relying on the scheduler to re-invoke it,
// since taskrun's RetryCount is a declared but not scheduler-enforced
// hook (see DESIGN.md).
type deployHostTask struct {
	InstanceID   string
	HostID       string
	AggregateID  string
	Image        string
	LabIsDynamic bool
	MgmtVLAN     int
	Retries      int // total attempts allowed; spec.md's "typically 3"
	// HostOSPort overrides the port WaitHostOSReachable dials (default
	// 22); tests point this at a fake listener instead of a real sshd.
	HostOSPort int

	rt *Runtime `json:"-"`
}

func (t deployHostTask) hostOSPort() int {
	if t.HostOSPort > 0 {
		return t.HostOSPort
	}
	return 22
}

func (deployHostTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.deploy-host", Version: 1}
}

func (t deployHostTask) Run(ctx *taskrun.Context) (any, *taskrun.TaskError) {
	retries := t.Retries
	if retries <= 0 {
		retries = 3
	}

	var lastErr *taskrun.TaskError
	for attempt := 1; attempt <= retries; attempt++ {
		t.logEvent(types.SentimentInProgress, "deploy-host", "starting attempt")
		if terr := t.runOnce(ctx); terr != nil {
			lastErr = terr
			t.logEvent(types.SentimentDegraded, "deploy-host", "attempt failed: "+terr.Error())
			log.WithComponent("provisioning").Warn().
				Str("instance_id", t.InstanceID).Int("attempt", attempt).Err(terr).
				Msg("deploy-host attempt failed, re-entering from top")
			continue
		}
		t.logEvent(types.SentimentSucceeded, "deploy-host", "instance deployed")
		return nil, nil
	}
	t.logEvent(types.SentimentFailed, "deploy-host", "exhausted retries")
	return nil, lastErr
}

// runOnce is one top-to-bottom pass of the state machine.
func (t deployHostTask) runOnce(ctx *taskrun.Context) *taskrun.TaskError {
	host, err := loadHost(t.rt.DB, t.HostID)
	if err != nil {
		return taskrun.Reason("load host %s: %v", t.HostID, err)
	}

	// Pre-provision: register every endpoint the host will call back on.
	preImageRecv, rerr := t.rt.Hooks.SetEndpointHook(t.InstanceID, usagePreImage)
	if rerr != nil {
		return taskrun.Reason("register pre_image endpoint: %v", rerr)
	}
	defer preImageRecv.Release()
	postImageRecv, rerr := t.rt.Hooks.SetEndpointHook(t.InstanceID, usagePostImage)
	if rerr != nil {
		return taskrun.Reason("register post_image endpoint: %v", rerr)
	}
	defer postImageRecv.Release()
	postBootRecv, rerr := t.rt.Hooks.SetEndpointHook(t.InstanceID, usagePostBoot)
	if rerr != nil {
		return taskrun.Reason("register post_boot endpoint: %v", rerr)
	}
	defer postBootRecv.Release()
	postProvisionRecv, rerr := t.rt.Hooks.SetEndpointHook(t.InstanceID, usagePostProvision)
	if rerr != nil {
		return taskrun.Reason("register post_provision endpoint: %v", rerr)
	}
	defer postProvisionRecv.Release()

	// Configure installer: kernel args, persistent network boot, power off to sync.
	if _, terr := ctx.Spawn(configureInstallerTask{
		InstanceID:    t.InstanceID,
		HostID:        t.HostID,
		Image:         t.Image,
		InboxUsage:    usagePostImage,
		PreImageUsage: usagePreImage,
		rt:            t.rt,
	}); terr != nil {
		return terr
	}
	if _, terr := ctx.Spawn(setBootTask{HostID: t.HostID, Persistent: true, Target: hostmgmt.BootNetwork, rt: t.rt}); terr != nil {
		return terr
	}
	if _, terr := ctx.Spawn(setPowerTask{HostID: t.HostID, Action: powerActionOff, rt: t.rt}); terr != nil {
		return terr
	}

	// Reboot boundary: the next steps observe effects of a power cycle
	// about to be issued, so replay must not rejoin a stale child.
	ctx.SetVolatile()

	// Power on, wait for installer.
	if _, terr := ctx.Spawn(setPowerTask{HostID: t.HostID, Action: powerActionOn, rt: t.rt}); terr != nil {
		return terr
	}
	if t.LabIsDynamic {
		if _, terr := ctx.Spawn(configureFabricTask{
			InstanceID: t.InstanceID, HostID: t.HostID, Mode: fabricModeMgmt, MgmtVLAN: t.MgmtVLAN, rt: t.rt,
		}); terr != nil {
			return terr
		}
	}
	if res := postImageRecv.WaitNext(postImageTimeout); res.Err != nil {
		return taskrun.Reason("waiting for post_image callback on instance %s: %v", t.InstanceID, res.Err)
	}
	t.logEvent(types.SentimentInProgress, "power-on-wait-installer", "post_image callback received")

	// Installed, reboot to disk.
	if _, terr := ctx.Spawn(setPowerTask{HostID: t.HostID, Action: powerActionOff, rt: t.rt}); terr != nil {
		return terr
	}
	if _, terr := ctx.Spawn(setBootTask{HostID: t.HostID, Persistent: true, Target: hostmgmt.BootDisk, rt: t.rt}); terr != nil {
		return terr
	}

	ctx.SetVolatile()

	if _, terr := ctx.Spawn(setPowerTask{HostID: t.HostID, Action: powerActionOn, rt: t.rt}); terr != nil {
		return terr
	}
	if res := postBootRecv.WaitNext(postBootTimeout); res.Err != nil {
		return taskrun.Reason("waiting for post_boot callback on instance %s: %v", t.InstanceID, res.Err)
	}
	t.logEvent(types.SentimentInProgress, "installed-reboot-to-disk", "post_boot callback received")

	// Apply production fabric.
	if t.LabIsDynamic {
		if _, terr := ctx.Spawn(configureFabricTask{
			InstanceID: t.InstanceID, HostID: t.HostID, Mode: fabricModeProduction, Persist: true, rt: t.rt,
		}); terr != nil {
			return terr
		}
	}
	if res := postProvisionRecv.WaitNext(postProvisionTimeout); res.Err != nil {
		return taskrun.Reason("waiting for post_provision callback on instance %s: %v", t.InstanceID, res.Err)
	}
	hostOSAddr := fmt.Sprintf("%s:%d", host.FQDN, t.hostOSPort())
	if _, terr := ctx.Spawn(waitHostOSReachableTask{Address: hostOSAddr, TimeoutSeconds: int(hostOSReachTimeout.Seconds())}); terr != nil {
		return terr
	}
	t.logEvent(types.SentimentInProgress, "apply-production-fabric", "host OS reachable")

	// Post-install.
	agg, aerr := t.loadAggregate()
	if aerr != nil {
		return taskrun.Reason("load aggregate %s: %v", t.AggregateID, aerr)
	}
	if _, terr := ctx.Spawn(createIPMIAccountTask{
		HostID: t.HostID, Username: agg.IPMIUser, Password: agg.IPMIPass, rt: t.rt,
	}); terr != nil {
		return terr
	}

	return nil
}

func (t deployHostTask) loadAggregate() (types.Aggregate, error) {
	var agg types.Aggregate
	err := t.rt.DB.View(func(tx *storage.Tx) error {
		var err error
		agg, err = storage.Aggregates.Get(tx, t.AggregateID)
		return err
	})
	return agg, err
}

// logEvent appends a structured provisioning event to the instance,
// best-effort: a logging failure must never fail the deploy itself.
func (t deployHostTask) logEvent(sentiment types.EventSentiment, phase, detail string) {
	_ = t.rt.DB.Update(func(tx *storage.Tx) error {
		inst, err := storage.Instances.Get(tx, t.InstanceID)
		if err != nil {
			return err
		}
		inst.Events = append(inst.Events, types.ProvisioningEvent{
			Phase: phase, Detail: detail, Sentiment: sentiment, Timestamp: time.Now(),
		})
		return storage.Instances.Put(tx, inst)
	})
}

func (deployHostTask) Timeout() time.Duration {
	return 3 * (postImageTimeout + postBootTimeout + postProvisionTimeout + hostOSReachTimeout + 10*time.Minute)
}

func (t deployHostTask) RetryCount() int { return t.Retries }

func (t deployHostTask) Summarize(id string) string {
	return "deploy-host " + t.InstanceID + " on " + t.HostID + " (" + id + ")"
}
