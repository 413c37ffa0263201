package provisioning

import (
	"time"

	"github.com/oshpc/laasd/pkg/provisioning/hostmgmt"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
)

// ipmiReachTimeout bounds how long SetPower/SetBoot wait for a host's
// out-of-band endpoint before giving up, matching the 120s the original
// grants set_boot's WaitReachable spawn.
const ipmiReachTimeout = 120 * time.Second

func loadHost(db *storage.DB, hostID string) (types.Host, error) {
	var h types.Host
	err := db.View(func(tx *storage.Tx) error {
		var err error
		h, err = storage.Hosts.Get(tx, hostID)
		return err
	})
	return h, err
}

// powerAction is the closed set of chassis power operations SetPower
// drives a host through.
type powerAction string

const (
	powerActionOn    powerAction = "on"
	powerActionOff   powerAction = "off"
	powerActionReset powerAction = "reset"
)

// setPowerTask drives a host's chassis power state via the runtime's
// HostManagement dispatcher, first confirming the out-of-band endpoint
// is reachable, mirroring SetBoot's own reachability gate.
type setPowerTask struct {
	HostID string
	Action powerAction
	// ReachTimeoutSeconds overrides ipmiReachTimeout when non-zero; tests
	// use this to shorten an expected-unreachable case instead of waiting
	// out the production default.
	ReachTimeoutSeconds int

	rt *Runtime `json:"-"`
}

func (setPowerTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.set-power", Version: 1}
}

func (t setPowerTask) reachTimeout() time.Duration {
	if t.ReachTimeoutSeconds > 0 {
		return time.Duration(t.ReachTimeoutSeconds) * time.Second
	}
	return ipmiReachTimeout
}

func (t setPowerTask) Run(ctx *taskrun.Context) (any, *taskrun.TaskError) {
	host, err := loadHost(t.rt.DB, t.HostID)
	if err != nil {
		return nil, taskrun.Reason("load host %s: %v", t.HostID, err)
	}

	if _, terr := ctx.Spawn(waitReachableTask{Endpoint: host.IPMIFQDN, TimeoutSeconds: int(t.reachTimeout().Seconds())}); terr != nil {
		return nil, terr
	}

	var opErr error
	switch t.Action {
	case powerActionOn:
		opErr = t.rt.HostMgmt.PowerOn(host)
	case powerActionOff:
		opErr = t.rt.HostMgmt.PowerOff(host)
	case powerActionReset:
		opErr = t.rt.HostMgmt.PowerReset(host)
	default:
		return nil, taskrun.Internal("set-power: unknown action " + string(t.Action))
	}
	if opErr != nil {
		return nil, taskrun.Reason("set power %s on host %s: %v", t.Action, t.HostID, opErr)
	}
	return nil, nil
}

func (t setPowerTask) Timeout() time.Duration { return t.reachTimeout() + 30*time.Second }
func (setPowerTask) RetryCount() int          { return 1 }
func (t setPowerTask) Summarize(id string) string {
	return "set-power " + string(t.Action) + " on " + t.HostID + " (" + id + ")"
}

// setBootTask reorders a host's boot target via the runtime's
// HostManagement dispatcher, which itself branches between iLO and
// ipmitool by host architecture.
type setBootTask struct {
	HostID     string
	Persistent bool
	Target     hostmgmt.BootTarget
	// ReachTimeoutSeconds overrides ipmiReachTimeout when non-zero; see
	// setPowerTask.
	ReachTimeoutSeconds int

	rt *Runtime `json:"-"`
}

func (setBootTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.set-boot", Version: 1}
}

func (t setBootTask) reachTimeout() time.Duration {
	if t.ReachTimeoutSeconds > 0 {
		return time.Duration(t.ReachTimeoutSeconds) * time.Second
	}
	return ipmiReachTimeout
}

func (t setBootTask) Run(ctx *taskrun.Context) (any, *taskrun.TaskError) {
	host, err := loadHost(t.rt.DB, t.HostID)
	if err != nil {
		return nil, taskrun.Reason("load host %s: %v", t.HostID, err)
	}

	if _, terr := ctx.Spawn(waitReachableTask{Endpoint: host.IPMIFQDN, TimeoutSeconds: int(t.reachTimeout().Seconds())}); terr != nil {
		return nil, terr
	}

	var bootErr error
	if t.Persistent {
		bootErr = t.rt.HostMgmt.SetPersistentBootOrder(host, t.Target)
	} else {
		bootErr = t.rt.HostMgmt.SetOneTimeBoot(host, t.Target)
	}
	if bootErr != nil {
		return nil, taskrun.Reason("set boot target %s (persistent=%v) on host %s: %v", t.Target, t.Persistent, t.HostID, bootErr)
	}
	return nil, nil
}

func (t setBootTask) Timeout() time.Duration { return t.reachTimeout() + 30*time.Second }
func (setBootTask) RetryCount() int          { return 1 }
func (t setBootTask) Summarize(id string) string {
	return "set-boot " + string(t.Target) + " on " + t.HostID + " (" + id + ")"
}

// createIPMIAccountTask provisions a local management-controller account
// on the host, used post-install to hand the booking owner a credential
// distinct from the lab-wide administrative account.
type createIPMIAccountTask struct {
	HostID   string
	Username string
	Password string

	rt *Runtime `json:"-"`
}

func (createIPMIAccountTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.create-ipmi-account", Version: 1}
}

func (t createIPMIAccountTask) Run(*taskrun.Context) (any, *taskrun.TaskError) {
	host, err := loadHost(t.rt.DB, t.HostID)
	if err != nil {
		return nil, taskrun.Reason("load host %s: %v", t.HostID, err)
	}
	if err := t.rt.HostMgmt.CreateLocalUser(host, t.Username, t.Password); err != nil {
		return nil, taskrun.Reason("create ipmi account on host %s: %v", t.HostID, err)
	}
	return nil, nil
}

func (createIPMIAccountTask) Timeout() time.Duration { return 60 * time.Second }
func (createIPMIAccountTask) RetryCount() int         { return 2 }
func (t createIPMIAccountTask) Summarize(id string) string {
	return "create-ipmi-account " + t.Username + " on " + t.HostID + " (" + id + ")"
}
