package provisioning

import (
	"encoding/json"

	"github.com/oshpc/laasd/pkg/allocator"
	"github.com/oshpc/laasd/pkg/cobbler"
	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/provisioning/hostmgmt"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
)

// InstallerConfig carries the settings ConfigureInstaller needs to reach
// the cobbler host and to address the instance's mailbox callbacks;
// the Go counterpart of config::CobblerConfig's ssh block plus
// settings::mailbox.
type InstallerConfig struct {
	MailboxExternalURL string
	SSH                 cobbler.SSHConfig
	// PushGrubOverride, when true, stages and installs a grub config for
	// distros cobbler cannot template on its own (see cobbler.GrubPusher).
	PushGrubOverride bool
	GrubTemplate     string
}

// Runtime is the set of live dependencies every provisioning task needs,
// held by the process's single Runtime instance and closed over by the
// factories Register binds at construction time rather than at
// package-init time, since these dependencies (the store, the
// dispatcher, the mailbox) don't exist until main wires them up.
type Runtime struct {
	DB         *storage.DB
	Allocator  *allocator.Allocator
	HostMgmt   hostmgmt.HostManagement
	Mailbox    *mailbox.Mailbox
	Hooks      *mailbox.Hooks
	Fabric     *fabric.Configurator
	Grub       *cobbler.GrubPusher
	Installer  InstallerConfig
}

// NewRuntime builds a Runtime and registers every task type this
// package defines against taskrun's global registry, bound to this
// Runtime's dependencies. Call once per process, before Scheduler.Start.
func NewRuntime(
	db *storage.DB,
	alloc *allocator.Allocator,
	hm hostmgmt.HostManagement,
	mb *mailbox.Mailbox,
	fb *fabric.Configurator,
	grub *cobbler.GrubPusher,
	installer InstallerConfig,
) *Runtime {
	rt := &Runtime{
		DB:        db,
		Allocator: alloc,
		HostMgmt:  hm,
		Mailbox:   mb,
		Hooks:     mailbox.NewHooks(db, mb),
		Fabric:    fb,
		Grub:      grub,
		Installer: installer,
	}
	rt.register()
	return rt
}

func (rt *Runtime) register() {
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.set-power", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t setPowerTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		t.rt = rt
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.set-boot", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t setBootTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		t.rt = rt
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.create-ipmi-account", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t createIPMIAccountTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		t.rt = rt
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.wait-reachable", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t waitReachableTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.wait-host-os-reachable", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t waitHostOSReachableTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.configure-installer", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t configureInstallerTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		t.rt = rt
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.configure-fabric", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t configureFabricTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		t.rt = rt
		return t, nil
	})
	taskrun.Register(taskrun.TaskIdentifier{Name: "provisioning.deploy-host", Version: 1}, func(params json.RawMessage) (taskrun.Task, error) {
		var t deployHostTask
		if err := json.Unmarshal(params, &t); err != nil {
			return nil, err
		}
		t.rt = rt
		return t, nil
	})
}
