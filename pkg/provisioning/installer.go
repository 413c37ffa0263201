package provisioning

import (
	"time"

	"github.com/oshpc/laasd/pkg/cobbler"
	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/taskrun"
)

// configureInstallerTask builds the netinstall kernel-argument set for
// one instance and, if the runtime's InstallerConfig calls for it,
// pushes a templated grub override to the cobbler host. It does not
// drive cobbler's own profile sync API: see DESIGN.md for why that
// surface isn't wired.
type configureInstallerTask struct {
	InstanceID string
	HostID     string
	Image      string
	// InboxUsage is the mailbox usage key the kernel's post-install-cinit
	// hook reports back to; spec.md's workflow points this at the
	// post_image endpoint, not the earlier pre_image one.
	InboxUsage    string
	PreImageUsage string

	rt *Runtime `json:"-"`
}

func (configureInstallerTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.configure-installer", Version: 1}
}

func (t configureInstallerTask) Run(*taskrun.Context) (any, *taskrun.TaskError) {
	inbox, err := t.rt.Hooks.GetEndpointHook(t.InstanceID, t.InboxUsage)
	if err != nil {
		return nil, taskrun.Reason("resolve inbox endpoint for instance %s: %v", t.InstanceID, err)
	}
	var preImage mailbox.Endpoint
	if t.PreImageUsage != "" {
		preImage, err = t.rt.Hooks.GetEndpointHook(t.InstanceID, t.PreImageUsage)
		if err != nil {
			return nil, taskrun.Reason("resolve pre-image endpoint for instance %s: %v", t.InstanceID, err)
		}
	}

	cfg := cobbler.New(t.Image, t.InstanceID, t.rt.Installer.MailboxExternalURL, inbox, preImage)
	log.WithComponent("provisioning").Info().
		Str("instance_id", t.InstanceID).Str("kernel_args", cfg.String()).
		Msg("configured installer kernel arguments")

	if t.rt.Installer.PushGrubOverride && t.rt.Grub != nil {
		host, herr := loadHost(t.rt.DB, t.HostID)
		if herr != nil {
			return nil, taskrun.Reason("load host %s: %v", t.HostID, herr)
		}
		if err := t.rt.Grub.OverrideSystemGrubConfig(t.rt.Installer.SSH, host, t.rt.Installer.GrubTemplate); err != nil {
			return nil, taskrun.Reason("push grub override for host %s: %v", t.HostID, err)
		}
	}

	return cfg.String(), nil
}

func (configureInstallerTask) Timeout() time.Duration { return 60 * time.Second }
func (configureInstallerTask) RetryCount() int         { return 2 }
func (t configureInstallerTask) Summarize(id string) string {
	return "configure-installer " + t.InstanceID + " (" + id + ")"
}
