// Package cobbler builds the kernel-argument set the netinstall image
// boots with and pushes distro-specific grub overrides cobbler itself
// cannot template, grounded on cobbler.rs.
package cobbler

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oshpc/laasd/pkg/mailbox"
)

// KernelArg is one ordered kernel command-line argument, kept as an
// ordered pair (rather than a map) because cobbler renders them in the
// order given and a provision_id/post-install-cinit pair repeated out
// of order would still parse but reads oddly in the generated config.
type KernelArg struct {
	Key   string
	Value string
}

// Config is the cobbler-facing description of one instance's install:
// its kernel arguments and the cobbler-side image name to net-install
// from.
type Config struct {
	KernelArgs []KernelArg
	Image      string
}

// New builds a Config for one instance's install. inboxEndpoint is the
// mailbox endpoint the installer environment pushes early boot events
// to; preImageEndpoint, if set, is the endpoint the installer reports
// readiness-for-image on before the final OS image is laid down.
// Either may be the zero Endpoint to omit that kernel argument, mirroring
// the original's Option<Endpoint> parameters.
func New(imageCobblerName, instanceID, mailboxExternalURL string, inboxEndpoint, preImageEndpoint mailbox.Endpoint) Config {
	args := []KernelArg{
		{Key: "post-install-cinit", Value: fmt.Sprintf("%s/%s", strings.TrimSuffix(mailboxExternalURL, "/"), instanceID)},
		{Key: "provision_id", Value: uuid.NewString()},
	}

	if inboxEndpoint != (mailbox.Endpoint{}) {
		args = append(args, KernelArg{Key: "inbox_target", Value: inboxEndpoint.PushURL(mailboxExternalURL)})
	}
	if preImageEndpoint != (mailbox.Endpoint{}) {
		args = append(args, KernelArg{Key: "pre_image_target", Value: preImageEndpoint.PushURL(mailboxExternalURL)})
	}

	return Config{KernelArgs: args, Image: imageCobblerName}
}

// String renders the kernel arguments as a single space-separated
// "key=value" command line, the form cobbler's profile template
// splices into the boot loader entry.
func (c Config) String() string {
	parts := make([]string, len(c.KernelArgs))
	for i, a := range c.KernelArgs {
		parts[i] = fmt.Sprintf("%s=%s", a.Key, a.Value)
	}
	return strings.Join(parts, " ")
}
