package provisioning

import (
	"fmt"

	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/storage"
)

// CloudInitResolver implements pkg/mailbox/httpapi's CloudInitSource
// against this package's storage rows, the glue cmd/laasd wires
// between the two packages so httpapi never has to import
// pkg/provisioning directly.
type CloudInitResolver struct {
	db *storage.DB
	rt *Runtime
}

// NewCloudInitResolver builds a CloudInitResolver over db and rt.
func NewCloudInitResolver(db *storage.DB, rt *Runtime) *CloudInitResolver {
	return &CloudInitResolver{db: db, rt: rt}
}

// DocsFor resolves the data mailbox.CloudInitDocs needs to render
// instanceID's four cloud-init documents: its host configuration plus
// the physical ports of whatever host it was allocated.
func (c *CloudInitResolver) DocsFor(instanceID string) (mailbox.CloudInitDocs, error) {
	var docs mailbox.CloudInitDocs
	err := c.db.View(func(tx *storage.Tx) error {
		inst, err := storage.Instances.Get(tx, instanceID)
		if err != nil {
			return err
		}
		hostname := inst.HostConfig.Hostname
		var ports []mailbox.HostPort
		if inst.LinkedHostID != "" {
			host, err := storage.Hosts.Get(tx, inst.LinkedHostID)
			if err != nil {
				return err
			}
			if hostname == "" {
				hostname = host.Name
			}
			for _, p := range host.Ports {
				ports = append(ports, mailbox.HostPort{Name: p.Name, MAC: p.MAC.String()})
			}
		}
		docs = mailbox.CloudInitDocs{
			InstanceID: instanceID,
			Hostname:   hostname,
			CIOverride: inst.HostConfig.CIOverride,
			Ports:      ports,
			BondGroups: inst.HostConfig.BondGroups,
		}
		return nil
	})
	if err != nil {
		return mailbox.CloudInitDocs{}, fmt.Errorf("provisioning: resolve cloud-init docs for %s: %w", instanceID, err)
	}
	return docs, nil
}

// PostProvisionEndpoint returns the currently registered post-provision
// mailbox endpoint for instanceID, if one has been set by the deploy
// task tree.
func (c *CloudInitResolver) PostProvisionEndpoint(instanceID string) (mailbox.Endpoint, bool) {
	ep, err := c.rt.Hooks.GetEndpointHook(instanceID, usagePostProvision)
	if err != nil {
		return mailbox.Endpoint{}, false
	}
	return ep, true
}
