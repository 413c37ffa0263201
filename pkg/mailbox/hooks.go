package mailbox

import (
	"sort"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

// Hooks binds a Mailbox to the durable instance table so endpoints
// survive a process restart (the instance's metadata always reflects
// which endpoints are currently live, for diagnostic overrides) and so
// a fresh usage hook always wins over a stale one (P7).
type Hooks struct {
	db *storage.DB
	mb *Mailbox
}

// NewHooks returns a Hooks bound to db and mb.
func NewHooks(db *storage.DB, mb *Mailbox) *Hooks {
	return &Hooks{db: db, mb: mb}
}

// SetEndpointHook registers a fresh endpoint for instance under usage,
// overwriting any endpoint previously registered under the same usage,
// and returns a Receiver bound to it. Because the new endpoint carries
// a brand new token, a push bearing the old token can never satisfy a
// wait on the new receiver (P7).
func (h *Hooks) SetEndpointHook(instanceID, usage string) (*Receiver, error) {
	ep := NewEndpoint(instanceID)

	err := h.db.Update(func(tx *storage.Tx) error {
		inst, err := storage.Instances.Get(tx, instanceID)
		if err != nil {
			return err
		}
		if inst.MailboxEndpoints == nil {
			inst.MailboxEndpoints = make(map[string]types.MailboxEndpointRef)
		}
		inst.MailboxEndpoints[usage] = types.MailboxEndpointRef{
			InstanceID: instanceID,
			Token:      ep.Token,
			Usage:      usage,
		}
		return storage.Instances.Put(tx, inst)
	})
	if err != nil {
		return nil, err
	}

	return h.mb.WaiterFor(ep), nil
}

// GetEndpointHook returns the currently registered endpoint for
// instance/usage.
func (h *Hooks) GetEndpointHook(instanceID, usage string) (Endpoint, error) {
	var ep Endpoint
	err := h.db.View(func(tx *storage.Tx) error {
		inst, err := storage.Instances.Get(tx, instanceID)
		if err != nil {
			return err
		}
		ref, ok := inst.MailboxEndpoints[usage]
		if !ok {
			return ErrNoSuchHook
		}
		ep = Endpoint{InstanceID: ref.InstanceID, Token: ref.Token}
		return nil
	})
	return ep, err
}

// LiveHooks returns the usage strings currently registered against
// instance, sorted for deterministic diagnostic output.
func (h *Hooks) LiveHooks(instanceID string) ([]string, error) {
	var usages []string
	err := h.db.View(func(tx *storage.Tx) error {
		inst, err := storage.Instances.Get(tx, instanceID)
		if err != nil {
			return err
		}
		for usage := range inst.MailboxEndpoints {
			usages = append(usages, usage)
		}
		return nil
	})
	sort.Strings(usages)
	return usages, err
}

// DoneEndpointHook clears the registered hook for usage once its
// receiver has been released, so a later LiveHooks call doesn't report
// an endpoint that can no longer wake anyone.
func (h *Hooks) DoneEndpointHook(instanceID, usage string) error {
	return h.db.Update(func(tx *storage.Tx) error {
		inst, err := storage.Instances.Get(tx, instanceID)
		if err != nil {
			return err
		}
		delete(inst.MailboxEndpoints, usage)
		return storage.Instances.Put(tx, inst)
	})
}
