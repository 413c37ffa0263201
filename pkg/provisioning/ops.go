package provisioning

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

// CreateTemplate persists tmpl, generating an ID if the caller left it
// blank, for pkg/api's template-creation endpoint.
func (o *Orchestrator) CreateTemplate(tmpl types.Template) (types.Template, error) {
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	tmpl.CreatedAt = time.Now()
	err := o.db.Update(func(tx *storage.Tx) error {
		return storage.Templates.Put(tx, tmpl)
	})
	if err != nil {
		return types.Template{}, fmt.Errorf("provisioning: create template: %w", err)
	}
	return tmpl, nil
}

// BookingRequest is the caller-supplied shape of a new booking, naming
// the template to realize and the lab-scoped bookkeeping fields a
// booking needs before allocation can run.
type BookingRequest struct {
	LabID      string
	TemplateID string
	Owner      string
	Purpose    string
	UserList   []string
	End        time.Time
}

// CreateBooking realizes templateID as a new Aggregate in lab labID:
// it builds the Aggregate row (New state, a fresh IPMI credential
// pair) and one Instance per the template's host configurations, then
// calls ActivateAggregate to allocate resources and bring it to
// Active. This is pkg/api's create-booking endpoint, spec.md §6's
// "create booking" dashboard operation.
func (o *Orchestrator) CreateBooking(req BookingRequest) (types.Aggregate, error) {
	var tmpl types.Template
	if err := o.db.View(func(tx *storage.Tx) error {
		var err error
		tmpl, err = storage.Templates.Get(tx, req.TemplateID)
		return err
	}); err != nil {
		return types.Aggregate{}, fmt.Errorf("provisioning: load template %s: %w", req.TemplateID, err)
	}

	ipmiPass, err := generateCredential()
	if err != nil {
		return types.Aggregate{}, fmt.Errorf("provisioning: generate ipmi credential: %w", err)
	}

	agg := types.Aggregate{
		ID:         uuid.NewString(),
		LabID:      req.LabID,
		State:      types.AggregateStateNew,
		UserList:   req.UserList,
		TemplateID: req.TemplateID,
		Owner:      req.Owner,
		Purpose:    req.Purpose,
		Start:      time.Now(),
		End:        req.End,
		IPMIUser:   "booking-" + uuid.NewString()[:8],
		IPMIPass:   ipmiPass,
		CreatedAt:  time.Now(),
	}

	err = o.db.Update(func(tx *storage.Tx) error {
		if err := storage.Aggregates.Put(tx, agg); err != nil {
			return err
		}
		for _, hc := range tmpl.HostConfigs {
			inst := types.Instance{
				ID:          uuid.NewString(),
				AggregateID: agg.ID,
				HostConfig:  hc,
				CreatedAt:   time.Now(),
			}
			if err := storage.Instances.Put(tx, inst); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Aggregate{}, fmt.Errorf("provisioning: seed aggregate %s: %w", agg.ID, err)
	}

	if err := o.ActivateAggregate(agg.ID); err != nil {
		return types.Aggregate{}, fmt.Errorf("provisioning: activate aggregate %s: %w", agg.ID, err)
	}

	if err := o.db.View(func(tx *storage.Tx) error {
		var err error
		agg, err = storage.Aggregates.Get(tx, agg.ID)
		return err
	}); err != nil {
		return types.Aggregate{}, err
	}
	return agg, nil
}

// EndBooking tears aggregateID down immediately, for pkg/api's
// explicit-end endpoint (the reconciler calls TeardownAggregate
// directly for expiry; this is the same operation triggered early by
// an owner).
func (o *Orchestrator) EndBooking(aggregateID string) error {
	return o.TeardownAggregate(aggregateID)
}

// BookingStatus is the read model for pkg/api's booking-status
// endpoint: the aggregate plus every instance provisioned under it,
// including each instance's event log.
type BookingStatus struct {
	Aggregate types.Aggregate
	Instances []types.Instance
}

// GetBookingStatus reads aggregateID and its instances in one
// snapshot view.
func (o *Orchestrator) GetBookingStatus(aggregateID string) (BookingStatus, error) {
	var status BookingStatus
	err := o.db.View(func(tx *storage.Tx) error {
		var err error
		status.Aggregate, err = storage.Aggregates.Get(tx, aggregateID)
		if err != nil {
			return err
		}
		status.Instances, err = storage.InstancesForAggregate(tx, aggregateID)
		return err
	})
	if err != nil {
		return BookingStatus{}, fmt.Errorf("provisioning: load booking status %s: %w", aggregateID, err)
	}
	return status, nil
}

// generateCredential returns a 32-character hex secret, the IPMI
// password paired with each booking's generated account. No secret
// generation helper exists elsewhere in the codebase to reuse — this
// is a single crypto/rand.Read call, not worth a dependency.
func generateCredential() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RequestPower drives hostID's chassis through action ("on", "off", or
// "reset"), the exported counterpart of the internal power task the
// DeployHost state machine and TeardownAggregate already spawn, for
// pkg/api's out-of-band power operation endpoint.
func (o *Orchestrator) RequestPower(hostID, action string) error {
	pa, err := parsePowerAction(action)
	if err != nil {
		return err
	}
	_, terr := o.scheduler.Run(setPowerTask{HostID: hostID, Action: pa, rt: o.rt})
	if terr != nil {
		return fmt.Errorf("provisioning: request power %s for host %s: %w", action, hostID, terr)
	}
	return nil
}

// RequestPowerForInstance resolves instanceID's currently-linked host
// and drives it through RequestPower, for callers (pkg/api) that only
// know the instance, not the host it was allocated.
func (o *Orchestrator) RequestPowerForInstance(instanceID, action string) error {
	var inst types.Instance
	if err := o.db.View(func(tx *storage.Tx) error {
		var err error
		inst, err = storage.Instances.Get(tx, instanceID)
		return err
	}); err != nil {
		return fmt.Errorf("provisioning: load instance %s: %w", instanceID, err)
	}
	if inst.LinkedHostID == "" {
		return fmt.Errorf("provisioning: instance %s has no allocated host", instanceID)
	}
	return o.RequestPower(inst.LinkedHostID, action)
}

func parsePowerAction(s string) (powerAction, error) {
	switch powerAction(s) {
	case powerActionOn, powerActionOff, powerActionReset:
		return powerAction(s), nil
	default:
		return "", fmt.Errorf("provisioning: unknown power action %q", s)
	}
}

// ReimageInstance re-runs the DeployHost state machine for an
// already-allocated instance against a new image, for pkg/api's reimage
// endpoint. The instance keeps its LinkedHostID and network assignment;
// only the image changes.
func (o *Orchestrator) ReimageInstance(instanceID, image string) error {
	var (
		inst types.Instance
		agg  types.Aggregate
		lab  types.Lab
	)
	err := o.db.View(func(tx *storage.Tx) error {
		var err error
		inst, err = storage.Instances.Get(tx, instanceID)
		if err != nil {
			return err
		}
		agg, err = storage.Aggregates.Get(tx, inst.AggregateID)
		if err != nil {
			return err
		}
		lab, err = storage.Labs.Get(tx, agg.LabID)
		return err
	})
	if err != nil {
		return fmt.Errorf("provisioning: load instance %s: %w", instanceID, err)
	}
	if inst.LinkedHostID == "" {
		return fmt.Errorf("provisioning: instance %s has no allocated host to reimage", instanceID)
	}

	template, err := o.templateForAggregate(agg)
	if err != nil {
		return err
	}

	inst.HostConfig.Image = image
	if err := o.db.Update(func(tx *storage.Tx) error {
		return storage.Instances.Put(tx, inst)
	}); err != nil {
		return fmt.Errorf("provisioning: update instance %s image: %w", instanceID, err)
	}

	task := deployHostTask{
		InstanceID:   inst.ID,
		HostID:       inst.LinkedHostID,
		AggregateID:  agg.ID,
		Image:        image,
		LabIsDynamic: lab.IsDynamic,
		MgmtVLAN:     pickMgmtVLAN(agg, template),
		Retries:      3,
		HostOSPort:   o.HostOSPort,
		rt:           o.rt,
	}
	if _, terr := o.scheduler.Run(task); terr != nil {
		return fmt.Errorf("provisioning: reimage instance %s: %w", instanceID, terr)
	}
	return nil
}

func (o *Orchestrator) templateForAggregate(agg types.Aggregate) (types.Template, error) {
	var tmpl types.Template
	err := o.db.View(func(tx *storage.Tx) error {
		var err error
		tmpl, err = storage.Templates.Get(tx, agg.TemplateID)
		return err
	})
	return tmpl, err
}

// ExtendAggregate pushes aggregateID's End time out to newEnd, for
// pkg/api's booking-extension endpoint. It refuses to shorten a
// booking — extension only ever moves End later, matching spec.md's
// intent that this is strictly an extension, not a general edit.
func (o *Orchestrator) ExtendAggregate(aggregateID string, newEnd time.Time) error {
	return o.db.Update(func(tx *storage.Tx) error {
		agg, err := storage.Aggregates.Get(tx, aggregateID)
		if err != nil {
			return err
		}
		if newEnd.Before(agg.End) {
			return fmt.Errorf("provisioning: new end %s is before current end %s", newEnd, agg.End)
		}
		agg.End = newEnd
		return storage.Aggregates.Put(tx, agg)
	})
}
