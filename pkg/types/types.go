package types

import (
	"net"
	"time"
)

// Arch identifies a host's CPU architecture, which in turn selects the
// out-of-band management dialect (see pkg/provisioning/hostmgmt).
type Arch string

const (
	ArchAarch64 Arch = "aarch64"
	ArchX86     Arch = "x86"
	ArchX86_64  Arch = "x86_64"
)

// Lab is a named administrative domain. Dynamic labs have their fabric
// reconfigured per booking; static labs have a fixed VLAN-to-port mapping
// and only the installed image varies.
type Lab struct {
	ID        string
	Name      string
	IsDynamic bool
	CreatedAt time.Time
}

// Flavor is a hardware class: CPU/RAM/disk/arch plus an ordered interface list.
type Flavor struct {
	ID         string
	Name       string
	Arch       Arch
	CPUCores   int
	RAMBytes   int64
	DiskBytes  int64
	Interfaces []InterfaceDescriptor
}

// InterfaceDescriptor describes one network interface a flavor expects.
type InterfaceDescriptor struct {
	Name     string
	SpeedGbE int
	CardType string
}

// Host is an individual physical machine.
type Host struct {
	ID       string
	Name     string
	FQDN     string
	LabID    string
	FlavorID string
	Arch     Arch

	// Out-of-band management endpoint.
	IPMIFQDN string
	IPMIUser string
	IPMIPass string
	IPMIMAC  net.HardwareAddr

	// EligibleLabs lists labs this host may be allocated from, in addition
	// to its home lab.
	EligibleLabs []string

	// SdaUEFIDevice names the UEFI boot device description of this
	// host's primary disk, used by SetBoot's specific-disk override.
	// Empty if the host has none configured.
	SdaUEFIDevice string

	Ports []HostPort

	CreatedAt time.Time
}

// HostPort is one physical interface on a Host, optionally wired to a
// SwitchPort.
type HostPort struct {
	Name         string
	MAC          net.HardwareAddr
	SwitchPortID string // empty if unpatched
}

// SwitchOS selects the fabric configurator dialect for a switch.
type SwitchOS string

const (
	SwitchOSNXOS  SwitchOS = "NXOS"
	SwitchOSSONiC SwitchOS = "SONiC"
)

// Switch is a managed network device.
type Switch struct {
	ID      string
	Name    string
	LabID   string
	OSType  SwitchOS
	Address string
	User    string
	Pass    string
}

// SwitchPort is one physical port on a Switch.
type SwitchPort struct {
	ID       string
	SwitchID string
	Name     string
}

// VLAN is an integer id, optionally externally routed.
type VLAN struct {
	ID       string
	LabID    string
	VlanID   int
	IsPublic bool
}

// Network is a named logical network within a Template.
type Network struct {
	Name     string
	IsPublic bool
}

// BondGroupConfig is a set of member interfaces treated as one logical
// interface by the switch fabric, with its per-network tagging.
type BondGroupConfig struct {
	MemberInterfaceNames []string
	Connections          []NetworkConnection
}

// NetworkConnection binds a bond-group to a logical network, tagged or not.
type NetworkConnection struct {
	LogicalNetwork string
	Tagged         bool
}

// HostConfig is one host-slot definition inside a Template.
type HostConfig struct {
	Hostname   string
	FlavorName string
	Image      string
	CIOverride map[string]string
	BondGroups []BondGroupConfig
}

// Template is a reusable booking blueprint.
type Template struct {
	ID              string
	Name            string
	Owner           string
	Public          bool
	OriginLabID     string
	LogicalNetworks []Network
	HostConfigs     []HostConfig
	CreatedAt       time.Time
}

// AggregateState is the lifecycle state of a booking.
type AggregateState string

const (
	AggregateStateNew    AggregateState = "New"
	AggregateStateActive AggregateState = "Active"
	AggregateStateDone   AggregateState = "Done"
)

// Aggregate is a concrete booking.
type Aggregate struct {
	ID         string
	LabID      string
	State      AggregateState
	UserList   []string
	TemplateID string

	// NetworkAssignment maps logical network name -> allocated VLAN id.
	NetworkAssignment map[string]int

	Owner   string
	Purpose string
	Start   time.Time
	End     time.Time

	// IPMIUser/IPMIPass are generated at creation and used by the
	// post-install CreateIPMIAccount step.
	IPMIUser string
	IPMIPass string

	CreatedAt time.Time
}

// EventSentiment classifies a provisioning log event.
type EventSentiment string

const (
	SentimentInProgress EventSentiment = "in_progress"
	SentimentSucceeded  EventSentiment = "succeeded"
	SentimentDegraded   EventSentiment = "degraded"
	SentimentFailed     EventSentiment = "failed"
)

// ProvisioningEvent is one structured log line attached to an Instance.
type ProvisioningEvent struct {
	Phase     string
	Detail    string
	Sentiment EventSentiment
	Timestamp time.Time
}

// MailboxEndpointRef is the durable record of a mailbox endpoint an
// instance has registered, keyed by usage string on the Instance.
type MailboxEndpointRef struct {
	InstanceID string
	Token      string
	Usage      string
}

// Instance is a host-slot inside an Aggregate.
type Instance struct {
	ID          string
	AggregateID string
	HostConfig  HostConfig

	// LinkedHostID is set once allocation has happened.
	LinkedHostID string

	MailboxEndpoints map[string]MailboxEndpointRef
	Events           []ProvisioningEvent

	CreatedAt time.Time
}

// AllocationReason is a closed set of reasons an allocation exists.
type AllocationReason string

const (
	ReasonForBooking     AllocationReason = "ForBooking"
	ReasonForMaintenance AllocationReason = "ForMaintenance"
)

// ResourceKind distinguishes what a ResourceHandle wraps.
type ResourceKind string

const (
	ResourceKindHost ResourceKind = "host"
	ResourceKindVLAN ResourceKind = "vlan"
	ResourceKindVPN  ResourceKind = "vpn"
)

// ResourceHandle is the allocator's unit of ownership: one per shared
// resource (host, VLAN, VPN grant token). Its allocation history lives
// in the separate Allocation table, queried by HandleID, rather than
// embedded here, so the allocator can append an allocation without
// rewriting the (potentially large) handle row.
type ResourceHandle struct {
	ID         string
	Kind       ResourceKind
	LabID      string
	ResourceID string // Host.ID, VLAN.ID, or a VPN token id
}

// Allocation is a time-bounded assignment of a handle to an aggregate.
type Allocation struct {
	ID          string
	HandleID    string
	AggregateID string
	Reason      AllocationReason
	Started     time.Time
	Ended       *time.Time // nil while live
}

// Live reports whether this allocation has not yet ended.
func (a Allocation) Live() bool {
	return a.Ended == nil
}

// TaskState is the derived state of a RuntimeTask.
type TaskState string

const (
	TaskStateReady  TaskState = "Ready"
	TaskStateDone   TaskState = "Done"
	TaskStateFailed TaskState = "Failed"
)

// RuntimeTask is the durable record of one task instance.
type RuntimeTask struct {
	ID         string
	Identifier string // "name@version"
	Prototype  []byte // JSON-encoded typed parameters
	ResultJSON []byte // empty until the result slot is occupied
	ResultKind string // "ok" | "error", valid only once ResultJSON is set
	State      TaskState

	DependsOn  []string // ids this task depends on
	WaitingFor []string // subset of DependsOn not yet satisfied
	DependsFor []string // ids that depend on this task

	// SpawnLog is the ordered list of {hash, child id} pairs recorded by
	// context.Spawn during this task's run, used for replay after a crash.
	SpawnLog []SpawnLogEntry
	Volatile bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SpawnLogEntry records one child spawned by a task, keyed by a hash of
// the child's arguments so re-execution can detect divergence.
type SpawnLogEntry struct {
	ArgsHash string
	ChildID  string
}

// VPNGrant is a VPN-access token keyed by (user, project) under an
// aggregate, allocated via Allocator.AllocateVPN.
type VPNGrant struct {
	ID          string
	AggregateID string
	User        string
	Project     string
	Token       string
}
