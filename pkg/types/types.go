// Package types holds the plain-struct entities of the LNVPS data model.
// Each mirrors one relational table; mutation goes through paired
// CreateParams/UpdateParams structs rather than partial field mutation on
// the Row type itself, following the teacher's per-table convention.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DiskKind enumerates physical disk media.
type DiskKind string

const (
	DiskKindHDD DiskKind = "hdd"
	DiskKindSSD DiskKind = "ssd"
)

// DiskInterface enumerates the bus a disk is attached over.
type DiskInterface string

const (
	DiskInterfaceSATA DiskInterface = "sata"
	DiskInterfaceSCSI DiskInterface = "scsi"
	DiskInterfacePCIe DiskInterface = "pcie"
)

// IntervalType enumerates billing recurrence units.
type IntervalType string

const (
	IntervalDay   IntervalType = "day"
	IntervalMonth IntervalType = "month"
	IntervalYear  IntervalType = "year"
)

// AllocationMode enumerates how an IP range hands out addresses.
type AllocationMode string

const (
	AllocationRandom     AllocationMode = "random"
	AllocationSequential AllocationMode = "sequential"
	AllocationSLAACEUI64 AllocationMode = "slaac_eui64"
)

// VMState enumerates the Provisioner's state machine (spec.md §4.2).
type VMState string

const (
	VMStateNew             VMState = "new"
	VMStateAwaitingPayment VMState = "awaiting_payment"
	VMStateProvisioning    VMState = "provisioning"
	VMStateRunning         VMState = "running"
	VMStateExpired         VMState = "expired"
	VMStateDeleting        VMState = "deleting"
	VMStateDeleted         VMState = "deleted"
)

// HostKind selects which hostdriver implementation manages a Host.
type HostKind string

const (
	HostKindProxmox HostKind = "proxmox"
	HostKindLibvirt HostKind = "libvirt"
	HostKindMock    HostKind = "mock"
)

// PaymentMethod enumerates how a Payment is collected.
type PaymentMethod string

const (
	PaymentMethodLightning PaymentMethod = "lightning"
	PaymentMethodFiat      PaymentMethod = "fiat"
)

// PaymentKind enumerates why a Payment was issued.
type PaymentKind string

const (
	PaymentKindNew     PaymentKind = "new"
	PaymentKindRenew   PaymentKind = "renew"
	PaymentKindUpgrade PaymentKind = "upgrade"
)

// User is a stable identity keyed on a 32-byte Nostr public key.
type User struct {
	ID                 uuid.UUID
	Pubkey             string
	Email              string // encrypted at rest; see internal/secrets
	CountryCode        string
	NWCConnectionURI   string // encrypted at rest
	CreatedAt          time.Time
}

// UserCreateParams creates a User on first authenticated request.
type UserCreateParams struct {
	Pubkey string
}

// UserUpdateParams patches account profile fields.
type UserUpdateParams struct {
	Email            *string
	CountryCode      *string
	NWCConnectionURI *string
}

// Company is a billing entity owning one or more Regions.
type Company struct {
	ID           uuid.UUID
	Name         string
	BaseCurrency string // one of EUR, USD, GBP, CAD, CHF, AUD, JPY, BTC
	CreatedAt    time.Time
}

// Region is a named locality owned by exactly one Company.
type Region struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Name      string
	Enabled   bool
	CreatedAt time.Time
}

// Host belongs to a Region and is driven by one hostdriver.Driver.
type Host struct {
	ID           uuid.UUID
	RegionID     uuid.UUID
	Name         string
	Kind         HostKind
	APIURL       string
	APITokenEnc  string // encrypted at rest
	SSHHost      string
	SSHUser      string
	SSHKeyEnc    string // encrypted at rest
	CPU          int32
	MemoryBytes  int64
	CPUVendor    string
	CPUArch      string
	VLAN         *int32
	MTU          *int32
	LoadFactor   float64 // 0..1, derates available capacity
	Enabled      bool
	CreatedAt    time.Time
}

// HostDisk belongs to a Host.
type HostDisk struct {
	ID        uuid.UUID
	HostID    uuid.UUID
	SizeBytes int64
	Kind      DiskKind
	Interface DiskInterface
	Enabled   bool
}

// OSImage is an installable distribution image.
type OSImage struct {
	ID            uuid.UUID
	Distribution  string
	Flavour       string
	Version       string
	ReleaseDate   time.Time
	SourceURL     string
	DefaultLogin  string
	Enabled       bool
}

// CostPlan is a fixed recurring price.
type CostPlan struct {
	ID             uuid.UUID
	AmountUnits    int64 // smallest currency unit
	Currency       string
	IntervalAmount int32
	IntervalType   IntervalType
}

// VMTemplate is an immutable hardware spec bound to a CostPlan and Region.
type VMTemplate struct {
	ID               uuid.UUID
	RegionID         uuid.UUID
	CostPlanID       uuid.UUID
	CPU              int32
	MemoryBytes      int64
	DiskSizeBytes    int64
	DiskKind         DiskKind
	DiskInterface    DiskInterface
	IopsReadLimit    *int64
	IopsWriteLimit   *int64
	MbpsReadLimit    *int64
	MbpsWriteLimit   *int64
	NetworkMbpsLimit *int64
	CPULimitPercent  *int32
	Enabled          bool
}

// CustomPricing is a parametric pricing envelope a user's CustomTemplate
// must fall within.
type CustomPricing struct {
	ID             uuid.UUID
	RegionID       uuid.UUID
	Currency       string
	CPUCostUnits   int64 // per core per month, smallest unit
	MemoryCostUnits int64 // per GiB per month
	DiskCostUnits  map[string]int64 // keyed "kind:interface" -> per GiB per month
	IPv4CostUnits  int64
	IPv6CostUnits  int64
	MinCPU         int32
	MaxCPU         int32
	MinMemoryBytes int64
	MaxMemoryBytes int64
	MinDiskBytes   int64
	MaxDiskBytes   int64
	Enabled        bool
}

// CustomTemplate is a concrete shape chosen within a CustomPricing
// envelope; always billed monthly.
type CustomTemplate struct {
	ID              uuid.UUID
	CustomPricingID uuid.UUID
	CPU             int32
	MemoryBytes     int64
	DiskSizeBytes   int64
	DiskKind        DiskKind
	DiskInterface   DiskInterface
}

// Shape is the tuple used for capacity and pricing calculations.
type Shape struct {
	CPU           int32
	MemoryBytes   int64
	DiskSizeBytes int64
	DiskKind      DiskKind
	DiskInterface DiskInterface
}

// VM is a provisioned (or provisioning) virtual machine.
type VM struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	HostID           uuid.UUID
	TemplateID       *uuid.UUID
	CustomTemplateID *uuid.UUID
	SSHKeyID         uuid.UUID
	ImageID          uuid.UUID
	HypervisorID     string
	MAC              string
	RefCode          string
	State            VMState
	AutoRenew        bool
	Disabled         bool
	Deleted          bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// VMOrderParams captures the inputs to order_standard/order_custom.
type VMOrderParams struct {
	UserID     uuid.UUID
	RegionID   uuid.UUID
	TemplateID *uuid.UUID
	PricingID  *uuid.UUID
	Shape      *Shape
	ImageID    uuid.UUID
	SSHKeyID   uuid.UUID
	RefCode    string
}

// SSHKey is a user-owned public key installed via cloud-init.
type SSHKey struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	PublicKey string
	CreatedAt time.Time
}

// IPRange is a CIDR block assignable within a Region.
type IPRange struct {
	ID              uuid.UUID
	RegionID        uuid.UUID
	CIDR            string
	Gateway         string
	AllocationMode  AllocationMode
	UseFullRange    bool
	ReverseZoneID   string
	AccessPolicyID  *uuid.UUID
	Enabled         bool
}

// IPAssignment binds a VM to one IP within a range.
type IPAssignment struct {
	ID           uuid.UUID
	VMID         uuid.UUID
	IPRangeID    uuid.UUID
	IP           string
	ForwardDNSID string
	ReverseDNSID string
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Payment is a billable event against a VM.
type Payment struct {
	ID               uuid.UUID
	VMID             uuid.UUID
	Kind             PaymentKind
	Method           PaymentMethod
	AmountUnits      int64
	Currency         string
	TaxUnits         int64
	ProcessingFeeUnits int64
	ExchangeRate     float64 // to the pricing currency (cost plan or custom pricing), at issue time
	CreatedAt        time.Time
	ExpiresAt        time.Time
	IsPaid           bool
	PaidAt           *time.Time
	ExternalID       string
	ExternalDataEnc  string // encrypted at rest
	TimeValueSeconds int64
	UpgradeParams    json.RawMessage
}

// PaymentCreateParams is the input to Billing.NewInvoice.
type PaymentCreateParams struct {
	VMID          uuid.UUID
	Kind          PaymentKind
	Method        PaymentMethod
	Currency      string
	UpgradeParams json.RawMessage
}

// VMHistoryAction enumerates append-only lifecycle log entry kinds.
type VMHistoryAction string

const (
	VMHistoryCreated         VMHistoryAction = "created"
	VMHistoryPaymentReceived VMHistoryAction = "payment_received"
	VMHistorySpawned         VMHistoryAction = "spawned"
	VMHistoryStarted         VMHistoryAction = "started"
	VMHistoryStopped         VMHistoryAction = "stopped"
	VMHistoryRestarted       VMHistoryAction = "restarted"
	VMHistoryReinstalled     VMHistoryAction = "reinstalled"
	VMHistoryUpgraded        VMHistoryAction = "upgraded"
	VMHistoryExpired         VMHistoryAction = "expired"
	VMHistoryDeleted         VMHistoryAction = "deleted"
	VMHistoryAdminAction     VMHistoryAction = "admin_action"
	VMHistoryDriverFailure   VMHistoryAction = "driver_failure"
)

// VMHistoryEntry is an append-only row describing one lifecycle event.
type VMHistoryEntry struct {
	ID          uuid.UUID
	VMID        uuid.UUID
	Action      VMHistoryAction
	Actor       string
	Timestamp   time.Time
	Description string
	PrevState   json.RawMessage
	NewState    json.RawMessage
}

// Resource enumerates RBAC-protected resource kinds.
type Resource string

// Action enumerates RBAC verbs.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Role groups a set of resource×action permissions under a name.
type Role struct {
	ID          uuid.UUID
	Name        string
	Permissions []Permission
}

// Permission is one resource×action grant within a Role.
type Permission struct {
	Resource Resource
	Action   Action
}

// RoleAssignment grants a Role to a User.
type RoleAssignment struct {
	ID     uuid.UUID
	UserID uuid.UUID
	RoleID uuid.UUID
}

// RunningState is the live state reported by a hostdriver.Driver.
type RunningState struct {
	State        string // "running", "stopped", "starting", "deleting"
	CPUPercent   float64
	MemPercent   float64
	UptimeSeconds int64
	NetRxBytes   int64
	NetTxBytes   int64
	DiskReadBytes int64
	DiskWriteBytes int64
	ObservedAt   time.Time
}

// Load is the per-host resource utilization snapshot from pkg/capacity.
type Load struct {
	Overall          float64
	CPU              float64
	Memory           float64
	Disk             float64
	AvailableCPU     int32
	AvailableMemory  int64
	ActiveVMs        int32
}
