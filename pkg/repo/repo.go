// Package repo is the single persistence boundary for the control plane:
// one Repository interface, a Postgres-backed implementation (hand-scanned
// pgx rows, grounded on the teacher's pkg/incident/store.go convention of a
// Row type plus CreateParams/UpdateParams structs), and an in-memory fake
// used by engine unit tests.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/pkg/types"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("repo: not found")

// ErrConflict is returned on unique-constraint violations (duplicate IP,
// duplicate referral code, re-settling a paid payment with mismatched
// external id, etc).
var ErrConflict = errors.New("repo: conflict")

// DBTX is the subset of pgx's pool/tx interface the store layer needs,
// letting callers pass either a *pgxpool.Pool or a pgx.Tx through the same
// Store construction path (mirrors the teacher's db.DBTX).
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Row is the minimal pgx.Row surface the store layer scans.
type Row interface {
	Scan(dest ...any) error
}

// Rows is the minimal pgx.Rows surface the store layer iterates.
type Rows interface {
	Row
	Next() bool
	Close()
	Err() error
}

// Repository is the full persistence contract the engines depend on.
// Implementations: *Postgres (production), *Memory (tests).
type Repository interface {
	// Users
	GetUser(ctx context.Context, id uuid.UUID) (types.User, error)
	GetUserByPubkey(ctx context.Context, pubkey string) (types.User, error)
	CreateUser(ctx context.Context, p types.UserCreateParams) (types.User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, p types.UserUpdateParams) (types.User, error)

	// SSH keys
	CreateSSHKey(ctx context.Context, key types.SSHKey) (types.SSHKey, error)
	GetSSHKey(ctx context.Context, id uuid.UUID) (types.SSHKey, error)
	ListSSHKeysByUser(ctx context.Context, userID uuid.UUID) ([]types.SSHKey, error)

	// Companies & Regions
	GetCompany(ctx context.Context, id uuid.UUID) (types.Company, error)
	GetRegion(ctx context.Context, id uuid.UUID) (types.Region, error)
	ListRegions(ctx context.Context) ([]types.Region, error)

	// Hosts & disks
	GetHost(ctx context.Context, id uuid.UUID) (types.Host, error)
	ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]types.Host, error)
	ListEnabledHosts(ctx context.Context) ([]types.Host, error)
	ListHostDisks(ctx context.Context, hostID uuid.UUID) ([]types.HostDisk, error)
	UpdateHost(ctx context.Context, h types.Host) error

	// Images
	GetOSImage(ctx context.Context, id uuid.UUID) (types.OSImage, error)
	ListOSImages(ctx context.Context) ([]types.OSImage, error)

	// Templates & pricing
	GetVMTemplate(ctx context.Context, id uuid.UUID) (types.VMTemplate, error)
	ListVMTemplatesByRegion(ctx context.Context, regionID uuid.UUID) ([]types.VMTemplate, error)
	GetCostPlan(ctx context.Context, id uuid.UUID) (types.CostPlan, error)
	GetCustomPricing(ctx context.Context, id uuid.UUID) (types.CustomPricing, error)
	GetCustomPricingByRegion(ctx context.Context, regionID uuid.UUID) (types.CustomPricing, error)
	CreateCustomTemplate(ctx context.Context, t types.CustomTemplate) (types.CustomTemplate, error)
	GetCustomTemplate(ctx context.Context, id uuid.UUID) (types.CustomTemplate, error)

	// VMs
	GetVM(ctx context.Context, id uuid.UUID) (types.VM, error)
	CreateVM(ctx context.Context, vm types.VM) (types.VM, error)
	UpdateVM(ctx context.Context, vm types.VM) error
	ListVMsByUser(ctx context.Context, userID uuid.UUID) ([]types.VM, error)
	ListActiveVMsByHost(ctx context.Context, hostID uuid.UUID) ([]types.VM, error)
	ListVMsAwaitingSpawn(ctx context.Context) ([]types.VM, error)
	ListVMsForAutoRenew(ctx context.Context, within time.Duration, now time.Time) ([]types.VM, error)
	ListVMsToExpire(ctx context.Context, now time.Time) ([]types.VM, error)
	ListVMsToPurge(ctx context.Context, deleteAfter time.Duration, now time.Time) ([]types.VM, error)

	// IP ranges & assignments
	GetIPRange(ctx context.Context, id uuid.UUID) (types.IPRange, error)
	ListIPRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]types.IPRange, error)
	ListIPAssignmentsByRange(ctx context.Context, rangeID uuid.UUID) ([]types.IPAssignment, error)
	ListIPAssignmentsByVM(ctx context.Context, vmID uuid.UUID) ([]types.IPAssignment, error)
	CreateIPAssignment(ctx context.Context, a types.IPAssignment) (types.IPAssignment, error)
	// UpdateIPAssignment persists a forward/reverse DNS record id recorded
	// against an existing assignment after the fact (e.g. lifecycle-worker
	// reconciliation filling in a record that was missing at allocation
	// time).
	UpdateIPAssignment(ctx context.Context, a types.IPAssignment) error
	DeleteIPAssignment(ctx context.Context, id uuid.UUID, when time.Time) error

	// Payments
	CreatePayment(ctx context.Context, p types.Payment) (types.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (types.Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (types.Payment, error)
	ListPaymentsByVM(ctx context.Context, vmID uuid.UUID) ([]types.Payment, error)
	// ListUnsettledPayments returns unpaid, unexpired payments for method,
	// used by the lifecycle worker to poll a Lightning/fiat provider for
	// settlement as a fallback when a webhook delivery is missed.
	ListUnsettledPayments(ctx context.Context, method types.PaymentMethod, now time.Time) ([]types.Payment, error)
	// SetPaymentInvoice records the provider-issued invoice/session
	// identifier (BOLT11 payment hash, checkout session id) and its
	// encrypted payload against a still-unpaid payment, so settlement
	// lookups (webhook or worker poll) can find it by external id.
	SetPaymentInvoice(ctx context.Context, paymentID uuid.UUID, externalID, externalDataEnc string) error
	// MarkPaymentPaid atomically transitions is_paid 0→1 and extends the
	// owning VM's expiry by timeValue, returning applied=false if the
	// payment was already paid (idempotent re-settlement, spec.md §4.3).
	MarkPaymentPaid(ctx context.Context, paymentID uuid.UUID, settledAt time.Time, externalID string) (applied bool, vm types.VM, err error)

	// VM history
	AppendVMHistory(ctx context.Context, e types.VMHistoryEntry) error
	ListVMHistory(ctx context.Context, vmID uuid.UUID) ([]types.VMHistoryEntry, error)

	// RBAC
	GetRolesForUser(ctx context.Context, userID uuid.UUID) ([]types.Role, error)

	// WithTx runs fn against a Repository bound to a single transaction,
	// committing on nil return and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
