package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/pkg/types"
)

// Memory is an in-memory Repository used by engine unit tests
// (pkg/capacity, pkg/provisioner, pkg/billing, pkg/worker), avoiding a
// live Postgres dependency in package tests.
type Memory struct {
	mu sync.Mutex

	Users           map[uuid.UUID]types.User
	SSHKeys         map[uuid.UUID]types.SSHKey
	Companies       map[uuid.UUID]types.Company
	Regions         map[uuid.UUID]types.Region
	Hosts           map[uuid.UUID]types.Host
	HostDisks       map[uuid.UUID]types.HostDisk
	OSImages        map[uuid.UUID]types.OSImage
	CostPlans       map[uuid.UUID]types.CostPlan
	VMTemplates     map[uuid.UUID]types.VMTemplate
	CustomPricings  map[uuid.UUID]types.CustomPricing
	CustomTemplates map[uuid.UUID]types.CustomTemplate
	VMs             map[uuid.UUID]types.VM
	IPRanges        map[uuid.UUID]types.IPRange
	IPAssignments   map[uuid.UUID]types.IPAssignment
	Payments        map[uuid.UUID]types.Payment
	History         []types.VMHistoryEntry
	Roles           map[uuid.UUID][]types.Role
}

// NewMemory builds an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		Users:           map[uuid.UUID]types.User{},
		SSHKeys:         map[uuid.UUID]types.SSHKey{},
		Companies:       map[uuid.UUID]types.Company{},
		Regions:         map[uuid.UUID]types.Region{},
		Hosts:           map[uuid.UUID]types.Host{},
		HostDisks:       map[uuid.UUID]types.HostDisk{},
		OSImages:        map[uuid.UUID]types.OSImage{},
		CostPlans:       map[uuid.UUID]types.CostPlan{},
		VMTemplates:     map[uuid.UUID]types.VMTemplate{},
		CustomPricings:  map[uuid.UUID]types.CustomPricing{},
		CustomTemplates: map[uuid.UUID]types.CustomTemplate{},
		VMs:             map[uuid.UUID]types.VM{},
		IPRanges:        map[uuid.UUID]types.IPRange{},
		IPAssignments:   map[uuid.UUID]types.IPAssignment{},
		Payments:        map[uuid.UUID]types.Payment{},
		Roles:           map[uuid.UUID][]types.Role{},
	}
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByPubkey(_ context.Context, pubkey string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Pubkey == pubkey {
			return u, nil
		}
	}
	return types.User{}, ErrNotFound
}

func (m *Memory) CreateUser(_ context.Context, p types.UserCreateParams) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := types.User{ID: uuid.New(), Pubkey: p.Pubkey, CreatedAt: time.Now()}
	m.Users[u.ID] = u
	return u, nil
}

func (m *Memory) UpdateUser(_ context.Context, id uuid.UUID, p types.UserUpdateParams) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.CountryCode != nil {
		u.CountryCode = *p.CountryCode
	}
	if p.NWCConnectionURI != nil {
		u.NWCConnectionURI = *p.NWCConnectionURI
	}
	m.Users[id] = u
	return u, nil
}

func (m *Memory) CreateSSHKey(_ context.Context, k types.SSHKey) (types.SSHKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.ID = uuid.New()
	k.CreatedAt = time.Now()
	m.SSHKeys[k.ID] = k
	return k, nil
}

func (m *Memory) GetSSHKey(_ context.Context, id uuid.UUID) (types.SSHKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.SSHKeys[id]
	if !ok {
		return types.SSHKey{}, ErrNotFound
	}
	return k, nil
}

func (m *Memory) ListSSHKeysByUser(_ context.Context, userID uuid.UUID) ([]types.SSHKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.SSHKey
	for _, k := range m.SSHKeys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) GetCompany(_ context.Context, id uuid.UUID) (types.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Companies[id]
	if !ok {
		return types.Company{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetRegion(_ context.Context, id uuid.UUID) (types.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Regions[id]
	if !ok {
		return types.Region{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRegions(_ context.Context) ([]types.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Region
	for _, r := range m.Regions {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) GetHost(_ context.Context, id uuid.UUID) (types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.Hosts[id]
	if !ok {
		return types.Host{}, ErrNotFound
	}
	return h, nil
}

func (m *Memory) ListHostsByRegion(_ context.Context, regionID uuid.UUID) ([]types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Host
	for _, h := range m.Hosts {
		if h.RegionID == regionID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) ListEnabledHosts(_ context.Context) ([]types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Host
	for _, h := range m.Hosts {
		if h.Enabled {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) ListHostDisks(_ context.Context, hostID uuid.UUID) ([]types.HostDisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.HostDisk
	for _, d := range m.HostDisks {
		if d.HostID == hostID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) UpdateHost(_ context.Context, h types.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Hosts[h.ID]; !ok {
		return ErrNotFound
	}
	m.Hosts[h.ID] = h
	return nil
}

func (m *Memory) GetOSImage(_ context.Context, id uuid.UUID) (types.OSImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.OSImages[id]
	if !ok {
		return types.OSImage{}, ErrNotFound
	}
	return img, nil
}

func (m *Memory) ListOSImages(_ context.Context) ([]types.OSImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.OSImage
	for _, img := range m.OSImages {
		out = append(out, img)
	}
	return out, nil
}

func (m *Memory) GetVMTemplate(_ context.Context, id uuid.UUID) (types.VMTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.VMTemplates[id]
	if !ok {
		return types.VMTemplate{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListVMTemplatesByRegion(_ context.Context, regionID uuid.UUID) ([]types.VMTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VMTemplate
	for _, t := range m.VMTemplates {
		if t.RegionID == regionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) GetCostPlan(_ context.Context, id uuid.UUID) (types.CostPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.CostPlans[id]
	if !ok {
		return types.CostPlan{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetCustomPricing(_ context.Context, id uuid.UUID) (types.CustomPricing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.CustomPricings[id]
	if !ok {
		return types.CustomPricing{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetCustomPricingByRegion(_ context.Context, regionID uuid.UUID) (types.CustomPricing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.CustomPricings {
		if c.RegionID == regionID && c.Enabled {
			return c, nil
		}
	}
	return types.CustomPricing{}, ErrNotFound
}

func (m *Memory) CreateCustomTemplate(_ context.Context, t types.CustomTemplate) (types.CustomTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	m.CustomTemplates[t.ID] = t
	return t, nil
}

func (m *Memory) GetCustomTemplate(_ context.Context, id uuid.UUID) (types.CustomTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.CustomTemplates[id]
	if !ok {
		return types.CustomTemplate{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetVM(_ context.Context, id uuid.UUID) (types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.VMs[id]
	if !ok {
		return types.VM{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) CreateVM(_ context.Context, vm types.VM) (types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm.ID = uuid.New()
	vm.CreatedAt = time.Now()
	m.VMs[vm.ID] = vm
	return vm, nil
}

func (m *Memory) UpdateVM(_ context.Context, vm types.VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.VMs[vm.ID]; !ok {
		return ErrNotFound
	}
	m.VMs[vm.ID] = vm
	return nil
}

func (m *Memory) ListVMsByUser(_ context.Context, userID uuid.UUID) ([]types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VM
	for _, v := range m.VMs {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) ListActiveVMsByHost(_ context.Context, hostID uuid.UUID) ([]types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []types.VM
	for _, v := range m.VMs {
		if v.HostID == hostID && !v.Deleted && v.ExpiresAt.After(now) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) ListVMsAwaitingSpawn(_ context.Context) ([]types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VM
	for _, v := range m.VMs {
		if v.State == types.VMStateProvisioning && !v.Deleted {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) ListVMsForAutoRenew(_ context.Context, within time.Duration, now time.Time) ([]types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VM
	for _, v := range m.VMs {
		if !v.Deleted && v.AutoRenew && v.ExpiresAt.After(now) && !v.ExpiresAt.After(now.Add(within)) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) ListVMsToExpire(_ context.Context, now time.Time) ([]types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VM
	for _, v := range m.VMs {
		if !v.Deleted && v.ExpiresAt.Before(now) && v.State != types.VMStateExpired {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) ListVMsToPurge(_ context.Context, deleteAfter time.Duration, now time.Time) ([]types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-deleteAfter)
	var out []types.VM
	for _, v := range m.VMs {
		if !v.Deleted && v.ExpiresAt.Before(cutoff) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) GetIPRange(_ context.Context, id uuid.UUID) (types.IPRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.IPRanges[id]
	if !ok {
		return types.IPRange{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListIPRangesByRegion(_ context.Context, regionID uuid.UUID) ([]types.IPRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IPRange
	for _, r := range m.IPRanges {
		if r.RegionID == regionID && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListIPAssignmentsByRange(_ context.Context, rangeID uuid.UUID) ([]types.IPAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IPAssignment
	for _, a := range m.IPAssignments {
		if a.IPRangeID == rangeID && a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ListIPAssignmentsByVM(_ context.Context, vmID uuid.UUID) ([]types.IPAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IPAssignment
	for _, a := range m.IPAssignments {
		if a.VMID == vmID && a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CreateIPAssignment(_ context.Context, a types.IPAssignment) (types.IPAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.IPAssignments {
		if existing.IPRangeID == a.IPRangeID && existing.IP == a.IP && existing.DeletedAt == nil {
			return types.IPAssignment{}, ErrConflict
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	m.IPAssignments[a.ID] = a
	return a, nil
}

func (m *Memory) UpdateIPAssignment(_ context.Context, a types.IPAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.IPAssignments[a.ID]; !ok {
		return ErrNotFound
	}
	m.IPAssignments[a.ID] = a
	return nil
}

func (m *Memory) DeleteIPAssignment(_ context.Context, id uuid.UUID, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.IPAssignments[id]
	if !ok {
		return ErrNotFound
	}
	a.DeletedAt = &when
	m.IPAssignments[id] = a
	return nil
}

func (m *Memory) CreatePayment(_ context.Context, p types.Payment) (types.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	m.Payments[p.ID] = p
	return p, nil
}

func (m *Memory) SetPaymentInvoice(_ context.Context, paymentID uuid.UUID, externalID, externalDataEnc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.IsPaid {
		return nil
	}
	p.ExternalID = externalID
	p.ExternalDataEnc = externalDataEnc
	m.Payments[paymentID] = p
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id uuid.UUID) (types.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[id]
	if !ok {
		return types.Payment{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) GetPaymentByExternalID(_ context.Context, externalID string) (types.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Payments {
		if p.ExternalID == externalID {
			return p, nil
		}
	}
	return types.Payment{}, ErrNotFound
}

func (m *Memory) ListPaymentsByVM(_ context.Context, vmID uuid.UUID) ([]types.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Payment
	for _, p := range m.Payments {
		if p.VMID == vmID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) ListUnsettledPayments(_ context.Context, method types.PaymentMethod, now time.Time) ([]types.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Payment
	for _, p := range m.Payments {
		if p.Method == method && !p.IsPaid && p.ExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkPaymentPaid(_ context.Context, paymentID uuid.UUID, settledAt time.Time, externalID string) (bool, types.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pay, ok := m.Payments[paymentID]
	if !ok {
		return false, types.VM{}, ErrNotFound
	}
	vm, ok := m.VMs[pay.VMID]
	if !ok {
		return false, types.VM{}, ErrNotFound
	}
	if pay.IsPaid {
		return false, vm, nil
	}

	pay.IsPaid = true
	pay.PaidAt = &settledAt
	pay.ExternalID = externalID
	m.Payments[paymentID] = pay

	base := vm.ExpiresAt
	if settledAt.After(base) {
		base = settledAt
	}
	vm.ExpiresAt = base.Add(time.Duration(pay.TimeValueSeconds) * time.Second)
	m.VMs[vm.ID] = vm

	return true, vm, nil
}

func (m *Memory) AppendVMHistory(_ context.Context, e types.VMHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.Timestamp = time.Now()
	m.History = append(m.History, e)
	return nil
}

func (m *Memory) ListVMHistory(_ context.Context, vmID uuid.UUID) ([]types.VMHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VMHistoryEntry
	for _, e := range m.History {
		if e.VMID == vmID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) GetRolesForUser(_ context.Context, userID uuid.UUID) ([]types.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Roles[userID], nil
}

// WithTx runs fn directly against m: the in-memory store has no separate
// transaction log, so "transactional" here means "synchronized under the
// single mutex already guarding every method".
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return fn(ctx, m)
}
