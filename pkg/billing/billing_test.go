package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

type fixedRateExchange struct{ rate float64 }

func (f fixedRateExchange) GetRate(ctx context.Context, from, to string) (float64, error) {
	return f.rate, nil
}

type noopUpgrader struct{ called *bool }

func (n noopUpgrader) ApplyUpgrade(ctx context.Context, vmID uuid.UUID, params json.RawMessage) error {
	if n.called != nil {
		*n.called = true
	}
	return nil
}

func TestNewInvoice_StandardOrderFirstPayment(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	region := types.Region{ID: uuid.New()}
	m.Regions[region.ID] = region

	plan := types.CostPlan{ID: uuid.New(), AmountUnits: 200, Currency: "EUR", IntervalAmount: 1, IntervalType: types.IntervalMonth}
	m.CostPlans[plan.ID] = plan

	tmpl := types.VMTemplate{ID: uuid.New(), RegionID: region.ID, CostPlanID: plan.ID, CPU: 1, MemoryBytes: 1 << 30, DiskSizeBytes: 40 << 30, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI}
	m.VMTemplates[tmpl.ID] = tmpl

	user := types.User{ID: uuid.New()}
	m.Users[user.ID] = user

	vm := types.VM{ID: uuid.New(), UserID: user.ID, TemplateID: &tmpl.ID, State: types.VMStateAwaitingPayment, ExpiresAt: time.Now()}
	m.VMs[vm.ID] = vm

	eng := New(m, fixedRateExchange{rate: 1}, nil, Config{})
	pay, err := eng.NewInvoice(ctx, vm.ID, types.PaymentKindNew, types.PaymentMethodLightning, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pay.AmountUnits != 200 {
		t.Fatalf("expected amount 200, got %d", pay.AmountUnits)
	}
	if pay.TimeValueSeconds != 2_592_000 {
		t.Fatalf("expected time_value 2592000s, got %d", pay.TimeValueSeconds)
	}
	if pay.TaxUnits != 0 {
		t.Fatalf("expected zero tax with no country code, got %d", pay.TaxUnits)
	}
}

func TestCustomPricingQuote(t *testing.T) {
	pricing := types.CustomPricing{
		ID: uuid.New(), Currency: "EUR",
		CPUCostUnits: 100, MemoryCostUnits: 50,
		DiskCostUnits: map[string]int64{"ssd:pcie": 10},
		IPv4CostUnits: 200, IPv6CostUnits: 0,
		MinCPU: 1, MaxCPU: 16, MinMemoryBytes: 1 << 30, MaxMemoryBytes: 64 << 30,
		MinDiskBytes: 10 << 30, MaxDiskBytes: 1000 << 30,
	}

	shape := types.Shape{CPU: 4, MemoryBytes: 8 << 30, DiskSizeBytes: 80 << 30, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfacePCIe}
	got := customMonthlyAmount(pricing, shape, 1, 0)
	want := int64(4*100 + 8*50 + 80*10 + 1*200)
	if got != want {
		t.Fatalf("expected monthly price %d, got %d", want, got)
	}
}

func TestCalculateUpgrade_TenDaysRemaining(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	region := types.Region{ID: uuid.New()}
	m.Regions[region.ID] = region

	host := types.Host{ID: uuid.New(), RegionID: region.ID}
	m.Hosts[host.ID] = host

	oldPlan := types.CostPlan{ID: uuid.New(), AmountUnits: 200, Currency: "EUR", IntervalAmount: 1, IntervalType: types.IntervalMonth}
	m.CostPlans[oldPlan.ID] = oldPlan
	oldTmpl := types.VMTemplate{ID: uuid.New(), RegionID: region.ID, CostPlanID: oldPlan.ID, CPU: 1, MemoryBytes: 1 << 30, DiskSizeBytes: 40 << 30, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI}
	m.VMTemplates[oldTmpl.ID] = oldTmpl

	newPricing := types.CustomPricing{
		ID: uuid.New(), RegionID: region.ID, Currency: "EUR", Enabled: true,
		CPUCostUnits: 500, MaxCPU: 16, MaxMemoryBytes: 64 << 30, MaxDiskBytes: 1000 << 30,
	}
	m.CustomPricings[newPricing.ID] = newPricing

	vm := types.VM{
		ID: uuid.New(), HostID: host.ID, TemplateID: &oldTmpl.ID,
		State: types.VMStateRunning, ExpiresAt: time.Now().Add(10 * 24 * time.Hour),
	}
	m.VMs[vm.ID] = vm

	eng := New(m, fixedRateExchange{rate: 1}, nil, Config{})
	quote, err := eng.CalculateUpgrade(ctx, vm.ID, types.Shape{CPU: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// old monthly rate 200c -> new monthly rate (cpu_cost=500 for 1 cpu) 500c,
	// ~10/30 of a month remaining: cost_difference ~= (500-200)*(10/30) = 100c
	if quote.CostDifference.Units < 95 || quote.CostDifference.Units > 105 {
		t.Fatalf("expected cost_difference near 100c, got %d", quote.CostDifference.Units)
	}
	if quote.NewRenewalCost.Units != 500 {
		t.Fatalf("expected new renewal cost 500c, got %d", quote.NewRenewalCost.Units)
	}
}

func TestMarkPaid_IdempotentResettlement(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	vm := types.VM{ID: uuid.New(), ExpiresAt: time.Now()}
	m.VMs[vm.ID] = vm

	payment := types.Payment{ID: uuid.New(), VMID: vm.ID, TimeValueSeconds: 86400, Currency: "EUR"}
	m.Payments[payment.ID] = payment

	called := false
	eng := New(m, fixedRateExchange{rate: 1}, noopUpgrader{&called}, Config{})

	before := m.VMs[vm.ID].ExpiresAt
	v1, err := eng.MarkPaid(ctx, payment.ID, time.Now(), "ext-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v1.ExpiresAt.After(before) {
		t.Fatalf("expected expiry to advance on first settlement")
	}

	v2, err := eng.MarkPaid(ctx, payment.ID, time.Now().Add(time.Hour), "ext-1")
	if err != nil {
		t.Fatalf("unexpected error on re-settlement: %v", err)
	}
	if !v2.ExpiresAt.Equal(v1.ExpiresAt) {
		t.Fatalf("re-settlement of an already-paid payment must be a no-op, expiry changed from %v to %v", v1.ExpiresAt, v2.ExpiresAt)
	}
}
