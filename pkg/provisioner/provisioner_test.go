package provisioner

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/pkg/capacity"
	"github.com/lnvps/api/pkg/dnsdriver"
	"github.com/lnvps/api/pkg/hostdriver"
	"github.com/lnvps/api/pkg/notify"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/routerdriver"
	"github.com/lnvps/api/pkg/types"

	"context"
)

func newFixture(t *testing.T) (*Provisioner, *repo.Memory, types.Region, types.Host, types.VMTemplate, types.OSImage, types.SSHKey) {
	t.Helper()
	m := repo.NewMemory()

	region := types.Region{ID: uuid.New(), Enabled: true}
	m.Regions[region.ID] = region

	host := types.Host{ID: uuid.New(), RegionID: region.ID, Kind: types.HostKindMock, CPU: 8, MemoryBytes: 32 << 30, LoadFactor: 1, Enabled: true}
	m.Hosts[host.ID] = host
	disk := types.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 500 << 30, Kind: types.DiskKindSSD, Interface: types.DiskInterfaceSCSI, Enabled: true}
	m.HostDisks[disk.ID] = disk

	tmpl := types.VMTemplate{
		ID: uuid.New(), RegionID: region.ID,
		CPU: 2, MemoryBytes: 4 << 30, DiskSizeBytes: 80 << 30,
		DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI, Enabled: true,
	}
	m.VMTemplates[tmpl.ID] = tmpl

	image := types.OSImage{ID: uuid.New(), SourceURL: "https://images.example/debian-13.qcow2", Enabled: true}
	m.OSImages[image.ID] = image

	key := types.SSHKey{ID: uuid.New(), PublicKey: "ssh-ed25519 AAAA..."}
	m.SSHKeys[key.ID] = key

	rng := types.IPRange{
		ID: uuid.New(), RegionID: region.ID, CIDR: "203.0.113.0/29",
		Gateway: "203.0.113.1", AllocationMode: types.AllocationSequential, Enabled: true,
	}
	m.IPRanges[rng.ID] = rng

	drivers := map[types.HostKind]hostdriver.Driver{types.HostKindMock: hostdriver.NewMockDriver()}
	p := New(m, drivers, routerdriver.NewNoop(), dnsdriver.NewNoop(), notify.NewRegistry(), Config{MaxDriverRetries: 3})
	return p, m, region, host, tmpl, image, key
}

func TestOrderStandardThenSpawn(t *testing.T) {
	ctx := context.Background()
	p, m, region, host, tmpl, image, key := newFixture(t)
	_ = host

	vm, err := p.OrderStandard(ctx, uuid.New(), region.ID, tmpl.ID, image.ID, key.ID, "")
	if err != nil {
		t.Fatalf("OrderStandard: %v", err)
	}
	if vm.State != types.VMStateAwaitingPayment {
		t.Fatalf("expected new order to await payment, got %s", vm.State)
	}

	if err := p.Spawn(ctx, vm.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	spawned, err := m.GetVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if spawned.State != types.VMStateRunning {
		t.Fatalf("expected vm running after spawn, got %s", spawned.State)
	}
	if spawned.HypervisorID == "" {
		t.Fatal("expected a hypervisor id to be assigned")
	}

	assignments, err := m.ListIPAssignmentsByVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("ListIPAssignmentsByVM: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected one ip assignment, got %d", len(assignments))
	}
	if assignments[0].IP == "203.0.113.0" || assignments[0].IP == "203.0.113.7" {
		t.Fatalf("expected network/broadcast address to be excluded, got %s", assignments[0].IP)
	}

	history, err := m.ListVMHistory(ctx, vm.ID)
	if err != nil {
		t.Fatalf("ListVMHistory: %v", err)
	}
	if len(history) != 2 || history[0].Action != types.VMHistoryCreated || history[1].Action != types.VMHistorySpawned {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSpawnIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, m, region, _, tmpl, image, key := newFixture(t)

	vm, err := p.OrderStandard(ctx, uuid.New(), region.ID, tmpl.ID, image.ID, key.ID, "")
	if err != nil {
		t.Fatalf("OrderStandard: %v", err)
	}
	if err := p.Spawn(ctx, vm.ID); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if err := p.Spawn(ctx, vm.ID); err != nil {
		t.Fatalf("second Spawn should be a no-op, got %v", err)
	}

	assignments, _ := m.ListIPAssignmentsByVM(ctx, vm.ID)
	if len(assignments) != 1 {
		t.Fatalf("re-spawning must not allocate a second ip assignment, got %d", len(assignments))
	}
}

func TestSpawnFailureLeavesVMAwaitingPaymentAndNotifiesAdmin(t *testing.T) {
	ctx := context.Background()
	p, m, region, _, tmpl, image, key := newFixture(t)

	mock := p.drivers[types.HostKindMock].(*hostdriver.MockDriver)
	mock.FailNextImport = true

	recorder := &recordingNotifier{}
	p.notifier = notify.NewRegistry()
	p.notifier.Register(recorder)
	p.cfg.AdminRecipient = "ops@example.com"
	p.cfg.MaxDriverRetries = 1 // exhaust budget on the single simulated failure

	vm, err := p.OrderStandard(ctx, uuid.New(), region.ID, tmpl.ID, image.ID, key.ID, "")
	if err != nil {
		t.Fatalf("OrderStandard: %v", err)
	}

	if err := p.Spawn(ctx, vm.ID); err == nil {
		t.Fatal("expected spawn to fail when image import fails every attempt")
	}

	failed, _ := m.GetVM(ctx, vm.ID)
	if failed.State != types.VMStateAwaitingPayment {
		t.Fatalf("expected vm to remain awaiting payment after spawn failure, got %s", failed.State)
	}
	if recorder.calls != 1 {
		t.Fatalf("expected exactly one admin notification, got %d", recorder.calls)
	}

	history, _ := m.ListVMHistory(ctx, vm.ID)
	last := history[len(history)-1]
	if last.Action != types.VMHistoryDriverFailure {
		t.Fatalf("expected a driver_failure history entry, got %s", last.Action)
	}
}

func TestSpawnRetriesTransientFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	p, m, region, _, tmpl, image, key := newFixture(t)

	mock := p.drivers[types.HostKindMock].(*hostdriver.MockDriver)
	mock.FailNextImport = true // the mock only fails the very next call, so retry #2 succeeds
	p.cfg.MaxDriverRetries = 3

	vm, err := p.OrderStandard(ctx, uuid.New(), region.ID, tmpl.ID, image.ID, key.ID, "")
	if err != nil {
		t.Fatalf("OrderStandard: %v", err)
	}
	if err := p.Spawn(ctx, vm.ID); err != nil {
		t.Fatalf("expected retry to recover from one transient failure, got %v", err)
	}
	spawned, _ := m.GetVM(ctx, vm.ID)
	if spawned.State != types.VMStateRunning {
		t.Fatalf("expected vm running after retried spawn, got %s", spawned.State)
	}
}

func TestDeleteIsIdempotentAndReleasesIP(t *testing.T) {
	ctx := context.Background()
	p, m, region, _, tmpl, image, key := newFixture(t)

	vm, err := p.OrderStandard(ctx, uuid.New(), region.ID, tmpl.ID, image.ID, key.ID, "")
	if err != nil {
		t.Fatalf("OrderStandard: %v", err)
	}
	if err := p.Spawn(ctx, vm.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := p.Delete(ctx, vm.ID, "test teardown"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := p.Delete(ctx, vm.ID, "test teardown"); err != nil {
		t.Fatalf("second Delete should be idempotent, got %v", err)
	}

	deleted, _ := m.GetVM(ctx, vm.ID)
	if !deleted.Deleted || deleted.State != types.VMStateDeleted {
		t.Fatalf("expected vm marked deleted, got %+v", deleted)
	}

	assignments, err := m.ListIPAssignmentsByVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("ListIPAssignmentsByVM: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("expected ip assignment to be released on delete, got %d", len(assignments))
	}
}

func TestUpgradeConvertsStandardTemplateAndPatchesShape(t *testing.T) {
	ctx := context.Background()
	p, m, region, _, tmpl, image, key := newFixture(t)

	pricing := types.CustomPricing{
		ID: uuid.New(), RegionID: region.ID, Currency: "USD", Enabled: true,
		MinCPU: 1, MaxCPU: 16, MinMemoryBytes: 1 << 30, MaxMemoryBytes: 64 << 30,
		MinDiskBytes: 10 << 30, MaxDiskBytes: 1000 << 30,
		DiskCostUnits: map[string]int64{"ssd:scsi": 100},
	}
	m.CustomPricings[pricing.ID] = pricing

	vm, err := p.OrderStandard(ctx, uuid.New(), region.ID, tmpl.ID, image.ID, key.ID, "")
	if err != nil {
		t.Fatalf("OrderStandard: %v", err)
	}
	if err := p.Spawn(ctx, vm.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	target := types.Shape{CPU: 4, MemoryBytes: 8 << 30, DiskSizeBytes: 160 << 30, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI}
	if err := p.Upgrade(ctx, vm.ID, target); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	upgraded, _ := m.GetVM(ctx, vm.ID)
	if upgraded.TemplateID != nil {
		t.Fatal("expected standard template binding to be cleared after upgrade")
	}
	if upgraded.CustomTemplateID == nil {
		t.Fatal("expected a custom template binding after upgrade")
	}
	ct, err := m.GetCustomTemplate(ctx, *upgraded.CustomTemplateID)
	if err != nil {
		t.Fatalf("GetCustomTemplate: %v", err)
	}
	if ct.CPU != target.CPU || ct.MemoryBytes != target.MemoryBytes {
		t.Fatalf("expected custom template to reflect the target shape, got %+v", ct)
	}
}

// TestIPRangeExhaustionThenFreesDeterministically exercises spec.md §8's
// boundary scenario: a /28 range (14 usable addresses once network/
// broadcast are excluded) admits its 14th live assignment, rejects a 15th,
// and after one assignment is released the next allocation lands on the
// freed address deterministically (lowest free IP, sequential mode).
func TestIPRangeExhaustionThenFreesDeterministically(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()
	region := types.Region{ID: uuid.New(), Enabled: true}
	m.Regions[region.ID] = region

	rng := types.IPRange{
		ID: uuid.New(), RegionID: region.ID, CIDR: "203.0.113.0/28",
		Gateway: "203.0.113.1", AllocationMode: types.AllocationSequential, Enabled: true,
	}
	m.IPRanges[rng.ID] = rng

	drivers := map[types.HostKind]hostdriver.Driver{types.HostKindMock: hostdriver.NewMockDriver()}
	p := New(m, drivers, routerdriver.NewNoop(), dnsdriver.NewNoop(), notify.NewRegistry(), Config{MaxDriverRetries: 1})

	// 13 pre-existing live assignments out of 14 usable addresses
	// (203.0.113.1 .. 203.0.113.14).
	var seeded []types.IPAssignment
	for i := 1; i <= 13; i++ {
		a, err := m.CreateIPAssignment(ctx, types.IPAssignment{
			VMID: uuid.New(), IPRangeID: rng.ID, IP: fmt.Sprintf("203.0.113.%d", i),
		})
		if err != nil {
			t.Fatalf("seeding assignment %d: %v", i, err)
		}
		seeded = append(seeded, a)
	}

	ip, err := p.pickIP(ctx, rng, "de:ad:be:ef:00:01")
	if err != nil {
		t.Fatalf("expected the 14th allocation to succeed, got %v", err)
	}
	if ip != "203.0.113.14" {
		t.Fatalf("expected the last free address 203.0.113.14, got %s", ip)
	}
	if _, err := m.CreateIPAssignment(ctx, types.IPAssignment{VMID: uuid.New(), IPRangeID: rng.ID, IP: ip}); err != nil {
		t.Fatalf("persisting 14th assignment: %v", err)
	}

	if _, err := p.pickIP(ctx, rng, "de:ad:be:ef:00:02"); !errors.Is(err, capacity.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity for the 15th allocation, got %v", err)
	}

	// Free the lowest-numbered assignment and confirm the next allocation
	// lands on it deterministically rather than on a higher address.
	if err := m.DeleteIPAssignment(ctx, seeded[0].ID, time.Now()); err != nil {
		t.Fatalf("releasing seeded[0]: %v", err)
	}

	ip, err = p.pickIP(ctx, rng, "de:ad:be:ef:00:03")
	if err != nil {
		t.Fatalf("expected allocation to succeed after freeing one address, got %v", err)
	}
	if ip != "203.0.113.1" {
		t.Fatalf("expected the freed lowest address 203.0.113.1 in sequential mode, got %s", ip)
	}
}

type recordingNotifier struct {
	calls int
}

func (r *recordingNotifier) Name() string { return "recorder" }
func (r *recordingNotifier) Send(_ context.Context, _ string, _ notify.Message) error {
	r.calls++
	return nil
}
