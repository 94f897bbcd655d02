package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/internal/secrets"
	"github.com/lnvps/api/pkg/billing"
	"github.com/lnvps/api/pkg/dnsdriver"
	"github.com/lnvps/api/pkg/hostdriver"
	"github.com/lnvps/api/pkg/lightning"
	"github.com/lnvps/api/pkg/notify"
	"github.com/lnvps/api/pkg/provisioner"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/routerdriver"
	"github.com/lnvps/api/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestWorker(t *testing.T, m *repo.Memory, nwc NWCPayer, lightningP lightning.Provider, secretsMgr *secrets.Manager) *Worker {
	t.Helper()
	drivers := map[types.HostKind]hostdriver.Driver{types.HostKindMock: hostdriver.NewMockDriver()}
	prov := provisioner.New(m, drivers, routerdriver.NewNoop(), dnsdriver.NewNoop(), notify.NewRegistry(), provisioner.Config{MaxDriverRetries: 1})
	bill := billing.New(m, fixedRate{1}, prov, billing.Config{})
	return New(m, prov, bill, lightningP, nwc, secretsMgr, drivers, notify.NewRegistry(), discardLogger(), nil, Config{
		AutoRenewWindow: 72 * time.Hour,
		DeleteAfter:     24 * time.Hour,
	})
}

type fixedRate struct{ rate float64 }

func (f fixedRate) GetRate(context.Context, string, string) (float64, error) { return f.rate, nil }

func TestSettleProvisioningSpawnsAwaitingVMs(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	region := types.Region{ID: uuid.New(), Enabled: true}
	m.Regions[region.ID] = region
	host := types.Host{ID: uuid.New(), RegionID: region.ID, Kind: types.HostKindMock, CPU: 8, MemoryBytes: 32 << 30, LoadFactor: 1, Enabled: true}
	m.Hosts[host.ID] = host
	m.HostDisks[uuid.New()] = types.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 500 << 30, Kind: types.DiskKindSSD, Interface: types.DiskInterfaceSCSI, Enabled: true}
	tmpl := types.VMTemplate{ID: uuid.New(), RegionID: region.ID, CPU: 1, MemoryBytes: 1 << 30, DiskSizeBytes: 10 << 30, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI, Enabled: true}
	m.VMTemplates[tmpl.ID] = tmpl
	image := types.OSImage{ID: uuid.New(), SourceURL: "https://images.example/img.qcow2", Enabled: true}
	m.OSImages[image.ID] = image
	key := types.SSHKey{ID: uuid.New(), PublicKey: "ssh-ed25519 AAAA"}
	m.SSHKeys[key.ID] = key

	vm := types.VM{
		ID: uuid.New(), HostID: host.ID, TemplateID: &tmpl.ID, ImageID: image.ID, SSHKeyID: key.ID,
		State: types.VMStateProvisioning, ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	m.VMs[vm.ID] = vm

	w := newTestWorker(t, m, nil, nil, nil)
	if err := w.settleProvisioning(ctx); err != nil {
		t.Fatalf("settleProvisioning: %v", err)
	}

	spawned, _ := m.GetVM(ctx, vm.ID)
	if spawned.State != types.VMStateRunning {
		t.Fatalf("expected vm to be spawned to running, got %s", spawned.State)
	}
}

func TestExpireOverdueMarksExpiredAndRecordsHistory(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	host := types.Host{ID: uuid.New(), Kind: types.HostKindMock, Enabled: true}
	m.Hosts[host.ID] = host

	user := types.User{ID: uuid.New(), Email: "owner@example.com"}
	m.Users[user.ID] = user

	vm := types.VM{
		ID:           uuid.New(),
		UserID:       user.ID,
		HostID:       host.ID,
		HypervisorID: "mock-1",
		State:        types.VMStateRunning,
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	m.VMs[vm.ID] = vm

	w := newTestWorker(t, m, nil, nil, nil)
	recorder := &recordingNotifier{}
	w.notifier = notify.NewRegistry()
	w.notifier.Register(recorder)

	if err := w.expireOverdue(ctx); err != nil {
		t.Fatalf("expireOverdue: %v", err)
	}

	got, _ := m.GetVM(ctx, vm.ID)
	if got.State != types.VMStateExpired {
		t.Fatalf("expected vm expired, got %s", got.State)
	}
	if !got.Disabled {
		t.Fatalf("expected vm to be marked disabled")
	}
	history, _ := m.ListVMHistory(ctx, vm.ID)
	if len(history) != 1 || history[0].Action != types.VMHistoryExpired {
		t.Fatalf("expected one expired history entry, got %+v", history)
	}
	if recorder.calls != 1 {
		t.Fatalf("expected exactly one expiry notification, got %d", recorder.calls)
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

func TestPurgeDeletedCallsProvisionerDelete(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	vm := types.VM{ID: uuid.New(), State: types.VMStateExpired, ExpiresAt: time.Now().Add(-48 * time.Hour)}
	m.VMs[vm.ID] = vm

	w := newTestWorker(t, m, nil, nil, nil)
	if err := w.purgeDeleted(ctx); err != nil {
		t.Fatalf("purgeDeleted: %v", err)
	}

	got, _ := m.GetVM(ctx, vm.ID)
	if !got.Deleted {
		t.Fatalf("expected vm to be purged (deleted), got %+v", got)
	}
}

func TestSyncLiveStateDetectsDrift(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	region := types.Region{ID: uuid.New(), Enabled: true}
	m.Regions[region.ID] = region
	host := types.Host{ID: uuid.New(), RegionID: region.ID, Kind: types.HostKindMock, Enabled: true}
	m.Hosts[host.ID] = host

	mockDriver := hostdriver.NewMockDriver()
	vm := types.VM{ID: uuid.New(), HostID: host.ID, State: types.VMStateRunning, HypervisorID: "mock-vm-missing", ExpiresAt: time.Now().Add(24 * time.Hour)}
	m.VMs[vm.ID] = vm

	drivers := map[types.HostKind]hostdriver.Driver{types.HostKindMock: mockDriver}
	prov := provisioner.New(m, drivers, routerdriver.NewNoop(), dnsdriver.NewNoop(), notify.NewRegistry(), provisioner.Config{})
	bill := billing.New(m, fixedRate{1}, prov, billing.Config{})
	w := New(m, prov, bill, nil, nil, nil, drivers, notify.NewRegistry(), discardLogger(), nil, Config{})

	if err := w.syncLiveState(ctx); err != nil {
		t.Fatalf("syncLiveState: %v", err)
	}

	history, _ := m.ListVMHistory(ctx, vm.ID)
	if len(history) != 1 || history[0].Action != types.VMHistoryAdminAction {
		t.Fatalf("expected a drift history entry for a vm missing from its hypervisor, got %+v", history)
	}
}

type fakeNWC struct {
	preimage string
	err      error
}

func (f fakeNWC) PayInvoice(context.Context, string, string) (string, error) {
	return f.preimage, f.err
}

type fakeLightning struct{}

func (fakeLightning) CreateInvoice(_ context.Context, amountMsat int64, memo string) (lightning.Invoice, error) {
	return lightning.Invoice{PaymentRequest: "lnbc1...", PaymentHash: "hash-" + memo, AmountMsat: amountMsat}, nil
}

func (fakeLightning) LookupInvoice(context.Context, string) (*lightning.SettleEvent, error) {
	return nil, nil
}

func TestAutoRenewPaysViaNWCAndSettles(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	mgr, err := secrets.NewManagerFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewManagerFromPassphrase: %v", err)
	}
	encryptedURI, err := mgr.Encrypt("nostr+walletconnect://fake")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	user := types.User{ID: uuid.New(), NWCConnectionURI: encryptedURI}
	m.Users[user.ID] = user

	plan := types.CostPlan{ID: uuid.New(), AmountUnits: 500, Currency: "EUR", IntervalAmount: 1, IntervalType: types.IntervalMonth}
	m.CostPlans[plan.ID] = plan
	tmpl := types.VMTemplate{ID: uuid.New(), CostPlanID: plan.ID, CPU: 1, MemoryBytes: 1 << 30, DiskSizeBytes: 10 << 30}
	m.VMTemplates[tmpl.ID] = tmpl

	vm := types.VM{ID: uuid.New(), UserID: user.ID, TemplateID: &tmpl.ID, AutoRenew: true, State: types.VMStateRunning, ExpiresAt: time.Now().Add(time.Hour)}
	m.VMs[vm.ID] = vm

	w := newTestWorker(t, m, fakeNWC{preimage: "preimage"}, fakeLightning{}, mgr)
	if err := w.attemptAutoRenew(ctx, vm); err != nil {
		t.Fatalf("attemptAutoRenew: %v", err)
	}

	renewed, _ := m.GetVM(ctx, vm.ID)
	if !renewed.ExpiresAt.After(vm.ExpiresAt) {
		t.Fatalf("expected expiry to advance after auto-renew settlement")
	}
}

type fakeDNS struct {
	forwardCalls int
	reverseCalls int
	deleted      []string
}

func (f *fakeDNS) CreateForwardRecord(_ context.Context, _, _, _ string) (string, error) {
	f.forwardCalls++
	return "fwd-1", nil
}

func (f *fakeDNS) CreateReverseRecord(_ context.Context, _, _, _ string) (string, error) {
	f.reverseCalls++
	return "rev-1", nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, _, recordID string) error {
	f.deleted = append(f.deleted, recordID)
	return nil
}

type fakeRouter struct {
	applied int
	removed []string
}

func (f *fakeRouter) ApplyAccessPolicy(_ context.Context, _, ip, _ string) error {
	f.applied++
	return nil
}

func (f *fakeRouter) RemoveAccessPolicy(_ context.Context, _, ip string) error {
	f.removed = append(f.removed, ip)
	return nil
}

func TestReconcileNetworkFillsMissingRecordsAndDropsStale(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	region := types.Region{ID: uuid.New(), Enabled: true}
	m.Regions[region.ID] = region

	policyID := uuid.New()
	ipRange := types.IPRange{ID: uuid.New(), RegionID: region.ID, CIDR: "10.0.0.0/28", ReverseZoneID: "zone-1", AccessPolicyID: &policyID, Enabled: true}
	m.IPRanges[ipRange.ID] = ipRange

	live := types.VM{ID: uuid.New(), State: types.VMStateRunning, MAC: "de:ad:be:ef:00:01"}
	m.VMs[live.ID] = live
	liveAssignment := types.IPAssignment{ID: uuid.New(), VMID: live.ID, IPRangeID: ipRange.ID, IP: "10.0.0.2"}
	m.IPAssignments[liveAssignment.ID] = liveAssignment

	gone := types.VM{ID: uuid.New(), State: types.VMStateDeleted, Deleted: true}
	m.VMs[gone.ID] = gone
	staleAssignment := types.IPAssignment{ID: uuid.New(), VMID: gone.ID, IPRangeID: ipRange.ID, IP: "10.0.0.3", ForwardDNSID: "fwd-old", ReverseDNSID: "rev-old"}
	m.IPAssignments[staleAssignment.ID] = staleAssignment

	w := newTestWorker(t, m, nil, nil, nil)
	dns := &fakeDNS{}
	router := &fakeRouter{}
	w.SetNetworkDrivers(router, dns)

	if err := w.reconcileNetwork(ctx); err != nil {
		t.Fatalf("reconcileNetwork: %v", err)
	}

	if dns.forwardCalls != 1 || dns.reverseCalls != 1 {
		t.Fatalf("expected exactly one forward and reverse record created for the live assignment, got forward=%d reverse=%d", dns.forwardCalls, dns.reverseCalls)
	}
	if router.applied != 1 {
		t.Fatalf("expected access policy applied once for the live assignment, got %d", router.applied)
	}

	updated, err := m.ListIPAssignmentsByRange(ctx, ipRange.ID)
	if err != nil {
		t.Fatalf("ListIPAssignmentsByRange: %v", err)
	}
	if len(updated) != 1 || updated[0].ID != liveAssignment.ID {
		t.Fatalf("expected only the live assignment to remain, got %+v", updated)
	}
	if updated[0].ForwardDNSID != "fwd-1" || updated[0].ReverseDNSID != "rev-1" {
		t.Fatalf("expected live assignment to be filled in with new dns record ids, got %+v", updated[0])
	}

	if len(dns.deleted) != 2 || router.removed[0] != staleAssignment.IP {
		t.Fatalf("expected stale assignment's dns records and access policy to be torn down, deleted=%v removed=%v", dns.deleted, router.removed)
	}
}

func TestAutoRenewSkipsWithoutNWCConfigured(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()

	user := types.User{ID: uuid.New()}
	m.Users[user.ID] = user
	vm := types.VM{ID: uuid.New(), UserID: user.ID, AutoRenew: true, State: types.VMStateRunning, ExpiresAt: time.Now().Add(time.Hour)}
	m.VMs[vm.ID] = vm

	w := newTestWorker(t, m, nil, nil, nil)
	if err := w.attemptAutoRenew(ctx, vm); err != nil {
		t.Fatalf("expected no error when auto-pay is unconfigured, got %v", err)
	}
}
