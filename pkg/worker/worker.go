// Package worker implements the Lifecycle Worker (spec.md §4.4): a
// ticking reconciliation loop that settles overdue provisioning, attempts
// auto-renewal payments, expires and purges lapsed VMs, and syncs live
// hypervisor state against the control plane's record. Modeled on the
// teacher's pkg/escalation/engine.go ticker-and-tick shape.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lnvps/api/internal/secrets"
	"github.com/lnvps/api/pkg/billing"
	"github.com/lnvps/api/pkg/dnsdriver"
	"github.com/lnvps/api/pkg/fiat"
	"github.com/lnvps/api/pkg/hostdriver"
	"github.com/lnvps/api/pkg/lightning"
	"github.com/lnvps/api/pkg/notify"
	"github.com/lnvps/api/pkg/provisioner"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/routerdriver"
	"github.com/lnvps/api/pkg/types"
)

// NWCPayer requests payment of a Lightning invoice through a user's Nostr
// Wallet Connect endpoint. No NWC client ships in the retrieved example
// corpus (see DESIGN.md); internal/app passes nil, so auto-pay is off in
// the shipped binary, and tests use a fake.
type NWCPayer interface {
	PayInvoice(ctx context.Context, nwcURI, paymentRequest string) (preimage string, err error)
}

// Config tunes the worker's tick cadence and reconciliation windows.
type Config struct {
	Interval        time.Duration
	AutoRenewWindow time.Duration // how far before expiry auto-renew is attempted
	DeleteAfter     time.Duration // how long past expiry a VM is purged
	AdminRecipient  string
}

// Metrics is the worker's Prometheus instrumentation, mirroring the
// teacher's per-tier CounterVec shape.
type Metrics struct {
	TicksTotal      prometheus.Counter
	TickErrorsTotal *prometheus.CounterVec // labeled by step
}

// Worker runs the Lifecycle Worker loop.
type Worker struct {
	repo        repo.Repository
	provisioner *provisioner.Provisioner
	billing     *billing.Engine
	lightningP  lightning.Provider
	fiatP       fiat.Provider
	nwc         NWCPayer
	secretsMgr  *secrets.Manager
	hostDrivers map[types.HostKind]hostdriver.Driver
	router      routerdriver.Driver
	dns         dnsdriver.Driver
	notifier    *notify.Registry
	logger      *slog.Logger
	metrics     *Metrics
	cfg         Config
}

// New builds a Worker. lightningP, nwc and secretsMgr may be nil to disable
// auto-renewal (expiry/purge/spawn reconciliation still run).
func New(r repo.Repository, p *provisioner.Provisioner, b *billing.Engine, lightningP lightning.Provider, nwc NWCPayer, secretsMgr *secrets.Manager, hostDrivers map[types.HostKind]hostdriver.Driver, notifier *notify.Registry, logger *slog.Logger, metrics *Metrics, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.AutoRenewWindow <= 0 {
		cfg.AutoRenewWindow = 72 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:        r,
		provisioner: p,
		billing:     b,
		lightningP:  lightningP,
		nwc:         nwc,
		secretsMgr:  secretsMgr,
		hostDrivers: hostDrivers,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// SetFiatProvider attaches a fiat checkout provider so pollPendingPayments
// can poll fiat sessions in addition to Lightning invoices. Optional: a nil
// provider simply skips the fiat half of that step.
func (w *Worker) SetFiatProvider(p fiat.Provider) {
	w.fiatP = p
}

// SetNetworkDrivers attaches the router/DNS drivers used by
// reconcileNetwork. Optional: nil drivers simply skip that half of the
// reconciliation step (a region with no router or no reverse zone
// configured uses routerdriver.NewNoop / dnsdriver.NewNoop upstream anyway).
func (w *Worker) SetNetworkDrivers(router routerdriver.Driver, dns dnsdriver.Driver) {
	w.router = router
	w.dns = dns
}

// Run blocks, ticking every cfg.Interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("lifecycle worker started", "interval", w.cfg.Interval)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("lifecycle worker stopped")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one reconciliation pass. Each step logs its own per-item
// failures and continues; one VM's driver error never blocks another's.
func (w *Worker) tick(ctx context.Context) {
	if w.metrics != nil && w.metrics.TicksTotal != nil {
		w.metrics.TicksTotal.Inc()
	}

	w.runStep(ctx, "poll_pending_payments", w.pollPendingPayments)
	w.runStep(ctx, "settle_provisioning", w.settleProvisioning)
	w.runStep(ctx, "auto_renew", w.autoRenew)
	w.runStep(ctx, "expire", w.expireOverdue)
	w.runStep(ctx, "purge", w.purgeDeleted)
	w.runStep(ctx, "sync_live_state", w.syncLiveState)
	w.runStep(ctx, "reconcile_network", w.reconcileNetwork)
}

func (w *Worker) runStep(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		w.logger.Error("lifecycle worker step failed", "step", name, "error", err)
		if w.metrics != nil && w.metrics.TickErrorsTotal != nil {
			w.metrics.TickErrorsTotal.WithLabelValues(name).Inc()
		}
	}
}

// settleProvisioning spawns every VM that has settled its first payment but
// has not yet been handed to a hypervisor (spec.md §4.4 "settle overdue
// provisioning").
func (w *Worker) settleProvisioning(ctx context.Context) error {
	vms, err := w.repo.ListVMsAwaitingSpawn(ctx)
	if err != nil {
		return fmt.Errorf("listing vms awaiting spawn: %w", err)
	}
	for _, vm := range vms {
		if err := w.provisioner.Spawn(ctx, vm.ID); err != nil {
			w.logger.Error("spawn failed during reconciliation", "vm_id", vm.ID, "error", err)
		}
	}
	return nil
}

// pollPendingPayments settles any unpaid Lightning/fiat payment whose
// provider now reports it complete, by polling the provider directly. No
// payment-webhook route is mounted by this module, so this poll is the
// path through which provider-side settlements reach billing.MarkPaid.
func (w *Worker) pollPendingPayments(ctx context.Context) error {
	if w.billing == nil {
		return nil
	}
	if w.lightningP != nil {
		if err := w.pollLightningPayments(ctx); err != nil {
			return err
		}
	}
	if w.fiatP != nil {
		if err := w.pollFiatPayments(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) pollLightningPayments(ctx context.Context) error {
	payments, err := w.repo.ListUnsettledPayments(ctx, types.PaymentMethodLightning, time.Now())
	if err != nil {
		return fmt.Errorf("listing unsettled lightning payments: %w", err)
	}
	for _, payment := range payments {
		if payment.ExternalID == "" {
			continue // invoice hash unknown until CreateInvoice recorded it
		}
		settled, err := w.lightningP.LookupInvoice(ctx, payment.ExternalID)
		if err != nil {
			w.logger.Warn("lightning invoice lookup failed", "payment_id", payment.ID, "error", err)
			continue
		}
		if settled == nil {
			continue
		}
		if _, err := w.billing.MarkPaid(ctx, payment.ID, time.Unix(settled.SettledAt, 0), settled.PaymentHash); err != nil {
			w.logger.Error("settling polled lightning payment failed", "payment_id", payment.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) pollFiatPayments(ctx context.Context) error {
	payments, err := w.repo.ListUnsettledPayments(ctx, types.PaymentMethodFiat, time.Now())
	if err != nil {
		return fmt.Errorf("listing unsettled fiat payments: %w", err)
	}
	for _, payment := range payments {
		if payment.ExternalID == "" {
			continue // checkout session id unknown until CreateCheckoutSession recorded it
		}
		settled, err := w.fiatP.LookupSession(ctx, payment.ExternalID)
		if err != nil {
			w.logger.Warn("fiat session lookup failed", "payment_id", payment.ID, "error", err)
			continue
		}
		if settled == nil {
			continue
		}
		if _, err := w.billing.MarkPaid(ctx, payment.ID, time.Unix(settled.SettledAt, 0), settled.SessionID); err != nil {
			w.logger.Error("settling polled fiat payment failed", "payment_id", payment.ID, "error", err)
		}
	}
	return nil
}

// autoRenew handles every VM with auto-renew enabled that is inside its
// renewal window: when an NWC payer is wired and the owner has an NWC
// wallet configured, it issues a renewal invoice and attempts to pay it
// automatically; otherwise no invoice is issued. A failed or skipped
// auto-pay leaves the VM to expire naturally; it is not treated as a
// worker error.
func (w *Worker) autoRenew(ctx context.Context) error {
	if w.billing == nil {
		return nil
	}
	vms, err := w.repo.ListVMsForAutoRenew(ctx, w.cfg.AutoRenewWindow, time.Now())
	if err != nil {
		return fmt.Errorf("listing vms for auto-renew: %w", err)
	}
	for _, vm := range vms {
		if !vm.AutoRenew {
			continue
		}
		if err := w.attemptAutoRenew(ctx, vm); err != nil {
			w.logger.Warn("auto-renew attempt failed", "vm_id", vm.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) attemptAutoRenew(ctx context.Context, vm types.VM) error {
	if w.nwc == nil || w.secretsMgr == nil {
		return nil // no auto-pay channel configured; VM lapses to manual renewal
	}
	user, err := w.repo.GetUser(ctx, vm.UserID)
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	if user.NWCConnectionURI == "" {
		return nil
	}
	nwcURI, err := w.secretsMgr.Decrypt(user.NWCConnectionURI)
	if err != nil {
		return fmt.Errorf("decrypting nwc connection uri: %w", err)
	}

	payment, err := w.billing.NewInvoice(ctx, vm.ID, types.PaymentKindRenew, types.PaymentMethodLightning, "", nil)
	if err != nil {
		return fmt.Errorf("creating renewal invoice: %w", err)
	}

	// billing.NewInvoice already asked its own lightning provider to mint
	// the invoice when one is wired; reuse that BOLT11 string instead of
	// minting a second, orphaned invoice for the same payment.
	var bolt11 string
	if payment.ExternalDataEnc != "" {
		bolt11, err = w.secretsMgr.Decrypt(payment.ExternalDataEnc)
		if err != nil {
			return fmt.Errorf("decrypting renewal invoice: %w", err)
		}
	} else {
		if w.lightningP == nil {
			return nil
		}
		invoice, err := w.lightningP.CreateInvoice(ctx, billing.TotalMsat(payment), "lnvps renewal "+vm.ID.String())
		if err != nil {
			return fmt.Errorf("creating lightning invoice: %w", err)
		}
		bolt11 = invoice.PaymentRequest
		payment.ExternalID = invoice.PaymentHash
	}

	preimage, err := w.nwc.PayInvoice(ctx, nwcURI, bolt11)
	if err != nil {
		return fmt.Errorf("requesting nwc payment: %w", err)
	}
	_ = preimage

	if _, err := w.billing.MarkPaid(ctx, payment.ID, time.Now(), payment.ExternalID); err != nil {
		return fmt.Errorf("settling auto-renew payment: %w", err)
	}
	return nil
}

// expireOverdue transitions any non-deleted VM past its expiry into the
// Expired state, disabling it at the hypervisor and notifying its owner
// (spec.md §4.4 "mark disabled at hypervisor if running, emit notification,
// record history"; e2e scenario 6).
func (w *Worker) expireOverdue(ctx context.Context) error {
	vms, err := w.repo.ListVMsToExpire(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("listing vms to expire: %w", err)
	}
	for _, vm := range vms {
		w.disableAtHypervisor(ctx, vm)

		vm.State = types.VMStateExpired
		vm.Disabled = true
		if err := w.repo.UpdateVM(ctx, vm); err != nil {
			w.logger.Error("failed marking vm expired", "vm_id", vm.ID, "error", err)
			continue
		}
		w.notifyOwner(ctx, vm, "Your VPS has expired", fmt.Sprintf("vm %s has expired and been disabled; renew to restore service", vm.ID))
		if err := w.repo.AppendVMHistory(ctx, types.VMHistoryEntry{
			VMID: vm.ID, Action: types.VMHistoryExpired, Actor: "worker", Description: "expired without renewal",
		}); err != nil {
			w.logger.Error("failed recording expiry history", "vm_id", vm.ID, "error", err)
		}
	}
	return nil
}

// disableAtHypervisor stops a running VM's hypervisor entity so it stops
// consuming the host's resources once it has lapsed. Best-effort: a driver
// failure here is logged, not retried, the worker still expires the VM.
func (w *Worker) disableAtHypervisor(ctx context.Context, vm types.VM) {
	if vm.HypervisorID == "" {
		return
	}
	host, err := w.repo.GetHost(ctx, vm.HostID)
	if err != nil {
		w.logger.Error("resolving host for expiry disable", "vm_id", vm.ID, "error", err)
		return
	}
	driver, ok := w.hostDrivers[host.Kind]
	if !ok {
		return
	}
	state, err := driver.State(ctx, host, vm.HypervisorID)
	if err != nil {
		w.logger.Warn("querying hypervisor state for expiry disable failed", "vm_id", vm.ID, "error", err)
		return
	}
	if state.State != "running" {
		return
	}
	if err := driver.Stop(ctx, host, vm.HypervisorID); err != nil {
		w.logger.Error("stopping expired vm at hypervisor failed", "vm_id", vm.ID, "error", err)
	}
}

// notifyOwner sends a VM-lifecycle notification to the VM's owning user.
// Prefers the user's email; falls back to their pubkey (for a Nostr
// provider) when no email is on file.
func (w *Worker) notifyOwner(ctx context.Context, vm types.VM, subject, body string) {
	if w.notifier == nil {
		return
	}
	user, err := w.repo.GetUser(ctx, vm.UserID)
	if err != nil {
		w.logger.Error("resolving vm owner for notification", "vm_id", vm.ID, "error", err)
		return
	}
	recipient := user.Email
	if recipient == "" {
		recipient = user.Pubkey
	}
	if recipient == "" {
		return
	}
	for _, prov := range w.notifier.All() {
		_ = prov.Send(ctx, recipient, notify.Message{Subject: subject, Body: body, Urgency: "normal"})
	}
}

// purgeDeleted deletes any VM whose grace period past expiry has elapsed,
// via the Provisioner so driver/IP teardown happens; the VM row is kept and
// marked deleted.
func (w *Worker) purgeDeleted(ctx context.Context) error {
	vms, err := w.repo.ListVMsToPurge(ctx, w.cfg.DeleteAfter, time.Now())
	if err != nil {
		return fmt.Errorf("listing vms to purge: %w", err)
	}
	for _, vm := range vms {
		if err := w.provisioner.Delete(ctx, vm.ID, "delete-after grace period elapsed"); err != nil {
			w.logger.Error("purge failed", "vm_id", vm.ID, "error", err)
		}
	}
	return nil
}

// syncLiveState polls each running VM's hypervisor-reported state and logs
// drift between what the control plane believes and what the driver
// reports, notifying admins when a VM has disappeared from its host
// entirely.
func (w *Worker) syncLiveState(ctx context.Context) error {
	hosts, err := w.repo.ListEnabledHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}
	for _, host := range hosts {
		driver, ok := w.hostDrivers[host.Kind]
		if !ok {
			continue
		}
		vms, err := w.repo.ListActiveVMsByHost(ctx, host.ID)
		if err != nil {
			w.logger.Error("listing active vms for host", "host_id", host.ID, "error", err)
			continue
		}
		for _, vm := range vms {
			w.syncOne(ctx, host, driver, vm)
		}
	}
	return nil
}

func (w *Worker) syncOne(ctx context.Context, host types.Host, driver hostdriver.Driver, vm types.VM) {
	if vm.HypervisorID == "" || vm.State != types.VMStateRunning {
		return
	}
	state, err := driver.State(ctx, host, vm.HypervisorID)
	if err != nil {
		w.logger.Warn("live state poll failed", "vm_id", vm.ID, "error", err)
		return
	}
	if state.State == "running" {
		return
	}
	w.logger.Warn("vm drifted from expected running state", "vm_id", vm.ID, "observed_state", state.State)
	if err := w.repo.AppendVMHistory(ctx, types.VMHistoryEntry{
		VMID: vm.ID, Action: types.VMHistoryAdminAction, Actor: "worker",
		Description: fmt.Sprintf("detected hypervisor state %q, expected running", state.State),
	}); err != nil {
		w.logger.Error("failed recording drift history", "vm_id", vm.ID, "error", err)
	}
	w.notifyAdmin(ctx, "VM state drift detected", fmt.Sprintf("vm %s reports %q, expected running", vm.ID, state.State))
}

// reconcileNetwork walks every region's IP ranges and, for each live
// assignment, creates whatever DNS record or router access-policy entry is
// missing, and drops the assignment's network-side state once its owning
// VM is gone (spec.md §4.4 "Router/DNS reconciliation"). A range with no
// access policy or no reverse zone configured already routes through
// routerdriver.NewNoop / dnsdriver.NewNoop, so this step is a no-op for it.
func (w *Worker) reconcileNetwork(ctx context.Context) error {
	if w.router == nil && w.dns == nil {
		return nil
	}
	regions, err := w.repo.ListRegions(ctx)
	if err != nil {
		return fmt.Errorf("listing regions: %w", err)
	}
	for _, region := range regions {
		ranges, err := w.repo.ListIPRangesByRegion(ctx, region.ID)
		if err != nil {
			w.logger.Error("listing ip ranges", "region_id", region.ID, "error", err)
			continue
		}
		for _, r := range ranges {
			w.reconcileRange(ctx, r)
		}
	}
	return nil
}

func (w *Worker) reconcileRange(ctx context.Context, r types.IPRange) {
	assignments, err := w.repo.ListIPAssignmentsByRange(ctx, r.ID)
	if err != nil {
		w.logger.Error("listing ip assignments", "range_id", r.ID, "error", err)
		return
	}
	for _, a := range assignments {
		vm, err := w.repo.GetVM(ctx, a.VMID)
		if err != nil {
			w.logger.Error("resolving vm for ip assignment", "assignment_id", a.ID, "error", err)
			continue
		}
		if vm.Deleted || vm.State == types.VMStateDeleted {
			// stale entry: the owning VM is gone but its network-side
			// state outlived it (e.g. Provisioner.Delete's best-effort
			// teardown failed). Drop it now.
			w.dropAssignment(ctx, r, a)
			continue
		}
		w.ensureAssignment(ctx, r, a, vm)
	}
}

func (w *Worker) ensureAssignment(ctx context.Context, r types.IPRange, a types.IPAssignment, vm types.VM) {
	hostname := "vm-" + vm.ID.String()
	if w.dns != nil && r.ReverseZoneID != "" {
		if a.ForwardDNSID == "" {
			id, err := w.dns.CreateForwardRecord(ctx, r.ReverseZoneID, hostname, a.IP)
			if err != nil {
				w.logger.Warn("reconcile: creating forward dns record failed", "assignment_id", a.ID, "error", err)
			} else if id != "" {
				a.ForwardDNSID = id
				if err := w.repo.UpdateIPAssignment(ctx, a); err != nil {
					w.logger.Error("reconcile: persisting forward dns id failed", "assignment_id", a.ID, "error", err)
				}
			}
		}
		if a.ReverseDNSID == "" {
			id, err := w.dns.CreateReverseRecord(ctx, r.ReverseZoneID, a.IP, hostname)
			if err != nil {
				w.logger.Warn("reconcile: creating reverse dns record failed", "assignment_id", a.ID, "error", err)
			} else if id != "" {
				a.ReverseDNSID = id
				if err := w.repo.UpdateIPAssignment(ctx, a); err != nil {
					w.logger.Error("reconcile: persisting reverse dns id failed", "assignment_id", a.ID, "error", err)
				}
			}
		}
	}
	if w.router != nil && r.AccessPolicyID != nil {
		if err := w.router.ApplyAccessPolicy(ctx, r.AccessPolicyID.String(), a.IP, vm.MAC); err != nil {
			w.logger.Warn("reconcile: applying access policy failed", "assignment_id", a.ID, "error", err)
		}
	}
}

func (w *Worker) dropAssignment(ctx context.Context, r types.IPRange, a types.IPAssignment) {
	if w.router != nil && r.AccessPolicyID != nil {
		if err := w.router.RemoveAccessPolicy(ctx, r.AccessPolicyID.String(), a.IP); err != nil {
			w.logger.Warn("reconcile: removing access policy failed", "assignment_id", a.ID, "error", err)
		}
	}
	if w.dns != nil {
		if a.ForwardDNSID != "" {
			if err := w.dns.DeleteRecord(ctx, r.ReverseZoneID, a.ForwardDNSID); err != nil {
				w.logger.Warn("reconcile: deleting forward dns record failed", "assignment_id", a.ID, "error", err)
			}
		}
		if a.ReverseDNSID != "" {
			if err := w.dns.DeleteRecord(ctx, r.ReverseZoneID, a.ReverseDNSID); err != nil {
				w.logger.Warn("reconcile: deleting reverse dns record failed", "assignment_id", a.ID, "error", err)
			}
		}
	}
	if err := w.repo.DeleteIPAssignment(ctx, a.ID, time.Now()); err != nil {
		w.logger.Error("reconcile: dropping stale assignment failed", "assignment_id", a.ID, "error", err)
	}
}

func (w *Worker) notifyAdmin(ctx context.Context, subject, body string) {
	if w.notifier == nil || w.cfg.AdminRecipient == "" {
		return
	}
	for _, prov := range w.notifier.All() {
		_ = prov.Send(ctx, w.cfg.AdminRecipient, notify.Message{Subject: subject, Body: body, Urgency: "normal"})
	}
}
