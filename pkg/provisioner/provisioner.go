// Package provisioner implements the order-to-running-VM state machine
// (spec.md §4.2): it reserves host capacity and IP addresses atomically,
// drives the hypervisor/router/DNS drivers to convergence, and records an
// append-only history of every transition. Service-over-store layering is
// modeled on the teacher's pkg/incident/service.go.
package provisioner

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/pkg/capacity"
	"github.com/lnvps/api/pkg/dnsdriver"
	"github.com/lnvps/api/pkg/hostdriver"
	"github.com/lnvps/api/pkg/lock"
	"github.com/lnvps/api/pkg/notify"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/routerdriver"
	"github.com/lnvps/api/pkg/types"
)

// maxRangeScan bounds how many addresses a sequential/random allocation
// scans within one IP range. Reasonable for the /24-or-smaller IPv4 pools
// and manually sized IPv6 /112-or-smaller pools this control plane issues;
// a region needing more must split into multiple ranges.
const maxRangeScan = 65536

// Config tunes retry budgets and admin-notification routing.
type Config struct {
	// MaxDriverRetries bounds transient driver retries before a handler-
	// visible DriverTransient failure (spec.md §7).
	MaxDriverRetries int
	// DeleteAfter is how long past expiry a VM is purged (spec.md §6
	// "delete-after"). The Provisioner itself never reads it; purging is
	// timed by pkg/worker's own Config.DeleteAfter.
	DeleteAfter time.Duration
	// AdminRecipient receives admin-actionable notifications (DriverFatal,
	// retry-budget exhaustion).
	AdminRecipient string
}

// Provisioner drives the VM lifecycle state machine.
type Provisioner struct {
	repo     repo.Repository
	capacity *capacity.Engine
	drivers  map[types.HostKind]hostdriver.Driver
	router   routerdriver.Driver
	dns      dnsdriver.Driver
	notifier *notify.Registry
	locks    *lock.KeyedMutex
	cfg      Config
}

// New builds a Provisioner. drivers must have one entry per types.HostKind
// that any configured Host uses; router and dns may be noop implementations
// (routerdriver.NewNoop / dnsdriver.NewNoop) when a region has none
// configured.
func New(r repo.Repository, drivers map[types.HostKind]hostdriver.Driver, router routerdriver.Driver, dns dnsdriver.Driver, notifier *notify.Registry, cfg Config) *Provisioner {
	if cfg.MaxDriverRetries <= 0 {
		cfg.MaxDriverRetries = 3
	}
	return &Provisioner{
		repo:     r,
		capacity: capacity.New(r),
		drivers:  drivers,
		router:   router,
		dns:      dns,
		notifier: notifier,
		locks:    lock.New(),
		cfg:      cfg,
	}
}

func (p *Provisioner) driverFor(kind types.HostKind) (hostdriver.Driver, error) {
	d, ok := p.drivers[kind]
	if !ok {
		return nil, apperr.New(apperr.KindDriverFatal, "no_driver", fmt.Sprintf("no hostdriver registered for host kind %q", kind))
	}
	return d, nil
}

// OrderStandard places an order against an immutable VM template,
// reserving a host for the shape inside one transaction (spec.md §4.1
// "Concurrent placement").
func (p *Provisioner) OrderStandard(ctx context.Context, userID, regionID, templateID, imageID, sshKeyID uuid.UUID, refCode string) (types.VM, error) {
	tmpl, err := p.repo.GetVMTemplate(ctx, templateID)
	if err != nil {
		return types.VM{}, fmt.Errorf("resolving template: %w", err)
	}
	if !tmpl.Enabled {
		return types.VM{}, apperr.Validation("template is disabled")
	}
	shape := types.Shape{CPU: tmpl.CPU, MemoryBytes: tmpl.MemoryBytes, DiskSizeBytes: tmpl.DiskSizeBytes, DiskKind: tmpl.DiskKind, DiskInterface: tmpl.DiskInterface}

	var vm types.VM
	err = p.repo.WithTx(ctx, func(ctx context.Context, tx repo.Repository) error {
		capEngine := capacity.New(tx)
		if err := capEngine.ValidateShape(ctx, &templateID, nil, shape); err != nil {
			return err
		}
		host, err := capEngine.PickHost(ctx, regionID, shape)
		if err != nil {
			return err
		}
		created, err := p.newVMRow(ctx, tx, userID, host.ID, &templateID, nil, imageID, sshKeyID, refCode)
		if err != nil {
			return err
		}
		vm = created
		return nil
	})
	return vm, err
}

// OrderCustom places an order against a parametric CustomPricing envelope,
// creating the concrete CustomTemplate row the VM binds to.
func (p *Provisioner) OrderCustom(ctx context.Context, userID, regionID, pricingID uuid.UUID, shape types.Shape, imageID, sshKeyID uuid.UUID, refCode string) (types.VM, error) {
	if err := p.capacity.ValidateShape(ctx, nil, &pricingID, shape); err != nil {
		return types.VM{}, err
	}

	var vm types.VM
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx repo.Repository) error {
		capEngine := capacity.New(tx)
		if err := capEngine.ValidateShape(ctx, nil, &pricingID, shape); err != nil {
			return err
		}
		host, err := capEngine.PickHost(ctx, regionID, shape)
		if err != nil {
			return err
		}
		ct, err := tx.CreateCustomTemplate(ctx, types.CustomTemplate{
			CustomPricingID: pricingID,
			CPU:             shape.CPU,
			MemoryBytes:     shape.MemoryBytes,
			DiskSizeBytes:   shape.DiskSizeBytes,
			DiskKind:        shape.DiskKind,
			DiskInterface:   shape.DiskInterface,
		})
		if err != nil {
			return fmt.Errorf("creating custom template: %w", err)
		}
		created, err := p.newVMRow(ctx, tx, userID, host.ID, nil, &ct.ID, imageID, sshKeyID, refCode)
		if err != nil {
			return err
		}
		vm = created
		return nil
	})
	return vm, err
}

func (p *Provisioner) newVMRow(ctx context.Context, tx repo.Repository, userID, hostID uuid.UUID, templateID, customTemplateID *uuid.UUID, imageID, sshKeyID uuid.UUID, refCode string) (types.VM, error) {
	mac, err := randomMAC()
	if err != nil {
		return types.VM{}, fmt.Errorf("generating mac: %w", err)
	}
	vm, err := tx.CreateVM(ctx, types.VM{
		UserID:           userID,
		HostID:           hostID,
		TemplateID:       templateID,
		CustomTemplateID: customTemplateID,
		SSHKeyID:         sshKeyID,
		ImageID:          imageID,
		MAC:              mac,
		RefCode:          refCode,
		State:            types.VMStateAwaitingPayment,
		ExpiresAt:        time.Now(),
	})
	if err != nil {
		return types.VM{}, fmt.Errorf("creating vm: %w", err)
	}
	if err := tx.AppendVMHistory(ctx, types.VMHistoryEntry{
		VMID:        vm.ID,
		Action:      types.VMHistoryCreated,
		Actor:       "provisioner",
		Description: "order placed, awaiting payment",
	}); err != nil {
		return types.VM{}, fmt.Errorf("recording creation history: %w", err)
	}
	return vm, nil
}

// Spawn converges a paid VM to a running hypervisor entity: idempotent
// image import, VM creation, IP reservation, router/DNS wiring. Called by
// the lifecycle worker for every VM ListVMsAwaitingSpawn returns, and may
// also be invoked directly after a synchronous first payment.
func (p *Provisioner) Spawn(ctx context.Context, vmID uuid.UUID) error {
	var spawnErr error
	lockErr := p.locks.WithLock(vmID, func() error {
		spawnErr = p.spawnLocked(ctx, vmID)
		return nil
	})
	if lockErr != nil {
		return lockErr
	}
	return spawnErr
}

func (p *Provisioner) spawnLocked(ctx context.Context, vmID uuid.UUID) error {
	vm, err := p.repo.GetVM(ctx, vmID)
	if err != nil {
		return fmt.Errorf("resolving vm: %w", err)
	}
	if vm.Deleted {
		return nil
	}
	if vm.HypervisorID != "" && vm.State == types.VMStateRunning {
		return nil // idempotent: already spawned
	}

	host, err := p.repo.GetHost(ctx, vm.HostID)
	if err != nil {
		return fmt.Errorf("resolving host: %w", err)
	}
	driver, err := p.driverFor(host.Kind)
	if err != nil {
		return p.failSpawn(ctx, vm, err)
	}
	image, err := p.repo.GetOSImage(ctx, vm.ImageID)
	if err != nil {
		return fmt.Errorf("resolving image: %w", err)
	}
	disk, err := p.pickDisk(ctx, host.ID, vm)
	if err != nil {
		return p.failSpawn(ctx, vm, err)
	}
	sshKey, err := p.repo.GetSSHKey(ctx, vm.SSHKeyID)
	if err != nil {
		return fmt.Errorf("resolving ssh key: %w", err)
	}

	var imageHandle string
	if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
		handle, err := driver.ImportImage(ctx, host, image.SourceURL, disk.ID.String())
		if err != nil {
			return err
		}
		imageHandle = handle
		return nil
	}); err != nil {
		return p.failSpawn(ctx, vm, fmt.Errorf("importing image: %w", err))
	}

	shape, err := p.shapeOf(ctx, vm)
	if err != nil {
		return fmt.Errorf("resolving shape: %w", err)
	}

	var hypervisorID string
	if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
		id, err := driver.CreateVM(ctx, host, hostdriver.VMSpec{
			Shape:        shape,
			ImageHandle:  imageHandle,
			MAC:          vm.MAC,
			VLAN:         host.VLAN,
			MTU:          host.MTU,
			SSHPublicKey: sshKey.PublicKey,
			Hostname:     "vm-" + vm.ID.String(),
		})
		if err != nil {
			return err
		}
		hypervisorID = id
		return nil
	}); err != nil {
		return p.failSpawn(ctx, vm, fmt.Errorf("creating hypervisor entity: %w", err))
	}

	region, err := p.repo.GetRegion(ctx, host.RegionID)
	if err != nil {
		return fmt.Errorf("resolving region: %w", err)
	}
	assignments, err := p.allocateIPs(ctx, vm, region.ID)
	if err != nil {
		// Best-effort rollback of the partial hypervisor entity (spec.md
		// §4.2 "IP allocation failure rolls back any partial driver state").
		_ = driver.Delete(ctx, host, hypervisorID)
		return p.failSpawn(ctx, vm, fmt.Errorf("allocating ip addresses: %w", err))
	}
	_ = assignments

	vm.HypervisorID = hypervisorID
	vm.State = types.VMStateRunning
	if err := p.repo.UpdateVM(ctx, vm); err != nil {
		return fmt.Errorf("persisting spawned vm: %w", err)
	}
	return p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{
		VMID:        vm.ID,
		Action:      types.VMHistorySpawned,
		Actor:       "provisioner",
		Description: fmt.Sprintf("spawned on host %s as %s", host.ID, hypervisorID),
	})
}

// failSpawn leaves vm in AwaitingPayment (spec.md §4.2), records the
// failure in history and emits one admin notification. The cause is
// returned wrapped in an apperr DriverTransient error ("spawn_failed");
// errors.Is/As still reach the original cause through Unwrap.
func (p *Provisioner) failSpawn(ctx context.Context, vm types.VM, cause error) error {
	vm.State = types.VMStateAwaitingPayment
	_ = p.repo.UpdateVM(ctx, vm)
	_ = p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{
		VMID:        vm.ID,
		Action:      types.VMHistoryDriverFailure,
		Actor:       "provisioner",
		Description: cause.Error(),
	})
	p.notifyAdmin(ctx, "VM spawn failed", fmt.Sprintf("vm %s: %v", vm.ID, cause))
	return apperr.Wrap(apperr.KindDriverTransient, "spawn_failed", "spawn retry budget exhausted", cause)
}

func (p *Provisioner) pickDisk(ctx context.Context, hostID uuid.UUID, vm types.VM) (types.HostDisk, error) {
	shape, err := p.shapeOf(ctx, vm)
	if err != nil {
		return types.HostDisk{}, err
	}
	disks, err := p.repo.ListHostDisks(ctx, hostID)
	if err != nil {
		return types.HostDisk{}, fmt.Errorf("listing host disks: %w", err)
	}
	for _, d := range disks {
		if d.Enabled && d.Kind == shape.DiskKind && d.Interface == shape.DiskInterface {
			return d, nil
		}
	}
	return types.HostDisk{}, fmt.Errorf("no enabled %s/%s disk on host %s", shape.DiskKind, shape.DiskInterface, hostID)
}

func (p *Provisioner) shapeOf(ctx context.Context, vm types.VM) (types.Shape, error) {
	if vm.TemplateID != nil {
		t, err := p.repo.GetVMTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return types.Shape{}, err
		}
		return types.Shape{CPU: t.CPU, MemoryBytes: t.MemoryBytes, DiskSizeBytes: t.DiskSizeBytes, DiskKind: t.DiskKind, DiskInterface: t.DiskInterface}, nil
	}
	if vm.CustomTemplateID != nil {
		t, err := p.repo.GetCustomTemplate(ctx, *vm.CustomTemplateID)
		if err != nil {
			return types.Shape{}, err
		}
		return types.Shape{CPU: t.CPU, MemoryBytes: t.MemoryBytes, DiskSizeBytes: t.DiskSizeBytes, DiskKind: t.DiskKind, DiskInterface: t.DiskInterface}, nil
	}
	return types.Shape{}, errors.New("provisioner: vm has neither template nor custom template")
}

// Reinstall stops the VM, re-imports its bound image, and restarts it.
func (p *Provisioner) Reinstall(ctx context.Context, vmID uuid.UUID) error {
	return p.locks.WithLock(vmID, func() error {
		vm, host, driver, err := p.resolveRunning(ctx, vmID)
		if err != nil {
			return err
		}
		image, err := p.repo.GetOSImage(ctx, vm.ImageID)
		if err != nil {
			return fmt.Errorf("resolving image: %w", err)
		}
		disk, err := p.pickDisk(ctx, host.ID, vm)
		if err != nil {
			return err
		}
		var imageHandle string
		if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
			handle, err := driver.ImportImage(ctx, host, image.SourceURL, disk.ID.String())
			if err != nil {
				return err
			}
			imageHandle = handle
			return nil
		}); err != nil {
			return p.driverFailure(ctx, vm, "reinstall", err)
		}
		if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
			return driver.Reinstall(ctx, host, vm.HypervisorID, imageHandle)
		}); err != nil {
			return p.driverFailure(ctx, vm, "reinstall", err)
		}
		return p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{VMID: vm.ID, Action: types.VMHistoryReinstalled, Actor: "provisioner", Description: "reinstalled from " + image.SourceURL})
	})
}

// Stop powers off the VM's hypervisor entity.
func (p *Provisioner) Stop(ctx context.Context, vmID uuid.UUID) error {
	return p.lifecycleAction(ctx, vmID, types.VMHistoryStopped, "stopped", func(host types.Host, driver hostdriver.Driver, hypervisorID string) error {
		return driver.Stop(ctx, host, hypervisorID)
	})
}

// Start powers on the VM's hypervisor entity.
func (p *Provisioner) Start(ctx context.Context, vmID uuid.UUID) error {
	return p.lifecycleAction(ctx, vmID, types.VMHistoryStarted, "started", func(host types.Host, driver hostdriver.Driver, hypervisorID string) error {
		return driver.Start(ctx, host, hypervisorID)
	})
}

// Restart restarts the VM's hypervisor entity.
func (p *Provisioner) Restart(ctx context.Context, vmID uuid.UUID) error {
	return p.lifecycleAction(ctx, vmID, types.VMHistoryRestarted, "restarted", func(host types.Host, driver hostdriver.Driver, hypervisorID string) error {
		return driver.Restart(ctx, host, hypervisorID)
	})
}

func (p *Provisioner) lifecycleAction(ctx context.Context, vmID uuid.UUID, action types.VMHistoryAction, verb string, call func(types.Host, hostdriver.Driver, string) error) error {
	return p.locks.WithLock(vmID, func() error {
		vm, host, driver, err := p.resolveRunning(ctx, vmID)
		if err != nil {
			return err
		}
		if err := retryTransient(p.cfg.MaxDriverRetries, func() error { return call(host, driver, vm.HypervisorID) }); err != nil {
			return p.driverFailure(ctx, vm, verb, err)
		}
		return p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{VMID: vm.ID, Action: action, Actor: "provisioner", Description: "vm " + verb})
	})
}

func (p *Provisioner) resolveRunning(ctx context.Context, vmID uuid.UUID) (types.VM, types.Host, hostdriver.Driver, error) {
	vm, err := p.repo.GetVM(ctx, vmID)
	if err != nil {
		return types.VM{}, types.Host{}, nil, fmt.Errorf("resolving vm: %w", err)
	}
	if vm.HypervisorID == "" {
		return types.VM{}, types.Host{}, nil, apperr.Validation("vm has not been spawned yet")
	}
	host, err := p.repo.GetHost(ctx, vm.HostID)
	if err != nil {
		return types.VM{}, types.Host{}, nil, fmt.Errorf("resolving host: %w", err)
	}
	driver, err := p.driverFor(host.Kind)
	if err != nil {
		return types.VM{}, types.Host{}, nil, err
	}
	return vm, host, driver, nil
}

func (p *Provisioner) driverFailure(ctx context.Context, vm types.VM, verb string, cause error) error {
	_ = p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{VMID: vm.ID, Action: types.VMHistoryDriverFailure, Actor: "provisioner", Description: fmt.Sprintf("%s failed: %v", verb, cause)})
	p.notifyAdmin(ctx, "VM driver action failed", fmt.Sprintf("vm %s %s: %v", vm.ID, verb, cause))
	return apperr.Wrap(apperr.KindDriverFatal, "driver_action_failed", verb+" failed", cause)
}

// Delete tears down a VM's hypervisor entity, IP assignments, router and
// DNS records, and marks it Deleted. Idempotent: repeated calls on an
// already-deleted VM are a no-op, matching spec.md §4.2.
func (p *Provisioner) Delete(ctx context.Context, vmID uuid.UUID, reason string) error {
	return p.locks.WithLock(vmID, func() error {
		vm, err := p.repo.GetVM(ctx, vmID)
		if err != nil {
			return fmt.Errorf("resolving vm: %w", err)
		}
		if vm.Deleted {
			return nil
		}

		if vm.HypervisorID != "" {
			if host, err := p.repo.GetHost(ctx, vm.HostID); err == nil {
				if driver, err := p.driverFor(host.Kind); err == nil {
					// Best effort: the hypervisor entity may already be gone.
					_ = driver.Delete(ctx, host, vm.HypervisorID)
				}
			}
		}

		assignments, err := p.repo.ListIPAssignmentsByVM(ctx, vm.ID)
		if err != nil {
			return fmt.Errorf("listing ip assignments: %w", err)
		}
		now := time.Now()
		for _, a := range assignments {
			p.releaseAssignment(ctx, a)
			_ = p.repo.DeleteIPAssignment(ctx, a.ID, now)
		}

		vm.Deleted = true
		vm.Disabled = true
		vm.State = types.VMStateDeleted
		if err := p.repo.UpdateVM(ctx, vm); err != nil {
			return fmt.Errorf("persisting deletion: %w", err)
		}
		desc := "vm deleted"
		if reason != "" {
			desc = "vm deleted: " + reason
		}
		return p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{VMID: vm.ID, Action: types.VMHistoryDeleted, Actor: "provisioner", Description: desc})
	})
}

func (p *Provisioner) releaseAssignment(ctx context.Context, a types.IPAssignment) {
	r, err := p.repo.GetIPRange(ctx, a.IPRangeID)
	if err != nil {
		return
	}
	if r.AccessPolicyID != nil {
		_ = p.router.RemoveAccessPolicy(ctx, r.AccessPolicyID.String(), a.IP)
	}
	if a.ForwardDNSID != "" {
		_ = p.dns.DeleteRecord(ctx, r.ReverseZoneID, a.ForwardDNSID)
	}
	if a.ReverseDNSID != "" {
		_ = p.dns.DeleteRecord(ctx, r.ReverseZoneID, a.ReverseDNSID)
	}
}

// Extend advances a VM's expiry by the given number of days without going
// through billing (an admin action).
func (p *Provisioner) Extend(ctx context.Context, vmID uuid.UUID, days int) error {
	return p.locks.WithLock(vmID, func() error {
		vm, err := p.repo.GetVM(ctx, vmID)
		if err != nil {
			return fmt.Errorf("resolving vm: %w", err)
		}
		vm.ExpiresAt = vm.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
		if err := p.repo.UpdateVM(ctx, vm); err != nil {
			return fmt.Errorf("persisting extension: %w", err)
		}
		return p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{VMID: vm.ID, Action: types.VMHistoryAdminAction, Actor: "admin", Description: fmt.Sprintf("extended by %d day(s)", days)})
	})
}

// ApplyUpgrade implements billing.Upgrader: it unmarshals the committed
// target shape from the upgrade payment's params and applies it.
func (p *Provisioner) ApplyUpgrade(ctx context.Context, vmID uuid.UUID, upgradeParams json.RawMessage) error {
	var params struct {
		TargetShape types.Shape `json:"target_shape"`
	}
	if err := json.Unmarshal(upgradeParams, &params); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid_upgrade_params", "invalid upgrade params", err)
	}
	return p.Upgrade(ctx, vmID, params.TargetShape)
}

// Upgrade converts a standard-template VM to an equivalent custom template
// (if needed), rebinds the subscription line item to the new shape, then
// stops, hardware-patches and restarts the VM (spec.md §4.2).
func (p *Provisioner) Upgrade(ctx context.Context, vmID uuid.UUID, targetShape types.Shape) error {
	return p.locks.WithLock(vmID, func() error {
		vm, err := p.repo.GetVM(ctx, vmID)
		if err != nil {
			return fmt.Errorf("resolving vm: %w", err)
		}
		host, err := p.repo.GetHost(ctx, vm.HostID)
		if err != nil {
			return fmt.Errorf("resolving host: %w", err)
		}
		region, err := p.repo.GetRegion(ctx, host.RegionID)
		if err != nil {
			return fmt.Errorf("resolving region: %w", err)
		}
		pricing, err := p.repo.GetCustomPricingByRegion(ctx, region.ID)
		if err != nil {
			return fmt.Errorf("resolving custom pricing for region: %w", err)
		}
		if err := p.capacity.ValidateShape(ctx, nil, &pricing.ID, targetShape); err != nil {
			return err
		}

		ct, err := p.repo.CreateCustomTemplate(ctx, types.CustomTemplate{
			CustomPricingID: pricing.ID,
			CPU:             targetShape.CPU,
			MemoryBytes:     targetShape.MemoryBytes,
			DiskSizeBytes:   targetShape.DiskSizeBytes,
			DiskKind:        targetShape.DiskKind,
			DiskInterface:   targetShape.DiskInterface,
		})
		if err != nil {
			return fmt.Errorf("creating upgraded custom template: %w", err)
		}
		vm.TemplateID = nil
		vm.CustomTemplateID = &ct.ID

		driver, err := p.driverFor(host.Kind)
		if err != nil {
			return err
		}
		if vm.HypervisorID != "" {
			if err := retryTransient(p.cfg.MaxDriverRetries, func() error { return driver.Stop(ctx, host, vm.HypervisorID) }); err != nil {
				return p.driverFailure(ctx, vm, "upgrade-stop", err)
			}
			if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
				return driver.PatchConfig(ctx, host, vm.HypervisorID, hostdriver.ConfigDelta{Shape: targetShape})
			}); err != nil {
				return p.driverFailure(ctx, vm, "upgrade-patch", err)
			}
			if err := retryTransient(p.cfg.MaxDriverRetries, func() error { return driver.Start(ctx, host, vm.HypervisorID) }); err != nil {
				return p.driverFailure(ctx, vm, "upgrade-start", err)
			}
		}

		if err := p.repo.UpdateVM(ctx, vm); err != nil {
			return fmt.Errorf("persisting upgraded vm: %w", err)
		}
		return p.repo.AppendVMHistory(ctx, types.VMHistoryEntry{VMID: vm.ID, Action: types.VMHistoryUpgraded, Actor: "billing", Description: "shape upgraded"})
	})
}

func (p *Provisioner) notifyAdmin(ctx context.Context, subject, body string) {
	if p.notifier == nil || p.cfg.AdminRecipient == "" {
		return
	}
	for _, prov := range p.notifier.All() {
		_ = prov.Send(ctx, p.cfg.AdminRecipient, notify.Message{Subject: subject, Body: body, Urgency: "critical"})
	}
}

// retryTransient retries fn up to maxAttempts times, but only when the
// returned error unwraps to one of the driver packages' TransientError
// types; any other error returns immediately (spec.md §7 DriverFatal).
func retryTransient(maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}

func isTransient(err error) bool {
	var hostErr *hostdriver.TransientError
	var routerErr *routerdriver.TransientError
	var dnsErr *dnsdriver.TransientError
	return errors.As(err, &hostErr) || errors.As(err, &routerErr) || errors.As(err, &dnsErr)
}

// allocateIPs reserves one IP per enabled range in region, wiring router
// access policy and DNS records before persisting the assignment row. On
// any failure, already-reserved ranges in this call are rolled back.
func (p *Provisioner) allocateIPs(ctx context.Context, vm types.VM, regionID uuid.UUID) ([]types.IPAssignment, error) {
	ranges, err := p.repo.ListIPRangesByRegion(ctx, regionID)
	if err != nil {
		return nil, fmt.Errorf("listing ip ranges: %w", err)
	}

	var assigned []types.IPAssignment
	for _, r := range ranges {
		a, err := p.allocateOne(ctx, vm, r)
		if err != nil {
			for _, done := range assigned {
				p.releaseAssignment(ctx, done)
				_ = p.repo.DeleteIPAssignment(ctx, done.ID, time.Now())
			}
			return nil, err
		}
		assigned = append(assigned, a)
	}
	return assigned, nil
}

func (p *Provisioner) allocateOne(ctx context.Context, vm types.VM, r types.IPRange) (types.IPAssignment, error) {
	ip, err := p.pickIP(ctx, r, vm.MAC)
	if err != nil {
		return types.IPAssignment{}, fmt.Errorf("range %s: %w", r.ID, err)
	}

	a := types.IPAssignment{VMID: vm.ID, IPRangeID: r.ID, IP: ip}
	hostname := "vm-" + vm.ID.String()

	if r.ReverseZoneID != "" {
		if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
			id, err := p.dns.CreateForwardRecord(ctx, r.ReverseZoneID, hostname, ip)
			if err != nil {
				return err
			}
			a.ForwardDNSID = id
			return nil
		}); err != nil {
			return types.IPAssignment{}, fmt.Errorf("creating forward dns record: %w", err)
		}
		if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
			id, err := p.dns.CreateReverseRecord(ctx, r.ReverseZoneID, ip, hostname)
			if err != nil {
				return err
			}
			a.ReverseDNSID = id
			return nil
		}); err != nil {
			return types.IPAssignment{}, fmt.Errorf("creating reverse dns record: %w", err)
		}
	}

	if r.AccessPolicyID != nil {
		if err := retryTransient(p.cfg.MaxDriverRetries, func() error {
			return p.router.ApplyAccessPolicy(ctx, r.AccessPolicyID.String(), ip, vm.MAC)
		}); err != nil {
			return types.IPAssignment{}, fmt.Errorf("applying access policy: %w", err)
		}
	}

	created, err := p.repo.CreateIPAssignment(ctx, a)
	if err != nil {
		return types.IPAssignment{}, fmt.Errorf("persisting ip assignment: %w", err)
	}
	return created, nil
}

// pickIP resolves the next address for r in its allocation mode. Sequential
// and random modes scan the range live (not cached, per spec.md §4.2) and
// skip addresses already assigned; SLAAC derives a deterministic IPv6
// address from the VM's MAC.
func (p *Provisioner) pickIP(ctx context.Context, r types.IPRange, mac string) (string, error) {
	prefix, err := netip.ParsePrefix(r.CIDR)
	if err != nil {
		return "", fmt.Errorf("parsing range cidr %q: %w", r.CIDR, err)
	}

	if r.AllocationMode == types.AllocationSLAACEUI64 {
		addr, err := slaacAddress(prefix, mac)
		if err != nil {
			return "", fmt.Errorf("deriving slaac address: %w", err)
		}
		return addr.String(), nil
	}

	existing, err := p.repo.ListIPAssignmentsByRange(ctx, r.ID)
	if err != nil {
		return "", fmt.Errorf("listing existing assignments: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, a := range existing {
		taken[a.IP] = true
	}

	candidates := rangeCandidates(prefix, r.UseFullRange, taken)
	if len(candidates) == 0 {
		return "", capacity.ErrNoCapacity
	}

	if r.AllocationMode == types.AllocationRandom {
		idx, err := randomIndex(len(candidates))
		if err != nil {
			return "", err
		}
		return candidates[idx].String(), nil
	}
	// Sequential: candidates are produced in ascending address order, so
	// the lowest free IP is first (spec.md §8 boundary property).
	return candidates[0].String(), nil
}

// rangeCandidates enumerates unassigned addresses in prefix, in ascending
// order, excluding the network and broadcast addresses unless
// useFullRange is set (spec.md §9 Open Question on /31, /32 ranges).
func rangeCandidates(prefix netip.Prefix, useFullRange bool, taken map[string]bool) []netip.Addr {
	base := prefix.Masked().Addr()
	hostBits := base.BitLen() - prefix.Bits()
	total := int64(1) << uint(hostBits)
	if total > maxRangeScan {
		total = maxRangeScan
	}

	var candidates []netip.Addr
	addr := base
	for i := int64(0); i < total; i++ {
		isNetwork := i == 0
		isBroadcast := i == total-1 && hostBits > 0
		if !useFullRange && (isNetwork || isBroadcast) {
			addr = addr.Next()
			continue
		}
		if !taken[addr.String()] {
			candidates = append(candidates, addr)
		}
		addr = addr.Next()
	}
	return candidates
}

// slaacAddress derives a modified-EUI-64 IPv6 address from prefix and a
// colon-separated MAC address.
func slaacAddress(prefix netip.Prefix, mac string) (netip.Addr, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return netip.Addr{}, fmt.Errorf("mac %q is not a 6-byte hardware address", mac)
	}
	var out [16]byte
	prefixBytes := prefix.Masked().Addr().As16()
	copy(out[:8], prefixBytes[:8])
	out[8] = hw[0] ^ 0x02 // flip universal/local bit
	out[9] = hw[1]
	out[10] = hw[2]
	out[11] = 0xff
	out[12] = 0xfe
	out[13] = hw[3]
	out[14] = hw[4]
	out[15] = hw[5]
	return netip.AddrFrom16(out), nil
}

func randomMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	buf[0] = (buf[0] | 0x02) & 0xfe // locally administered, unicast
	return net.HardwareAddr(buf).String(), nil
}

func randomIndex(n int) (int, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return int(v % uint64(n)), nil
}
