// Package capacity computes real-time host load from live VM inventory and
// selects a host that can admit a new VM. It holds no state of its own and
// caches nothing — every call recomputes from pkg/repo, matching the "do
// not cache capacity; it is cheap to recompute and trivially correct"
// design note.
//
// Placement's lowest-load-first tie-break is modeled on the sibling example
// repo cuemby-warren's pkg/scheduler.Scheduler.selectNode, generalized from
// "fewest containers" to "lowest overall load fraction".
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// ErrNoCapacity is returned by PickHost when no enabled host in the region
// can admit the requested shape.
var ErrNoCapacity = errors.New("capacity: no host satisfies placement")

// ErrOutOfRange is returned by ValidateShape when a custom shape falls
// outside its pricing envelope.
var ErrOutOfRange = errors.New("capacity: shape out of range")

// Engine computes load and placement decisions against a Repository.
type Engine struct {
	repo repo.Repository
}

// New builds a capacity Engine.
func New(r repo.Repository) *Engine {
	return &Engine{repo: r}
}

// shapeOf resolves a VM's committed shape through its standard or custom
// template, as §4.1 "Load computation" requires.
func (e *Engine) shapeOf(ctx context.Context, vm types.VM) (types.Shape, error) {
	if vm.TemplateID != nil {
		t, err := e.repo.GetVMTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return types.Shape{}, fmt.Errorf("resolving vm template: %w", err)
		}
		return types.Shape{
			CPU: t.CPU, MemoryBytes: t.MemoryBytes, DiskSizeBytes: t.DiskSizeBytes,
			DiskKind: t.DiskKind, DiskInterface: t.DiskInterface,
		}, nil
	}
	if vm.CustomTemplateID != nil {
		t, err := e.repo.GetCustomTemplate(ctx, *vm.CustomTemplateID)
		if err != nil {
			return types.Shape{}, fmt.Errorf("resolving custom template: %w", err)
		}
		return types.Shape{
			CPU: t.CPU, MemoryBytes: t.MemoryBytes, DiskSizeBytes: t.DiskSizeBytes,
			DiskKind: t.DiskKind, DiskInterface: t.DiskInterface,
		}, nil
	}
	return types.Shape{}, errors.New("capacity: vm has neither template nor custom template")
}

// hostLoad is the raw tally AvailableCapacity and PickHost both need:
// per-(kind,interface) disk totals and usage, alongside aggregate CPU/memory
// usage, summed over every non-deleted, non-expired VM on the host.
type hostLoad struct {
	vms        int
	usedCPU    int64
	usedMemory int64
	diskUsed   map[string]int64
	diskTotal  map[string]int64
}

// tallyHostLoad resolves every active VM's committed shape through its
// standard or custom template and sums it against the host's enabled disks,
// as §4.1 "Load computation" requires.
func (e *Engine) tallyHostLoad(ctx context.Context, host types.Host) (hostLoad, error) {
	vms, err := e.repo.ListActiveVMsByHost(ctx, host.ID)
	if err != nil {
		return hostLoad{}, fmt.Errorf("listing active vms: %w", err)
	}
	disks, err := e.repo.ListHostDisks(ctx, host.ID)
	if err != nil {
		return hostLoad{}, fmt.Errorf("listing host disks: %w", err)
	}

	hl := hostLoad{vms: len(vms), diskUsed: make(map[string]int64), diskTotal: make(map[string]int64)}
	for _, d := range disks {
		if !d.Enabled {
			continue
		}
		hl.diskTotal[diskKey(d.Kind, d.Interface)] += d.SizeBytes
	}

	for _, vm := range vms {
		shape, err := e.shapeOf(ctx, vm)
		if err != nil {
			return hostLoad{}, err
		}
		hl.usedCPU += int64(shape.CPU)
		hl.usedMemory += shape.MemoryBytes
		hl.diskUsed[diskKey(shape.DiskKind, shape.DiskInterface)] += shape.DiskSizeBytes
	}
	return hl, nil
}

// AvailableCapacity computes the current Load for host, summing the
// committed shape of every non-deleted, non-expired VM on it.
func (e *Engine) AvailableCapacity(ctx context.Context, host types.Host) (types.Load, error) {
	hl, err := e.tallyHostLoad(ctx, host)
	if err != nil {
		return types.Load{}, err
	}
	return loadFromTally(host, hl), nil
}

func loadFromTally(host types.Host, hl hostLoad) types.Load {
	totalCPU := int64(host.CPU)
	availCPU := deratedInt(totalCPU-hl.usedCPU, host.LoadFactor)
	availMemory := deratedInt(host.MemoryBytes-hl.usedMemory, host.LoadFactor)

	cpuLoad := ratio(hl.usedCPU, totalCPU)
	memLoad := ratio(hl.usedMemory, host.MemoryBytes)

	var diskLoad float64
	for key, total := range hl.diskTotal {
		if total == 0 {
			continue
		}
		l := ratio(hl.diskUsed[key], total)
		if l > diskLoad {
			diskLoad = l
		}
	}

	overall := cpuLoad
	if memLoad > overall {
		overall = memLoad
	}
	if diskLoad > overall {
		overall = diskLoad
	}

	return types.Load{
		Overall:         overall,
		CPU:             cpuLoad,
		Memory:          memLoad,
		Disk:            diskLoad,
		AvailableCPU:    int32(availCPU),
		AvailableMemory: availMemory,
		ActiveVMs:       int32(hl.vms),
	}
}

// candidate pairs a host with its current load and a qualifying disk, for
// placement ranking.
type candidate struct {
	host      types.Host
	load      types.Load
	freeBytes int64
}

// PickHost selects an enabled host in region that can admit shape:
// an enabled disk of the requested (kind, interface) with enough free
// bytes, and enough available CPU/memory headroom. Ties broken by lowest
// overall load, then deterministically by host id.
func (e *Engine) PickHost(ctx context.Context, regionID uuid.UUID, shape types.Shape) (types.Host, error) {
	hosts, err := e.repo.ListHostsByRegion(ctx, regionID)
	if err != nil {
		return types.Host{}, fmt.Errorf("listing hosts: %w", err)
	}

	var candidates []candidate
	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		hl, err := e.tallyHostLoad(ctx, h)
		if err != nil {
			return types.Host{}, err
		}
		load := loadFromTally(h, hl)
		if int64(load.AvailableCPU) < int64(shape.CPU) {
			continue
		}
		if load.AvailableMemory < shape.MemoryBytes {
			continue
		}

		key := diskKey(shape.DiskKind, shape.DiskInterface)
		total, hasDisk := hl.diskTotal[key]
		if !hasDisk {
			continue
		}
		freeBytes := total - hl.diskUsed[key]
		if freeBytes < shape.DiskSizeBytes {
			continue
		}

		candidates = append(candidates, candidate{host: h, load: load, freeBytes: freeBytes})
	}

	if len(candidates) == 0 {
		return types.Host{}, ErrNoCapacity
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load.Overall != candidates[j].load.Overall {
			return candidates[i].load.Overall < candidates[j].load.Overall
		}
		return candidates[i].host.ID.String() < candidates[j].host.ID.String()
	})

	return candidates[0].host, nil
}

// ValidateShape checks a standard template's exact spec match, or a custom
// shape against its CustomPricing envelope.
func (e *Engine) ValidateShape(ctx context.Context, templateID, pricingID *uuid.UUID, shape types.Shape) error {
	if templateID != nil {
		t, err := e.repo.GetVMTemplate(ctx, *templateID)
		if err != nil {
			return fmt.Errorf("resolving template: %w", err)
		}
		if t.CPU != shape.CPU || t.MemoryBytes != shape.MemoryBytes ||
			t.DiskSizeBytes != shape.DiskSizeBytes || t.DiskKind != shape.DiskKind ||
			t.DiskInterface != shape.DiskInterface {
			return fmt.Errorf("%w: shape does not match standard template", ErrOutOfRange)
		}
		return nil
	}

	if pricingID == nil {
		return errors.New("capacity: neither template nor pricing supplied")
	}
	pricing, err := e.repo.GetCustomPricing(ctx, *pricingID)
	if err != nil {
		return fmt.Errorf("resolving custom pricing: %w", err)
	}
	if shape.CPU < pricing.MinCPU || shape.CPU > pricing.MaxCPU {
		return fmt.Errorf("%w: cpu %d outside [%d,%d]", ErrOutOfRange, shape.CPU, pricing.MinCPU, pricing.MaxCPU)
	}
	if shape.MemoryBytes < pricing.MinMemoryBytes || shape.MemoryBytes > pricing.MaxMemoryBytes {
		return fmt.Errorf("%w: memory outside envelope", ErrOutOfRange)
	}
	if shape.DiskSizeBytes < pricing.MinDiskBytes || shape.DiskSizeBytes > pricing.MaxDiskBytes {
		return fmt.Errorf("%w: disk size outside envelope", ErrOutOfRange)
	}
	return nil
}

func diskKey(kind types.DiskKind, iface types.DiskInterface) string {
	return string(kind) + ":" + string(iface)
}

func ratio(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(used) / float64(total)
	if r < 0 {
		return 0
	}
	return r
}

func deratedInt(raw int64, loadFactor float64) int64 {
	if raw < 0 {
		return 0
	}
	v := int64(float64(raw) * loadFactor)
	if v < 0 {
		return 0
	}
	return v
}
