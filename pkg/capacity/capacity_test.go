package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

func newTestHost(m *repo.Memory, regionID uuid.UUID, cpu int32, memBytes, diskBytes int64) types.Host {
	host := types.Host{
		ID:          uuid.New(),
		RegionID:    regionID,
		CPU:         cpu,
		MemoryBytes: memBytes,
		LoadFactor:  1.0,
		Enabled:     true,
	}
	m.Hosts[host.ID] = host
	m.HostDisks[uuid.New()] = types.HostDisk{
		ID: uuid.New(), HostID: host.ID, SizeBytes: diskBytes,
		Kind: types.DiskKindSSD, Interface: types.DiskInterfaceSCSI, Enabled: true,
	}
	return host
}

func newTestTemplate(m *repo.Memory, regionID uuid.UUID, shape types.Shape) uuid.UUID {
	t := types.VMTemplate{
		ID: uuid.New(), RegionID: regionID,
		CPU: shape.CPU, MemoryBytes: shape.MemoryBytes, DiskSizeBytes: shape.DiskSizeBytes,
		DiskKind: shape.DiskKind, DiskInterface: shape.DiskInterface, Enabled: true,
	}
	m.VMTemplates[t.ID] = t
	return t.ID
}

func placeVM(m *repo.Memory, hostID, templateID uuid.UUID) {
	vm := types.VM{
		ID: uuid.New(), HostID: hostID, TemplateID: &templateID,
		State: types.VMStateRunning, ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	m.VMs[vm.ID] = vm
}

func TestPickHost_ExactFitSucceedsOneByteMoreFails(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()
	regionID := uuid.New()

	host := newTestHost(m, regionID, 4, 8<<30, 100<<30)
	shape := types.Shape{CPU: 4, MemoryBytes: 8 << 30, DiskSizeBytes: 100 << 30, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI}

	eng := New(m)
	got, err := eng.PickHost(ctx, regionID, shape)
	if err != nil {
		t.Fatalf("exact-fit placement should succeed, got %v", err)
	}
	if got.ID != host.ID {
		t.Fatalf("expected host %s, got %s", host.ID, got.ID)
	}

	templateID := newTestTemplate(m, regionID, shape)
	placeVM(m, host.ID, templateID)

	_, err = eng.PickHost(ctx, regionID, types.Shape{CPU: 1, MemoryBytes: 1, DiskSizeBytes: 100, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity once host is full, got %v", err)
	}
}

func TestPickHost_TieBreakLowestLoad(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()
	regionID := uuid.New()

	busy := newTestHost(m, regionID, 10, 10<<30, 100<<30)
	idle := newTestHost(m, regionID, 10, 10<<30, 100<<30)

	busyTemplate := newTestTemplate(m, regionID, types.Shape{CPU: 8, MemoryBytes: 1, DiskSizeBytes: 1, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI})
	placeVM(m, busy.ID, busyTemplate)

	eng := New(m)
	shape := types.Shape{CPU: 1, MemoryBytes: 1, DiskSizeBytes: 1, DiskKind: types.DiskKindSSD, DiskInterface: types.DiskInterfaceSCSI}
	got, err := eng.PickHost(ctx, regionID, shape)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != idle.ID {
		t.Fatalf("expected the less-loaded host %s to be picked, got %s", idle.ID, got.ID)
	}
}

func TestValidateShape_CustomEnvelope(t *testing.T) {
	ctx := context.Background()
	m := repo.NewMemory()
	pricing := types.CustomPricing{
		ID: uuid.New(), MinCPU: 1, MaxCPU: 8,
		MinMemoryBytes: 1 << 30, MaxMemoryBytes: 16 << 30,
		MinDiskBytes: 10 << 30, MaxDiskBytes: 500 << 30,
	}
	m.CustomPricings[pricing.ID] = pricing

	eng := New(m)
	ok := types.Shape{CPU: 4, MemoryBytes: 8 << 30, DiskSizeBytes: 80 << 30}
	if err := eng.ValidateShape(ctx, nil, &pricing.ID, ok); err != nil {
		t.Fatalf("shape within envelope should validate, got %v", err)
	}

	tooBig := types.Shape{CPU: 9, MemoryBytes: 8 << 30, DiskSizeBytes: 80 << 30}
	if err := eng.ValidateShape(ctx, nil, &pricing.ID, tooBig); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for cpu above envelope, got %v", err)
	}
}
