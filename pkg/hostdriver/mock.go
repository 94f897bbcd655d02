package hostdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lnvps/api/pkg/types"
)

// MockDriver is an in-memory Driver used by pkg/provisioner and pkg/worker
// tests; it never touches the network.
type MockDriver struct {
	mu      sync.Mutex
	vms     map[string]*mockVM
	nextID  int
	FailNextImport bool
	FailNextCreate bool
}

type mockVM struct {
	state       string
	imageHandle string
	shape       types.Shape
	createdAt   time.Time
}

// NewMockDriver builds an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{vms: map[string]*mockVM{}}
}

func (d *MockDriver) Version(_ context.Context, _ types.Host) (string, error) {
	return "mock-1.0", nil
}

func (d *MockDriver) ImportImage(_ context.Context, _ types.Host, imageURL, diskID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailNextImport {
		d.FailNextImport = false
		return "", &TransientError{Op: "import_image", Err: fmt.Errorf("simulated failure")}
	}
	return "img-" + diskID + "-" + imageURL, nil
}

func (d *MockDriver) CreateVM(_ context.Context, _ types.Host, spec VMSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailNextCreate {
		d.FailNextCreate = false
		return "", &TransientError{Op: "create_vm", Err: fmt.Errorf("simulated failure")}
	}
	d.nextID++
	id := fmt.Sprintf("mock-vm-%d", d.nextID)
	d.vms[id] = &mockVM{state: "running", imageHandle: spec.ImageHandle, shape: spec.Shape, createdAt: time.Now()}
	return id, nil
}

func (d *MockDriver) Start(_ context.Context, _ types.Host, hypervisorID string) error {
	return d.setState(hypervisorID, "running")
}

func (d *MockDriver) Stop(_ context.Context, _ types.Host, hypervisorID string) error {
	return d.setState(hypervisorID, "stopped")
}

func (d *MockDriver) Restart(_ context.Context, _ types.Host, hypervisorID string) error {
	return d.setState(hypervisorID, "running")
}

func (d *MockDriver) Delete(_ context.Context, _ types.Host, hypervisorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vms, hypervisorID) // idempotent: absent entity is not an error
	return nil
}

func (d *MockDriver) Reinstall(_ context.Context, _ types.Host, hypervisorID string, imageHandle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[hypervisorID]
	if !ok {
		return fmt.Errorf("hostdriver: unknown hypervisor id %s", hypervisorID)
	}
	vm.imageHandle = imageHandle
	vm.state = "running"
	return nil
}

func (d *MockDriver) State(_ context.Context, _ types.Host, hypervisorID string) (types.RunningState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[hypervisorID]
	if !ok {
		return types.RunningState{State: "stopped", ObservedAt: time.Now()}, nil
	}
	return types.RunningState{
		State:         vm.state,
		UptimeSeconds: int64(time.Since(vm.createdAt).Seconds()),
		ObservedAt:    time.Now(),
	}, nil
}

func (d *MockDriver) PatchConfig(_ context.Context, _ types.Host, hypervisorID string, delta ConfigDelta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[hypervisorID]
	if !ok {
		return fmt.Errorf("hostdriver: unknown hypervisor id %s", hypervisorID)
	}
	vm.shape = delta.Shape
	return nil
}

func (d *MockDriver) setState(hypervisorID, state string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[hypervisorID]
	if !ok {
		return nil // idempotent: no-op on an already-gone entity
	}
	vm.state = state
	return nil
}
