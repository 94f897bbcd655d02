// Package hostdriver implements the uniform hypervisor capability set
// (spec.md §4.5) that pkg/provisioner drives, one implementation per
// types.HostKind.
package hostdriver

import (
	"context"

	"github.com/lnvps/api/pkg/types"
)

// VMSpec is the inputs create_vm needs to attach disk, nic, and cloud-init.
type VMSpec struct {
	Shape        types.Shape
	ImageHandle  string
	MAC          string
	VLAN         *int32
	MTU          *int32
	SSHPublicKey string
	Hostname     string
}

// ConfigDelta describes a patch_config hardware change.
type ConfigDelta struct {
	Shape types.Shape
}

// Driver is the capability set every host implementation provides.
// Selected per host kind at startup and reused, never re-resolved per call
// (spec.md §5).
type Driver interface {
	// Version identifies the hypervisor kind/version for capability gating.
	Version(ctx context.Context, host types.Host) (string, error)
	// ImportImage is idempotent; it may short-circuit if a handle for this
	// image already exists on the target disk.
	ImportImage(ctx context.Context, host types.Host, imageURL string, diskID string) (imageHandle string, err error)
	// CreateVM attaches disk, nic (VLAN+MTU), cloud-init, and resource
	// limits, returning the hypervisor-assigned id.
	CreateVM(ctx context.Context, host types.Host, spec VMSpec) (hypervisorID string, err error)
	Start(ctx context.Context, host types.Host, hypervisorID string) error
	Stop(ctx context.Context, host types.Host, hypervisorID string) error
	Restart(ctx context.Context, host types.Host, hypervisorID string) error
	Delete(ctx context.Context, host types.Host, hypervisorID string) error
	// Reinstall stops, swaps the disk image, and restarts.
	Reinstall(ctx context.Context, host types.Host, hypervisorID string, imageHandle string) error
	State(ctx context.Context, host types.Host, hypervisorID string) (types.RunningState, error)
	// PatchConfig applies a hardware change; callers must stop/start around
	// changes that require it (e.g. most CPU/memory resizes).
	PatchConfig(ctx context.Context, host types.Host, hypervisorID string, delta ConfigDelta) error
}

// TransientError marks a driver failure as retryable by the caller
// (bounded retry budget in pkg/provisioner and pkg/worker).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
