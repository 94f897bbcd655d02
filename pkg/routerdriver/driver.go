// Package routerdriver configures network access policies (firewall
// address-list membership) for IP assignments on a region's router.
package routerdriver

import (
	"context"
)

// Driver applies or removes a router-side access policy entry for one IP
// assignment, keyed by the IPRange's AccessPolicyID.
type Driver interface {
	ApplyAccessPolicy(ctx context.Context, policyID, ip, mac string) error
	RemoveAccessPolicy(ctx context.Context, policyID, ip string) error
}

// TransientError marks a failure as retryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// noopDriver is used when a region has no router configured.
type noopDriver struct{}

// NewNoop returns a Driver that accepts every call without side effects.
func NewNoop() Driver { return noopDriver{} }

func (noopDriver) ApplyAccessPolicy(context.Context, string, string, string) error { return nil }
func (noopDriver) RemoveAccessPolicy(context.Context, string, string) error        { return nil }
