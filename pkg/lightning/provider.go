// Package lightning issues and settles Lightning Network invoices for
// Payment rows billed via types.PaymentMethodLightning.
package lightning

import "context"

// Invoice is a created Lightning payment request.
type Invoice struct {
	PaymentRequest string // BOLT11 invoice string
	PaymentHash    string // hex-encoded, used as Payment.ExternalID
	AmountMsat     int64
	ExpiresAt      int64 // unix seconds
}

// SettleEvent is a provider-reported invoice settlement, delivered via
// webhook in production and polled in tests.
type SettleEvent struct {
	PaymentHash string
	SettledAt   int64
	Preimage    string
}

// Provider creates invoices and reports settlement for one Lightning
// backend (LND, a custodial API, ...).
type Provider interface {
	CreateInvoice(ctx context.Context, amountMsat int64, memo string) (Invoice, error)
	// LookupInvoice polls settlement state directly, used by the lifecycle
	// worker as a fallback when a webhook delivery is missed.
	LookupInvoice(ctx context.Context, paymentHash string) (*SettleEvent, error)
}

// TransientError marks a failure as retryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
