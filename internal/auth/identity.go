// Package auth verifies NIP-98 ("HTTP Auth") Nostr events and exposes the
// resulting caller identity to handlers via the request context.
package auth

import "context"

// Identity is the authenticated caller, resolved from a verified NIP-98
// event's pubkey to a local user record.
type Identity struct {
	UserID string
	Pubkey string
	Role   string
}

type contextKey string

const identityKey contextKey = "lnvps_identity"

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the Identity stored in ctx, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}
