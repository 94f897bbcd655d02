package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// RepoResolver implements UserResolver against repo.Repository: a pubkey
// seen for the first time gets a User row created on the spot (NIP-98
// proves control of the key, so there is no separate signup step), matching
// how Nostr-native control planes treat "login" as "first authenticated
// request" rather than a distinct registration flow.
type RepoResolver struct {
	repo        repo.Repository
	defaultRole string
}

// NewRepoResolver builds a RepoResolver. defaultRole is the Identity.Role
// stamped for every caller; fine-grained admin authorization is decided
// per-request by pkg/rbac against the caller's assigned roles, not by this
// field, so a single value is sufficient here.
func NewRepoResolver(r repo.Repository, defaultRole string) *RepoResolver {
	return &RepoResolver{repo: r, defaultRole: defaultRole}
}

// ResolveByPubkey looks up the user by pubkey, creating one on first sight.
func (rr *RepoResolver) ResolveByPubkey(pubkey string) (*Identity, error) {
	ctx := context.Background()
	user, err := rr.repo.GetUserByPubkey(ctx, pubkey)
	if errors.Is(err, repo.ErrNotFound) {
		user, err = rr.repo.CreateUser(ctx, types.UserCreateParams{Pubkey: pubkey})
	}
	if err != nil {
		return nil, fmt.Errorf("resolving user by pubkey: %w", err)
	}
	return &Identity{UserID: user.ID.String(), Pubkey: user.Pubkey, Role: rr.defaultRole}, nil
}
