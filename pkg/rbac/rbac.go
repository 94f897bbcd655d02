// Package rbac evaluates resource×action permission tuples for admin-API
// requests. It generalizes the teacher's flat RequireRole/RequireMinRole
// check to spec.md §3's Role/Permission/RoleAssignment model: a user may
// hold several roles, each granting a set of (resource, action) pairs, and
// is allowed to act if any assigned role grants the exact permission.
package rbac

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// Evaluator answers "can this user do that" against the Repository's
// role-assignment table. It holds no cache; every check is a fresh read,
// matching pkg/capacity's "no caching of authoritative state" posture.
type Evaluator struct {
	repo repo.Repository
}

// New builds an Evaluator over r.
func New(r repo.Repository) *Evaluator {
	return &Evaluator{repo: r}
}

// Allows reports whether userID holds a role granting (resource, action).
func (e *Evaluator) Allows(ctx context.Context, userID uuid.UUID, resource types.Resource, action types.Action) (bool, error) {
	roles, err := e.repo.GetRolesForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolving roles for user: %w", err)
	}
	for _, role := range roles {
		for _, perm := range role.Permissions {
			if perm.Resource == resource && perm.Action == action {
				return true, nil
			}
		}
	}
	return false, nil
}

// Require returns an *apperr.Error the httpserver boundary translates to
// 403 when Allows is false, or a 500-mapped error if the role lookup
// itself failed.
func (e *Evaluator) Require(ctx context.Context, userID uuid.UUID, resource types.Resource, action types.Action) error {
	ok, err := e.Allows(ctx, userID, resource, action)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "rbac_lookup_failed", "evaluating permissions", err)
	}
	if !ok {
		return apperr.New(apperr.KindForbidden, "forbidden", fmt.Sprintf("missing permission %s:%s", resource, action))
	}
	return nil
}
