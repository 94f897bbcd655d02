// Package adminapi exposes the RBAC-gated operator HTTP API (spec.md §6):
// users, VMs (with each VM's history and payments) and hosts. The other
// Resource constants below are RBAC permission subjects only; no handler or
// route serves regions, companies, images, templates, pricing, roles or IP
// ranges. Each served resource gets its own Handler type with a
// Routes() chi.Router method, following the teacher's pkg/incident/handler.go
// shape. Every route requires authentication plus a resource×action
// permission via pkg/rbac; handlers stay thin and delegate to repo.Repository
// and the engines directly, since the admin surface is mostly operator
// visibility and targeted overrides rather than new domain logic.
package adminapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/auth"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/rbac"
	"github.com/lnvps/api/pkg/types"
)

// callerID extracts the authenticated operator's user id.
func callerID(r *http.Request) (uuid.UUID, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return uuid.UUID{}, apperr.New(apperr.KindUnauthorized, "unauthorized", "authentication required")
	}
	return uuid.Parse(id.UserID)
}

// requirePermission checks the caller holds resource×action, writing the
// translated error and returning false if not (or if auth/lookup failed).
func requirePermission(w http.ResponseWriter, r *http.Request, rb *rbac.Evaluator, resource types.Resource, action types.Action) (uuid.UUID, bool) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return uuid.UUID{}, false
	}
	if err := rb.Require(r.Context(), userID, resource, action); err != nil {
		httpserver.WriteError(w, err)
		return uuid.UUID{}, false
	}
	return userID, true
}

// Resource names used as RBAC permission subjects.
const (
	ResourceUser           types.Resource = "user"
	ResourceVM             types.Resource = "vm"
	ResourceHost           types.Resource = "host"
	ResourceRegion         types.Resource = "region"
	ResourceCompany        types.Resource = "company"
	ResourceImage          types.Resource = "image"
	ResourceTemplate       types.Resource = "template"
	ResourceCustomPricing  types.Resource = "custom_pricing"
	ResourcePayment        types.Resource = "payment"
	ResourceVMHistory      types.Resource = "vm_history"
	ResourceRole           types.Resource = "role"
	ResourceIPRange        types.Resource = "ip_range"
)
