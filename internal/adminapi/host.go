package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/rbac"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// HostHandler serves operator visibility and capacity overrides for
// physical hosts: listing by region, disk inventory, and the load_factor /
// enabled toggles that feed pkg/capacity.
type HostHandler struct {
	repo repo.Repository
	rbac *rbac.Evaluator
}

func NewHostHandler(r repo.Repository, rb *rbac.Evaluator) *HostHandler {
	return &HostHandler{repo: r, rbac: rb}
}

func (h *HostHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handlePatch)
	r.Get("/{id}/disks", h.handleListDisks)
	return r
}

func (h *HostHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceHost, types.ActionRead); !ok {
		return
	}
	if v := r.URL.Query().Get("region_id"); v != "" {
		regionID, err := uuid.Parse(v)
		if err != nil {
			httpserver.WriteError(w, apperr.Validation("invalid region_id"))
			return
		}
		hosts, err := h.repo.ListHostsByRegion(r.Context(), regionID)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, hosts)
		return
	}
	hosts, err := h.repo.ListEnabledHosts(r.Context())
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, hosts)
}

func (h *HostHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceHost, types.ActionRead); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid host id"))
		return
	}
	host, err := h.repo.GetHost(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, host)
}

type hostPatchRequest struct {
	Enabled    *bool    `json:"enabled"`
	LoadFactor *float64 `json:"load_factor" validate:"omitempty,min=0,max=1"`
}

func (h *HostHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceHost, types.ActionWrite); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid host id"))
		return
	}
	host, err := h.repo.GetHost(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req hostPatchRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if req.Enabled != nil {
		host.Enabled = *req.Enabled
	}
	if req.LoadFactor != nil {
		host.LoadFactor = *req.LoadFactor
	}
	if err := h.repo.UpdateHost(r.Context(), host); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, host)
}

func (h *HostHandler) handleListDisks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceHost, types.ActionRead); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid host id"))
		return
	}
	disks, err := h.repo.ListHostDisks(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, disks)
}
