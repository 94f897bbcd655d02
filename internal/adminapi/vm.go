package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/provisioner"
	"github.com/lnvps/api/pkg/rbac"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// VMHandler serves the operator view of VMs: lookup, listing scoped by
// user or host, disable/enable, deletion, and each VM's history and
// payments.
// There is no unscoped "list every VM" repo method (spec.md never requires
// an unbounded admin table scan), so listing always takes a user_id or
// host_id filter.
type VMHandler struct {
	repo        repo.Repository
	provisioner *provisioner.Provisioner
	rbac        *rbac.Evaluator
}

func NewVMHandler(r repo.Repository, p *provisioner.Provisioner, rb *rbac.Evaluator) *VMHandler {
	return &VMHandler{repo: r, provisioner: p, rbac: rb}
}

func (h *VMHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handlePatch)
	r.Delete("/{id}", h.handleDelete)
	r.Get("/{id}/history", h.handleHistory)
	r.Get("/{id}/payments", h.handleListPayments)
	return r
}

func (h *VMHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceVM, types.ActionRead); !ok {
		return
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := uuid.Parse(v)
		if err != nil {
			httpserver.WriteError(w, apperr.Validation("invalid user_id"))
			return
		}
		vms, err := h.repo.ListVMsByUser(r.Context(), userID)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, vms)
		return
	}
	if v := r.URL.Query().Get("host_id"); v != "" {
		hostID, err := uuid.Parse(v)
		if err != nil {
			httpserver.WriteError(w, apperr.Validation("invalid host_id"))
			return
		}
		vms, err := h.repo.ListActiveVMsByHost(r.Context(), hostID)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, vms)
		return
	}
	httpserver.WriteError(w, apperr.Validation("user_id or host_id query parameter is required"))
}

func (h *VMHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceVM, types.ActionRead); !ok {
		return
	}
	vm, err := h.vm(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, vm)
}

func (h *VMHandler) vm(r *http.Request) (types.VM, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return types.VM{}, apperr.Validation("invalid vm id")
	}
	return h.repo.GetVM(r.Context(), id)
}

type vmAdminPatchRequest struct {
	Disabled *bool `json:"disabled"`
}

func (h *VMHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceVM, types.ActionWrite); !ok {
		return
	}
	vm, err := h.vm(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req vmAdminPatchRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if req.Disabled != nil {
		vm.Disabled = *req.Disabled
	}
	if err := h.repo.UpdateVM(r.Context(), vm); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	entry := types.VMHistoryEntry{
		ID:          uuid.New(),
		VMID:        vm.ID,
		Action:      types.VMHistoryAdminAction,
		Actor:       "admin",
		Description: "operator patch",
	}
	_ = h.repo.AppendVMHistory(r.Context(), entry)
	httpserver.Respond(w, http.StatusOK, vm)
}

type vmDeleteRequest struct {
	Reason string `json:"reason"`
}

func (h *VMHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceVM, types.ActionDelete); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid vm id"))
		return
	}
	var req vmDeleteRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.provisioner.Delete(r.Context(), id, req.Reason); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *VMHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceVMHistory, types.ActionRead); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid vm id"))
		return
	}
	entries, err := h.repo.ListVMHistory(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, entries)
}

func (h *VMHandler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourcePayment, types.ActionRead); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid vm id"))
		return
	}
	payments, err := h.repo.ListPaymentsByVM(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, payments)
}
