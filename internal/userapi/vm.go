package userapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/billing"
	"github.com/lnvps/api/pkg/lightning"
	"github.com/lnvps/api/pkg/provisioner"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// VMHandler serves the VM lifecycle resource: ordering, lifecycle actions,
// renewal and upgrade.
type VMHandler struct {
	repo        repo.Repository
	provisioner *provisioner.Provisioner
	billing     *billing.Engine
	lightningP  lightning.Provider
	authMW      func(http.Handler) http.Handler
}

// NewVMHandler builds a VMHandler. authMW guards every route except
// renew-lnurlp, which LNURL wallets call without any NIP-98 envelope
// (spec.md §6).
func NewVMHandler(r repo.Repository, p *provisioner.Provisioner, b *billing.Engine, lightningP lightning.Provider, authMW func(http.Handler) http.Handler) *VMHandler {
	return &VMHandler{repo: r, provisioner: p, billing: b, lightningP: lightningP, authMW: authMW}
}

// Routes mounts the vm resource. renew-lnurlp is registered outside the
// authenticated group since it is reached by LNURL wallets, not signed-in
// users.
func (h *VMHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(h.authMW)
		r.Get("/", h.handleList)
		r.Post("/", h.handleOrderStandard)
		r.Post("/custom-template", h.handleOrderCustom)
		r.Get("/templates", h.handleListTemplates)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handlePatch)
			r.Patch("/start", h.handleAction(h.provisioner.Start))
			r.Patch("/stop", h.handleAction(h.provisioner.Stop))
			r.Patch("/restart", h.handleAction(h.provisioner.Restart))
			r.Patch("/re-install", h.handleAction(h.provisioner.Reinstall))
			r.Get("/renew", h.handleRenew)
			r.Post("/upgrade", h.handleUpgrade)
			r.Post("/upgrade/quote", h.handleUpgradeQuote)
			r.Get("/payments", h.handleListPayments)
		})
	})
	r.Get("/{id}/renew-lnurlp", h.handleRenewLNURLP)
	return r
}

func (h *VMHandler) vmID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// ownedVM loads the VM and checks it belongs to the caller.
func (h *VMHandler) ownedVM(r *http.Request) (types.VM, error) {
	userID, err := callerID(r)
	if err != nil {
		return types.VM{}, err
	}
	id, err := h.vmID(r)
	if err != nil {
		return types.VM{}, apperr.Validation("invalid vm id")
	}
	vm, err := h.repo.GetVM(r.Context(), id)
	if err != nil {
		return types.VM{}, err
	}
	if vm.UserID != userID {
		return types.VM{}, apperr.New(apperr.KindForbidden, "forbidden", "vm does not belong to caller")
	}
	return vm, nil
}

func (h *VMHandler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	vms, err := h.repo.ListVMsByUser(r.Context(), userID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, vms)
}

func (h *VMHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ownedVM(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, vm)
}

type orderStandardRequest struct {
	RegionID   uuid.UUID           `json:"region_id" validate:"required"`
	TemplateID uuid.UUID           `json:"template_id" validate:"required"`
	ImageID    uuid.UUID           `json:"image_id" validate:"required"`
	SSHKeyID   uuid.UUID           `json:"ssh_key_id" validate:"required"`
	RefCode    string              `json:"ref_code"`
	Method     types.PaymentMethod `json:"method"`
}

// orderResponse pairs the created VM with the first-payment invoice
// (spec.md §8 scenario 1: "User orders -> unpaid payment of amount 200").
type orderResponse struct {
	VM      types.VM      `json:"vm"`
	Payment types.Payment `json:"payment"`
}

func (h *VMHandler) issueOrderInvoice(ctx context.Context, vmID uuid.UUID, method types.PaymentMethod) (types.Payment, error) {
	if method == "" {
		method = types.PaymentMethodLightning
	}
	return h.billing.NewInvoice(ctx, vmID, types.PaymentKindNew, method, "", nil)
}

func (h *VMHandler) handleOrderStandard(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req orderStandardRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	vm, err := h.provisioner.OrderStandard(r.Context(), userID, req.RegionID, req.TemplateID, req.ImageID, req.SSHKeyID, req.RefCode)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	payment, err := h.issueOrderInvoice(r.Context(), vm.ID, req.Method)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, orderResponse{VM: vm, Payment: payment})
}

type orderCustomRequest struct {
	RegionID  uuid.UUID           `json:"region_id" validate:"required"`
	PricingID uuid.UUID           `json:"pricing_id" validate:"required"`
	Shape     types.Shape         `json:"shape"`
	ImageID   uuid.UUID           `json:"image_id" validate:"required"`
	SSHKeyID  uuid.UUID           `json:"ssh_key_id" validate:"required"`
	RefCode   string              `json:"ref_code"`
	Method    types.PaymentMethod `json:"method"`
}

func (h *VMHandler) handleOrderCustom(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req orderCustomRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	vm, err := h.provisioner.OrderCustom(r.Context(), userID, req.RegionID, req.PricingID, req.Shape, req.ImageID, req.SSHKeyID, req.RefCode)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	payment, err := h.issueOrderInvoice(r.Context(), vm.ID, req.Method)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, orderResponse{VM: vm, Payment: payment})
}

type vmPatchRequest struct {
	AutoRenew *bool `json:"auto_renew"`
}

func (h *VMHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ownedVM(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req vmPatchRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if req.AutoRenew != nil {
		vm.AutoRenew = *req.AutoRenew
	}
	if err := h.repo.UpdateVM(r.Context(), vm); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, vm)
}

// handleAction adapts a single-VM Provisioner lifecycle method (Start,
// Stop, Restart, Reinstall) into a PATCH handler, checking ownership first.
func (h *VMHandler) handleAction(action func(ctx context.Context, vmID uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vm, err := h.ownedVM(r)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		if err := action(r.Context(), vm.ID); err != nil {
			httpserver.WriteError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleRenew issues (and returns) a renewal payment for the VM, billed via
// the method given in ?method=lightning|fiat (spec.md §6).
func (h *VMHandler) handleRenew(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ownedVM(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	method := types.PaymentMethod(r.URL.Query().Get("method"))
	if method == "" {
		method = types.PaymentMethodLightning
	}
	payment, err := h.billing.NewInvoice(r.Context(), vm.ID, types.PaymentKindRenew, method, "", nil)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, payment)
}

type upgradeRequest struct {
	TargetShape types.Shape `json:"target_shape"`
}

func (h *VMHandler) handleUpgradeQuote(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ownedVM(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req upgradeRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	quote, err := h.billing.CalculateUpgrade(r.Context(), vm.ID, req.TargetShape)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, quote)
}

func (h *VMHandler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ownedVM(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req upgradeRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	raw, err := json.Marshal(req)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "could not encode upgrade params")
		return
	}
	method := types.PaymentMethod(r.URL.Query().Get("method"))
	if method == "" {
		method = types.PaymentMethodLightning
	}
	payment, err := h.billing.NewInvoice(r.Context(), vm.ID, types.PaymentKindUpgrade, method, "", raw)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, payment)
}

func (h *VMHandler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	regionParam := r.URL.Query().Get("region_id")
	if regionParam == "" {
		httpserver.WriteError(w, apperr.Validation("region_id query parameter is required"))
		return
	}
	regionID, err := uuid.Parse(regionParam)
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid region_id"))
		return
	}
	templates, err := h.repo.ListVMTemplatesByRegion(r.Context(), regionID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, templates)
}

type lnurlPayCallbackResponse struct {
	PR     string   `json:"pr"`
	Routes []string `json:"routes"`
}

// handleRenewLNURLP serves the LNURL-pay callback for an anonymous renewal
// payment of the given msat amount against a VM (spec.md §6).
func (h *VMHandler) handleRenewLNURLP(w http.ResponseWriter, r *http.Request) {
	id, err := h.vmID(r)
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid vm id"))
		return
	}
	amountMsat, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amountMsat <= 0 {
		httpserver.WriteError(w, apperr.Validation("amount query parameter (msats) is required"))
		return
	}

	payment, err := h.billing.NewInvoice(r.Context(), id, types.PaymentKindRenew, types.PaymentMethodLightning, "", nil)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	invoice, err := h.lightningP.CreateInvoice(r.Context(), amountMsat, "lnvps renew "+payment.VMID.String())
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, lnurlPayCallbackResponse{PR: invoice.PaymentRequest, Routes: []string{}})
}

func (h *VMHandler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	vm, err := h.ownedVM(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	payments, err := h.repo.ListPaymentsByVM(r.Context(), vm.ID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, payments)
}
