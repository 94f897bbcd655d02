package userapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/repo"
)

// PaymentHandler serves GET /api/v1/payment/{id}, scoped to payments
// against the caller's own VMs.
type PaymentHandler struct {
	repo   repo.Repository
	authMW func(http.Handler) http.Handler
}

// NewPaymentHandler builds a PaymentHandler.
func NewPaymentHandler(r repo.Repository, authMW func(http.Handler) http.Handler) *PaymentHandler {
	return &PaymentHandler{repo: r, authMW: authMW}
}

// Routes mounts the payment resource.
func (h *PaymentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authMW)
	r.Get("/methods", h.handleListMethods)
	r.Get("/{id}", h.handleGet)
	return r
}

// paymentMethodOption is a wire-level description of an available method;
// "lightning" and "fiat" are both always listed, whether or not a fiat
// provider is configured.
type paymentMethodOption struct {
	Method string `json:"method"`
}

func (h *PaymentHandler) handleListMethods(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, []paymentMethodOption{
		{Method: "lightning"},
		{Method: "fiat"},
	})
}

func (h *PaymentHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid payment id"))
		return
	}
	payment, err := h.repo.GetPayment(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	vm, err := h.repo.GetVM(r.Context(), payment.VMID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if vm.UserID != userID {
		httpserver.WriteError(w, apperr.New(apperr.KindForbidden, "forbidden", "payment does not belong to caller"))
		return
	}
	httpserver.Respond(w, http.StatusOK, payment)
}
