// Package userapi exposes the authenticated end-user HTTP API (spec.md §6):
// account, SSH keys, VM lifecycle, payments, catalog, and LNURL-pay. Each
// resource gets its own Handler type with a Routes() chi.Router method,
// following the teacher's pkg/incident/handler.go shape; handlers stay thin
// and delegate all domain logic to the engines.
package userapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/auth"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// AccountHandler serves GET/PATCH /api/v1/account.
type AccountHandler struct {
	repo   repo.Repository
	authMW func(http.Handler) http.Handler
}

// NewAccountHandler builds an AccountHandler.
func NewAccountHandler(r repo.Repository, authMW func(http.Handler) http.Handler) *AccountHandler {
	return &AccountHandler{repo: r, authMW: authMW}
}

// Routes mounts the account resource.
func (h *AccountHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authMW)
	r.Get("/", h.handleGet)
	r.Patch("/", h.handleUpdate)
	return r
}

func (h *AccountHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	userID, err := uuid.Parse(id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid identity")
		return
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, redactUser(user))
}

type accountUpdateRequest struct {
	Email       *string `json:"email" validate:"omitempty,email"`
	CountryCode *string `json:"country_code" validate:"omitempty,len=2"`
	NWCURI      *string `json:"nwc_connection_uri" validate:"omitempty,url"`
}

func (h *AccountHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	userID, err := uuid.Parse(id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid identity")
		return
	}

	var req accountUpdateRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}

	user, err := h.repo.UpdateUser(r.Context(), userID, types.UserUpdateParams{
		Email:            req.Email,
		CountryCode:      req.CountryCode,
		NWCConnectionURI: req.NWCURI,
	})
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, redactUser(user))
}

// redactedUser is the wire shape of types.User with secret fields replaced
// by boolean presence indicators (spec.md §6 "Secrets in admin responses
// are replaced with boolean presence indicators" — applied here too since
// Email and NWCConnectionURI are encrypted at rest regardless of caller).
type redactedUser struct {
	ID          uuid.UUID `json:"id"`
	Pubkey      string    `json:"pubkey"`
	HasEmail    bool      `json:"has_email"`
	CountryCode string    `json:"country_code"`
	HasNWC      bool      `json:"has_nwc_connection"`
}

func redactUser(u types.User) redactedUser {
	return redactedUser{
		ID:          u.ID,
		Pubkey:      u.Pubkey,
		HasEmail:    u.Email != "",
		CountryCode: u.CountryCode,
		HasNWC:      u.NWCConnectionURI != "",
	}
}
