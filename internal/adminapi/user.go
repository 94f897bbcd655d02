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

// UserHandler serves GET/PATCH /api/v1/admin/users/{id}.
type UserHandler struct {
	repo repo.Repository
	rbac *rbac.Evaluator
}

func NewUserHandler(r repo.Repository, rb *rbac.Evaluator) *UserHandler {
	return &UserHandler{repo: r, rbac: rb}
}

func (h *UserHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handleUpdate)
	return r
}

// adminUser is the wire shape for an operator view of a User: secrets are
// replaced with boolean presence indicators (spec.md §6).
type adminUser struct {
	ID          uuid.UUID `json:"id"`
	Pubkey      string    `json:"pubkey"`
	HasEmail    bool      `json:"has_email"`
	CountryCode string    `json:"country_code"`
	HasNWC      bool      `json:"has_nwc_connection"`
}

func redactAdminUser(u types.User) adminUser {
	return adminUser{
		ID:          u.ID,
		Pubkey:      u.Pubkey,
		HasEmail:    u.Email != "",
		CountryCode: u.CountryCode,
		HasNWC:      u.NWCConnectionURI != "",
	}
}

func (h *UserHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceUser, types.ActionRead); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid user id"))
		return
	}
	user, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, redactAdminUser(user))
}

type userUpdateRequest struct {
	Email       *string `json:"email" validate:"omitempty,email"`
	CountryCode *string `json:"country_code" validate:"omitempty,len=2"`
	NWCURI      *string `json:"nwc_connection_uri" validate:"omitempty,url"`
}

func (h *UserHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, h.rbac, ResourceUser, types.ActionWrite); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid user id"))
		return
	}
	var req userUpdateRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	user, err := h.repo.UpdateUser(r.Context(), id, types.UserUpdateParams{
		Email:            req.Email,
		CountryCode:      req.CountryCode,
		NWCConnectionURI: req.NWCURI,
	})
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, redactAdminUser(user))
}
