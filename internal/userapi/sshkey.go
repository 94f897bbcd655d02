package userapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/auth"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/types"
)

// SSHKeyHandler serves GET/POST /api/v1/ssh-key.
type SSHKeyHandler struct {
	repo   repo.Repository
	authMW func(http.Handler) http.Handler
}

// NewSSHKeyHandler builds an SSHKeyHandler.
func NewSSHKeyHandler(r repo.Repository, authMW func(http.Handler) http.Handler) *SSHKeyHandler {
	return &SSHKeyHandler{repo: r, authMW: authMW}
}

// Routes mounts the ssh-key resource.
func (h *SSHKeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authMW)
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	return r
}

func callerID(r *http.Request) (uuid.UUID, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return uuid.UUID{}, apperr.New(apperr.KindUnauthorized, "unauthorized", "authentication required")
	}
	return uuid.Parse(id.UserID)
}

func (h *SSHKeyHandler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	keys, err := h.repo.ListSSHKeysByUser(r.Context(), userID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, keys)
}

type sshKeyCreateRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key" validate:"required"`
}

func (h *SSHKeyHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}

	var req sshKeyCreateRequest
	if err := httpserver.DecodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}

	key, err := h.repo.CreateSSHKey(r.Context(), types.SSHKey{
		ID: uuid.New(), UserID: userID, Name: req.Name, PublicKey: req.PublicKey,
	})
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, key)
}
