package userapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lnvps/api/internal/apperr"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/repo"
)

// LNURLHandler serves the LNURL-pay metadata endpoint
// (".well-known/lnurlp/{vm_id}", spec.md §6). It is inherently
// unauthenticated — LNURL wallets never attach a NIP-98 event — so it is
// mounted directly on the server root, never behind auth.RequireAuth.
type LNURLHandler struct {
	repo       repo.Repository
	publicHost string
}

// NewLNURLHandler builds an LNURLHandler. publicHost is the externally
// reachable hostname used to build the LNURL-pay callback URL.
func NewLNURLHandler(r repo.Repository, publicHost string) *LNURLHandler {
	return &LNURLHandler{repo: r, publicHost: publicHost}
}

// Routes mounts "/.well-known/lnurlp/{vm_id}".
func (h *LNURLHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{vm_id}", h.handleMetadata)
	return r
}

type lnurlPayMetadata struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
}

func (h *LNURLHandler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "vm_id"))
	if err != nil {
		httpserver.WriteError(w, apperr.Validation("invalid vm id"))
		return
	}
	vm, err := h.repo.GetVM(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, lnurlPayMetadata{
		Callback:    fmt.Sprintf("https://%s/api/v1/vm/%s/renew-lnurlp", h.publicHost, vm.ID),
		MinSendable: 1000,
		MaxSendable: 100_000_000_000,
		Metadata:    fmt.Sprintf(`[["text/plain","Renew VPS %s"]]`, vm.ID),
		Tag:         "payRequest",
	})
}
