package userapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/pkg/repo"
)

// CatalogHandler serves read-only reference data: OS images.
type CatalogHandler struct {
	repo   repo.Repository
	authMW func(http.Handler) http.Handler
}

// NewCatalogHandler builds a CatalogHandler.
func NewCatalogHandler(r repo.Repository, authMW func(http.Handler) http.Handler) *CatalogHandler {
	return &CatalogHandler{repo: r, authMW: authMW}
}

// ImageRoutes mounts GET /api/v1/image.
func (h *CatalogHandler) ImageRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authMW)
	r.Get("/", h.handleListImages)
	return r
}

func (h *CatalogHandler) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.repo.ListOSImages(r.Context())
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, images)
}
